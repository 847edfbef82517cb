package tasks

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/lavallee/cub/pkg/models"
)

// MemorySource is an in-process Source. It is safe for concurrent use and
// serves tests and embedders that keep tasks in memory.
type MemorySource struct {
	mu    sync.Mutex
	tasks map[string]models.Task
	now   func() time.Time
}

// NewMemorySource creates a source seeded with tasks.
func NewMemorySource(seed ...models.Task) *MemorySource {
	m := &MemorySource{tasks: make(map[string]models.Task), now: time.Now}
	for _, t := range seed {
		if t.Status == "" {
			t.Status = models.TaskStatusOpen
		}
		m.tasks[t.ID] = t
	}
	return m
}

// Add inserts or replaces a task.
func (m *MemorySource) Add(t models.Task) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.Status == "" {
		t.Status = models.TaskStatusOpen
	}
	m.tasks[t.ID] = t
}

// Get returns a copy of a task.
func (m *MemorySource) Get(id string) (models.Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	return t, ok
}

func (m *MemorySource) snapshot() []models.Task {
	all := make([]models.Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		all = append(all, t)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	return all
}

// ReadyTasks implements Source.
func (m *MemorySource) ReadyTasks(ctx context.Context, epic string) ([]models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return SelectReady(m.snapshot(), epic), nil
}

// Claim implements Source.
func (m *MemorySource) Claim(ctx context.Context, taskID, session string) (ClaimResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return AlreadyClaimed, fmt.Errorf("claim %s: %w", taskID, ErrNotFound)
	}
	if t.Status != models.TaskStatusOpen {
		return AlreadyClaimed, nil
	}
	t.Status = models.TaskStatusInProgress
	t.Assignee = session
	t.UpdatedAt = m.now()
	m.tasks[taskID] = t
	return Claimed, nil
}

// Close implements Source.
func (m *MemorySource) Close(ctx context.Context, taskID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return fmt.Errorf("close %s: %w", taskID, ErrNotFound)
	}
	t.Status = models.TaskStatusClosed
	t.CloseReason = reason
	t.UpdatedAt = m.now()
	m.tasks[taskID] = t
	return nil
}

// Release implements Source. Releasing a task that is not in progress is a no-op.
func (m *MemorySource) Release(ctx context.Context, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return fmt.Errorf("release %s: %w", taskID, ErrNotFound)
	}
	if t.Status != models.TaskStatusInProgress {
		return nil
	}
	t.Status = models.TaskStatusOpen
	t.Assignee = ""
	t.UpdatedAt = m.now()
	m.tasks[taskID] = t
	return nil
}

// ListTasks implements Source.
func (m *MemorySource) ListTasks(ctx context.Context, epic string) ([]models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Task
	for _, t := range m.snapshot() {
		if t.InEpic(epic) {
			out = append(out, t)
		}
	}
	return out, nil
}

var _ Source = (*MemorySource)(nil)
