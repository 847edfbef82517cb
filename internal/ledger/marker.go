package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/lavallee/cub/pkg/models"
)

const markerDir = "active"

// Marker flags a live run loop and the task it is working on. Hook writes
// for that session or that task are suppressed while the marker is live.
type Marker struct {
	SessionID  string    `json:"session_id"`
	PID        int       `json:"pid"`
	Epic       string    `json:"epic,omitempty"`
	ActiveTask string    `json:"active_task,omitempty"`
	StartedAt  time.Time `json:"started_at"`
}

// Markers manages the per-session marker files of a ledger.
type Markers struct {
	dir   string
	alive func(pid int) bool
	now   func() time.Time
}

// Markers returns the marker set for this ledger.
func (l *Ledger) Markers() *Markers {
	return &Markers{dir: filepath.Join(l.dir, markerDir), alive: processAlive, now: l.now}
}

func (m *Markers) path(session string) string {
	return filepath.Join(m.dir, session+".json")
}

// Acquire writes the marker for a session.
func (m *Markers) Acquire(session string, pid int, epic string) error {
	if session == "" {
		return errors.New("marker: empty session id")
	}
	mk := Marker{SessionID: session, PID: pid, Epic: epic, StartedAt: m.now().UTC()}
	if err := writeJSONAtomic(m.path(session), mk); err != nil {
		return fmt.Errorf("write run marker: %w", err)
	}
	return nil
}

// SetActive records the task a session is working on. An empty taskID
// clears it.
func (m *Markers) SetActive(session, taskID string) error {
	data, err := os.ReadFile(m.path(session))
	if err != nil {
		return fmt.Errorf("read run marker: %w", err)
	}
	var mk Marker
	if err := json.Unmarshal(data, &mk); err != nil {
		return fmt.Errorf("parse run marker: %w", err)
	}
	mk.ActiveTask = taskID
	if err := writeJSONAtomic(m.path(session), mk); err != nil {
		return fmt.Errorf("write run marker: %w", err)
	}
	return nil
}

// Release removes the marker for a session. Releasing a missing marker is
// not an error.
func (m *Markers) Release(session string) error {
	err := os.Remove(m.path(session))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove run marker: %w", err)
	}
	return nil
}

// Active returns the live markers, oldest first. Markers whose process is
// gone are stale: they are removed and not returned.
func (m *Markers) Active() ([]Marker, error) {
	ents, err := os.ReadDir(m.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read markers: %w", err)
	}
	var live []Marker
	for _, ent := range ents {
		name := ent.Name()
		if ent.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(m.dir, name))
		if err != nil {
			continue
		}
		var mk Marker
		if err := json.Unmarshal(data, &mk); err != nil || !m.alive(mk.PID) {
			_ = os.Remove(filepath.Join(m.dir, name))
			continue
		}
		live = append(live, mk)
	}
	sort.Slice(live, func(i, j int) bool { return live[i].StartedAt.Before(live[j].StartedAt) })
	return live, nil
}

// RecordDirect is the hook path: it records an entry reconstructed from a
// direct harness session. The write is suppressed, returning false and the
// reason, when the hook runs inside a loop-driven invocation (EnvRunSession
// is set) or when a live run loop owns the entry's session or task. Entries
// for unrelated sessions and tasks are recorded while loops run.
func (l *Ledger) RecordDirect(e models.LedgerEntry, getenv func(string) string) (bool, string, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	if s := getenv(EnvRunSession); s != "" {
		return false, fmt.Sprintf("run loop session %s owns this invocation", s), nil
	}
	live, err := l.Markers().Active()
	if err != nil {
		return false, "", err
	}
	for _, mk := range live {
		if mk.SessionID == e.SessionID {
			return false, fmt.Sprintf("run loop session %s owns this session", mk.SessionID), nil
		}
		if mk.ActiveTask != "" && mk.ActiveTask == e.TaskID {
			return false, fmt.Sprintf("run loop session %s is working on %s", mk.SessionID, e.TaskID), nil
		}
	}
	e.Source = models.SourceDirectSession
	ok, err := l.Record(e)
	if err != nil {
		return false, "", err
	}
	if !ok {
		return false, "already recorded", nil
	}
	return true, "", nil
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}
