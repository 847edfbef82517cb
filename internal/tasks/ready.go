package tasks

import (
	"sort"

	"github.com/lavallee/cub/pkg/models"
)

// SelectReady applies the ready rule to a full task list: a task is ready
// when it is open, every dependency is closed, and it belongs to epic (or
// epic is empty). Dependencies that are not in the list count as not closed.
// The result is ordered by priority ascending, then id ascending.
func SelectReady(all []models.Task, epic string) []models.Task {
	closed := make(map[string]bool, len(all))
	for _, t := range all {
		if t.IsClosed() {
			closed[t.ID] = true
		}
	}

	var ready []models.Task
	for _, t := range all {
		if t.Status != models.TaskStatusOpen || !t.InEpic(epic) {
			continue
		}
		if depsClosed(t, closed) {
			ready = append(ready, t)
		}
	}

	sort.SliceStable(ready, func(i, j int) bool {
		if ready[i].Priority != ready[j].Priority {
			return ready[i].Priority < ready[j].Priority
		}
		return ready[i].ID < ready[j].ID
	})
	return ready
}

func depsClosed(t models.Task, closed map[string]bool) bool {
	for _, dep := range t.DependsOn {
		if !closed[dep] {
			return false
		}
	}
	return true
}

// Exclude drops tasks whose id is in skip, preserving order.
func Exclude(ready []models.Task, skip map[string]bool) []models.Task {
	if len(skip) == 0 {
		return ready
	}
	out := ready[:0:0]
	for _, t := range ready {
		if !skip[t.ID] {
			out = append(out, t)
		}
	}
	return out
}
