// Package tasks defines the contract between the run loop and the backend
// that owns task state, plus the ready-task ordering rule shared by every
// backend.
package tasks

import (
	"context"
	"errors"

	"github.com/lavallee/cub/pkg/models"
)

// ErrNotFound is returned when a task id does not exist in the backend.
var ErrNotFound = errors.New("task not found")

// ClaimResult is the outcome of a claim attempt. Losing a race is a normal
// result, not an error.
type ClaimResult int

const (
	// Claimed means the caller now owns the task.
	Claimed ClaimResult = iota
	// AlreadyClaimed means another session got there first, or the task is
	// no longer open.
	AlreadyClaimed
)

func (r ClaimResult) String() string {
	switch r {
	case Claimed:
		return "claimed"
	case AlreadyClaimed:
		return "already_claimed"
	default:
		return "unknown"
	}
}

// Source is the task backend consumed by the run loop.
//
// Implementations must make Claim atomic: among concurrent callers for the
// same open task, exactly one receives Claimed.
type Source interface {
	// ReadyTasks returns open tasks whose dependencies are all closed,
	// filtered to epic when non-empty, in selection order.
	ReadyTasks(ctx context.Context, epic string) ([]models.Task, error)
	// Claim transitions an open task to in_progress for session.
	Claim(ctx context.Context, taskID, session string) (ClaimResult, error)
	// Close marks a task closed with a reason.
	Close(ctx context.Context, taskID, reason string) error
	// Release returns an in_progress task to open.
	Release(ctx context.Context, taskID string) error
	// ListTasks returns every task, filtered to epic when non-empty.
	ListTasks(ctx context.Context, epic string) ([]models.Task, error)
}

// EpicComplete reports whether every task in the epic is closed. An epic
// with no tasks is not complete.
func EpicComplete(ctx context.Context, src Source, epic string) (bool, error) {
	all, err := src.ListTasks(ctx, epic)
	if err != nil {
		return false, err
	}
	if len(all) == 0 {
		return false, nil
	}
	for _, t := range all {
		if !t.IsClosed() {
			return false, nil
		}
	}
	return true, nil
}

// Counts tallies tasks by status.
func Counts(all []models.Task) map[models.TaskStatus]int {
	counts := make(map[models.TaskStatus]int, 3)
	for _, t := range all {
		counts[t.Status]++
	}
	return counts
}
