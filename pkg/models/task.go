// Package models holds the data types shared between the task source, the
// run loop, the ledger and the worktree coordinator.
package models

import "time"

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	// TaskStatusOpen indicates the task is waiting to be picked up.
	TaskStatusOpen TaskStatus = "open"
	// TaskStatusInProgress indicates the task has been claimed by a session.
	TaskStatusInProgress TaskStatus = "in_progress"
	// TaskStatusClosed indicates the task is done.
	TaskStatusClosed TaskStatus = "closed"
)

// Valid returns true if the status is a known value.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusOpen, TaskStatusInProgress, TaskStatusClosed:
		return true
	default:
		return false
	}
}

// Task represents a unit of work owned by the task backend.
type Task struct {
	// ID is the unique identifier for this task.
	ID string `json:"id"`
	// Title is the short description of the task.
	Title string `json:"title"`
	// Description provides detailed information about the task.
	Description string `json:"description,omitempty"`
	// Status is the current state of the task.
	Status TaskStatus `json:"status"`
	// Priority orders ready tasks. Lower numbers run first.
	Priority int `json:"priority"`
	// DependsOn lists task IDs that must be closed before this task is ready.
	DependsOn []string `json:"depends_on,omitempty"`
	// Parent is the epic this task belongs to, if any.
	Parent string `json:"parent,omitempty"`
	// Assignee is the session currently holding the claim.
	Assignee string `json:"assignee,omitempty"`
	// CloseReason is set when the task is closed.
	CloseReason string `json:"close_reason,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// IsClosed reports whether the task is done.
func (t Task) IsClosed() bool {
	return t.Status == TaskStatusClosed
}

// InEpic reports whether the task matches the epic filter. An empty filter
// matches every task.
func (t Task) InEpic(epic string) bool {
	return epic == "" || t.Parent == epic
}
