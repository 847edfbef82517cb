package orchestrator

import (
	"time"

	"github.com/lavallee/cub/pkg/models"
)

// EventType represents the type of run loop event.
type EventType string

const (
	// EventSessionStarted is emitted once before the first selection.
	EventSessionStarted EventType = "session_started"
	// EventStateChanged is emitted on every state machine transition.
	EventStateChanged EventType = "state_changed"
	// EventTaskClaimed indicates the loop now owns a task.
	EventTaskClaimed EventType = "task_claimed"
	// EventClaimConflict indicates another session claimed the task first.
	EventClaimConflict EventType = "claim_conflict"
	// EventTaskOutput carries a chunk of harness output.
	EventTaskOutput EventType = "task_output"
	// EventTaskCompleted indicates a task was recorded as a success.
	EventTaskCompleted EventType = "task_completed"
	// EventTaskFailed indicates a task was recorded as anything but success.
	EventTaskFailed EventType = "task_failed"
	// EventBreakerTripped indicates the circuit breaker terminated an invocation.
	EventBreakerTripped EventType = "breaker_tripped"
	// EventBudgetWarning is emitted once when spend crosses the warning threshold.
	EventBudgetWarning EventType = "budget_warning"
	// EventExit is the last event of a session.
	EventExit EventType = "exit"
)

// Event is emitted by the run loop to observers such as the headless
// printer and the monitor.
type Event struct {
	Type      EventType
	SessionID string
	State     State
	TaskID    string
	TaskTitle string
	Message   string
	Outcome   models.Outcome
	Reason    string
	// Cost and Tokens are session totals at the time of the event.
	Cost       float64
	Tokens     int64
	ExitReason models.ExitReason
	Timestamp  time.Time
}
