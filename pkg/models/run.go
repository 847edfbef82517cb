package models

import "time"

// ExitReason names why a run loop session stopped.
type ExitReason string

const (
	ExitNoReadyTasks    ExitReason = "no_ready_tasks"
	ExitBudgetExhausted ExitReason = "budget_exhausted"
	ExitIterationLimit  ExitReason = "iteration_limit"
	ExitInterrupted     ExitReason = "interrupted"
	ExitStopSignal      ExitReason = "stop_signal"
	ExitTaskFailed      ExitReason = "task_failed"
	ExitError           ExitReason = "error"
)

// RunSession is the in-memory state of one run loop invocation.
type RunSession struct {
	SessionID    string    `json:"session_id"`
	StartedAt    time.Time `json:"started_at"`
	Cost         float64   `json:"cost"`
	Tokens       int64     `json:"tokens"`
	Iterations   int       `json:"iterations"`
	ActiveTaskID string    `json:"active_task_id,omitempty"`
	Attempted    []string  `json:"attempted"`
	Completed    []string  `json:"completed"`
	Failed       []string  `json:"failed"`
}

// BudgetSnapshot is the budget section of a run artifact.
type BudgetSnapshot struct {
	Cost             float64 `json:"cost"`
	Tokens           int64   `json:"tokens"`
	MaxTotalCost     float64 `json:"max_total_cost,omitempty"`
	MaxTokensPerTask int64   `json:"max_tokens_per_task,omitempty"`
	MaxTotalTokens   int64   `json:"max_total_tokens,omitempty"`
}

// RunArtifact is the summary written once when a session exits, whatever
// the reason.
type RunArtifact struct {
	SessionID      string         `json:"session_id"`
	Harness        string         `json:"harness"`
	Epic           string         `json:"epic,omitempty"`
	WorkDir        string         `json:"work_dir"`
	StartedAt      time.Time      `json:"started_at"`
	FinishedAt     time.Time      `json:"finished_at"`
	ExitReason     ExitReason     `json:"exit_reason"`
	Outcome        Outcome        `json:"outcome,omitempty"`
	Message        string         `json:"message,omitempty"`
	Error          string         `json:"error,omitempty"`
	Iterations     int            `json:"iterations"`
	TasksAttempted []string       `json:"tasks_attempted"`
	TasksCompleted []string       `json:"tasks_completed"`
	TasksFailed    []string       `json:"tasks_failed"`
	Budget         BudgetSnapshot `json:"budget"`
	BreakerTrips   int            `json:"breaker_trips"`
}

// BranchBinding associates an epic with its branch, worktree and pull request.
type BranchBinding struct {
	Epic         string    `json:"epic"`
	Branch       string    `json:"branch"`
	BaseBranch   string    `json:"base_branch"`
	WorktreePath string    `json:"worktree_path,omitempty"`
	PullRequest  string    `json:"pull_request,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}
