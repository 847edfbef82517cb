// Package exitcode maps run loop outcomes to process exit codes.
package exitcode

import (
	"os"
	"syscall"

	"github.com/lavallee/cub/pkg/models"
)

// Exit codes for consistent error handling across the CLI
const (
	// Success covers normal completion, no ready tasks, budget exhaustion,
	// iteration limits and stop signals.
	Success = 0

	// Error indicates an unrecoverable internal error
	Error = 1

	// Usage indicates invalid command usage (bad flags, missing args, etc.)
	Usage = 2

	// TaskFailed indicates the loop stopped because a task failed under the
	// stop policy
	TaskFailed = 3

	// Interrupted is 128+SIGINT
	Interrupted = 130

	// Terminated is 128+SIGTERM
	Terminated = 143
)

// FromSignal returns the conventional 128+n code for sig.
func FromSignal(sig os.Signal) int {
	if s, ok := sig.(syscall.Signal); ok {
		return 128 + int(s)
	}
	return Interrupted
}

// FromArtifact returns the exit code for a finished session. sig is the
// signal that interrupted the session, if any.
func FromArtifact(a *models.RunArtifact, sig os.Signal) int {
	if a == nil {
		return Error
	}
	switch a.ExitReason {
	case models.ExitInterrupted:
		if sig != nil {
			return FromSignal(sig)
		}
		return Interrupted
	case models.ExitError:
		return Error
	case models.ExitTaskFailed:
		return TaskFailed
	default:
		return Success
	}
}

// Description returns a human-readable description of an exit code
func Description(code int) string {
	switch code {
	case Success:
		return "Success"
	case Error:
		return "Internal error"
	case Usage:
		return "Usage error (invalid flags or arguments)"
	case TaskFailed:
		return "Task failed"
	case Interrupted:
		return "Interrupted"
	case Terminated:
		return "Terminated"
	default:
		return "Unknown error"
	}
}
