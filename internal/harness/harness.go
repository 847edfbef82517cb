// Package harness abstracts the AI coding agents cub can drive. A Backend
// starts one invocation per task and hands back a Handle the run loop
// polls for liveness and finally asks for a normalized Result. Each
// backend owns the translation from its CLI's own completion signals to a
// models.Outcome; nothing above this package parses agent output.
package harness

import (
	"context"
	"errors"
	"time"

	"github.com/lavallee/cub/pkg/models"
)

// ErrNoBackend is returned when no registered backend is available.
var ErrNoBackend = errors.New("no harness backend available")

// StartOptions configures one invocation.
type StartOptions struct {
	// WorkDir is the directory the agent runs in.
	WorkDir string
	// Model overrides the backend's default model when set.
	Model string
	// TaskID and SessionID label logs.
	TaskID    string
	SessionID string
	// Env is appended to the invocation's environment.
	Env []string
	// LogPath receives the raw agent output when non-empty.
	LogPath string
}

// Poll is a snapshot of a running invocation. OutputDelta holds only the
// output produced since the previous Poll call.
type Poll struct {
	Running          bool
	OutputDelta      string
	ActivityOccurred bool
	// Tokens and Cost are cumulative for this invocation so far.
	Tokens int64
	Cost   float64
}

// Result is the normalized final report of an invocation.
type Result struct {
	Outcome      models.Outcome
	FilesChanged []string
	Commits      []string
	Cost         float64
	Tokens       int64
	Duration     time.Duration
	Summary      string
	// Reason is a machine-readable failure code, empty on success.
	Reason string
	// Err carries the underlying error for failures caused by the harness
	// itself rather than the agent's work.
	Err error
}

// Handle is a running invocation.
type Handle interface {
	// Poll never blocks.
	Poll() Poll
	// Result blocks until the invocation ends. It returns promptly after Cancel.
	Result() Result
	// Cancel terminates the invocation. It is safe to call more than once.
	Cancel() error
}

// Backend is an agent CLI or API that can run a prompt.
type Backend interface {
	Name() string
	// Available reports whether the backend can run on this machine.
	Available() bool
	Start(ctx context.Context, prompt string, opts StartOptions) (Handle, error)
}
