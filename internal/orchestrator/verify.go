package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	iexec "github.com/lavallee/cub/internal/exec"
)

// Verifier checks the work of a successful invocation. A non-nil error
// downgrades the task's outcome to failure.
type Verifier interface {
	Verify(ctx context.Context, workDir string) error
}

// VerifyFunc adapts a function to Verifier.
type VerifyFunc func(ctx context.Context, workDir string) error

// Verify implements Verifier.
func (f VerifyFunc) Verify(ctx context.Context, workDir string) error {
	return f(ctx, workDir)
}

// VerificationError reports which command failed and its output tail.
type VerificationError struct {
	Command string
	Output  string
	Err     error
}

func (e *VerificationError) Error() string {
	msg := fmt.Sprintf("verification %q failed: %v", e.Command, e.Err)
	if e.Output != "" {
		msg += "\n" + e.Output
	}
	return msg
}

func (e *VerificationError) Unwrap() error { return e.Err }

// CommandVerifier runs shell commands in order and stops at the first failure.
type CommandVerifier struct {
	Commands []string
	// Timeout bounds each command; zero means no limit beyond ctx.
	Timeout time.Duration
	Runner  iexec.CommandRunner
}

// NewCommandVerifier creates a verifier over the real shell.
func NewCommandVerifier(commands []string, timeout time.Duration) *CommandVerifier {
	return &CommandVerifier{Commands: commands, Timeout: timeout, Runner: iexec.NewRunner()}
}

// Verify implements Verifier.
func (v *CommandVerifier) Verify(ctx context.Context, workDir string) error {
	for _, command := range v.Commands {
		if strings.TrimSpace(command) == "" {
			continue
		}
		cctx, cancel := ctx, context.CancelFunc(func() {})
		if v.Timeout > 0 {
			cctx, cancel = context.WithTimeout(ctx, v.Timeout)
		}
		out, err := v.Runner.RunShell(cctx, workDir, command)
		cancel()
		if err != nil {
			return &VerificationError{Command: command, Output: tail(string(out), 20), Err: err}
		}
	}
	return nil
}

func tail(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
