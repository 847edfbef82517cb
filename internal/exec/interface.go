// Package exec provides an interface for command execution.
package exec

import (
	"context"
)

// CommandRunner defines the interface for running external commands.
// Verification hooks, the bd task backend and the pull request collaborator
// all go through it so tests can substitute canned output.
type CommandRunner interface {
	// Run executes a command and returns combined stdout/stderr output.
	// The working directory is set to workDir if non-empty.
	Run(ctx context.Context, workDir string, name string, args ...string) (output []byte, err error)

	// RunShell executes a shell command through "sh -c".
	RunShell(ctx context.Context, workDir string, command string) (output []byte, err error)

	// LookPath reports whether an executable is on PATH.
	LookPath(name string) bool
}
