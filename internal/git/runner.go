package git

import (
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"strings"
)

// ExecRunner implements Runner using exec.Command.
type ExecRunner struct {
	repoPath string
}

// NewRunner creates a new git runner for the repository at the given path.
func NewRunner(repoPath string) *ExecRunner {
	return &ExecRunner{repoPath: repoPath}
}

// run executes a git command and returns its trimmed output.
func (r *ExecRunner) run(args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = r.repoPath
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return strings.TrimSpace(string(out)), nil
}

// Run executes an arbitrary git command with the given arguments.
func (r *ExecRunner) Run(args ...string) (string, error) {
	return r.run(args...)
}

// CurrentBranch returns the name of the current branch.
func (r *ExecRunner) CurrentBranch() (string, error) {
	return r.run("rev-parse", "--abbrev-ref", "HEAD")
}

// HeadCommit returns the SHA of HEAD, or "" when the repository is empty.
func (r *ExecRunner) HeadCommit() (string, error) {
	out, err := r.run("rev-parse", "--verify", "--quiet", "HEAD")
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
			return "", nil
		}
		return "", err
	}
	return out, nil
}

// BranchExists returns true if the branch exists.
func (r *ExecRunner) BranchExists(name string) (bool, error) {
	cmd := exec.Command("git", "show-ref", "--verify", "--quiet", "refs/heads/"+name)
	cmd.Dir = r.repoPath
	err := cmd.Run()
	if err != nil {
		// Exit code 1 means branch doesn't exist (not an error)
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
			return false, nil
		}
		return false, fmt.Errorf("check branch exists: %w", err)
	}
	return true, nil
}

// HasChanges returns true if there are uncommitted changes.
func (r *ExecRunner) HasChanges() (bool, error) {
	status, err := r.run("status", "--porcelain")
	if err != nil {
		return false, err
	}
	return len(status) > 0, nil
}

// ChangedFiles returns the union of files changed since base (committed or
// not) and untracked files, sorted and de-duplicated.
func (r *ExecRunner) ChangedFiles(base string) ([]string, error) {
	seen := make(map[string]bool)
	var files []string
	add := func(out string) {
		for _, line := range splitLines(out) {
			if !seen[line] {
				seen[line] = true
				files = append(files, line)
			}
		}
	}

	if base != "" {
		out, err := r.run("diff", "--name-only", base)
		if err != nil {
			return nil, err
		}
		add(out)
	} else {
		// No base commit: everything tracked counts as changed.
		out, err := r.run("ls-files")
		if err != nil {
			return nil, err
		}
		add(out)
	}

	untracked, err := r.run("ls-files", "--others", "--exclude-standard")
	if err != nil {
		return nil, err
	}
	add(untracked)

	sort.Strings(files)
	return files, nil
}

// CommitsSince returns commits on HEAD that are not reachable from base.
func (r *ExecRunner) CommitsSince(base string) ([]string, error) {
	head, err := r.HeadCommit()
	if err != nil || head == "" {
		return nil, err
	}
	rangeArg := head
	if base != "" {
		if base == head {
			return nil, nil
		}
		rangeArg = base + ".." + head
	}
	out, err := r.run("rev-list", "--reverse", rangeArg)
	if err != nil {
		return nil, err
	}
	return splitLines(out), nil
}

// WorktreeAdd creates a new worktree at the given path for an existing branch.
func (r *ExecRunner) WorktreeAdd(path, branch string) error {
	_, err := r.run("worktree", "add", path, branch)
	return err
}

// WorktreeAddNewBranch creates a new worktree with a new branch (git worktree add -b).
func (r *ExecRunner) WorktreeAddNewBranch(path, branch, base string) error {
	args := []string{"worktree", "add", "-b", branch, path}
	if base != "" {
		args = append(args, base)
	}
	_, err := r.run(args...)
	return err
}

// WorktreeRemove removes the worktree, optionally with force.
func (r *ExecRunner) WorktreeRemove(path string, force bool) error {
	args := []string{"worktree", "remove"}
	if force {
		args = append(args, "--force")
	}
	_, err := r.run(append(args, path)...)
	return err
}

// WorktreeListPorcelain returns the raw porcelain output for detailed parsing.
func (r *ExecRunner) WorktreeListPorcelain() (string, error) {
	return r.run("worktree", "list", "--porcelain")
}

// WorktreePrune removes stale worktree entries.
func (r *ExecRunner) WorktreePrune() error {
	_, err := r.run("worktree", "prune")
	return err
}

func splitLines(out string) []string {
	if out == "" {
		return nil
	}
	var lines []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

// Verify ExecRunner implements Runner at compile time.
var _ Runner = (*ExecRunner)(nil)
