// Package git wraps the git CLI operations used by the run loop and the
// worktree coordinator.
package git

// Inspector reads repository state. The run loop uses it to check for a
// clean work tree and to attribute files and commits to a task attempt.
type Inspector interface {
	// CurrentBranch returns the name of the current branch.
	CurrentBranch() (string, error)
	// HeadCommit returns the full SHA of HEAD, or "" in a repository with no commits.
	HeadCommit() (string, error)
	// HasChanges returns true if there are uncommitted or untracked changes.
	HasChanges() (bool, error)
	// ChangedFiles returns files that differ from base, including uncommitted
	// and untracked files. An empty base compares against the empty tree.
	ChangedFiles(base string) ([]string, error)
	// CommitsSince returns SHAs reachable from HEAD but not from base, oldest first.
	CommitsSince(base string) ([]string, error)
}

// WorktreeOperations defines the git worktree operations used by the coordinator.
type WorktreeOperations interface {
	// BranchExists returns true if the local branch exists.
	BranchExists(name string) (bool, error)
	// WorktreeAdd creates a worktree at path checking out an existing branch.
	WorktreeAdd(path, branch string) error
	// WorktreeAddNewBranch creates a worktree with a new branch based on base.
	WorktreeAddNewBranch(path, branch, base string) error
	// WorktreeRemove removes the worktree at path, optionally with force.
	WorktreeRemove(path string, force bool) error
	// WorktreeListPorcelain returns the raw porcelain listing.
	WorktreeListPorcelain() (string, error)
	// WorktreePrune removes stale worktree entries.
	WorktreePrune() error
}

// Runner is the complete git surface.
type Runner interface {
	Inspector
	WorktreeOperations
	// Run executes an arbitrary git command with the given arguments.
	Run(args ...string) (string, error)
}
