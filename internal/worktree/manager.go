// Package worktree gives each epic its own branch and git worktree so
// several run loops can work in parallel without touching the same files.
package worktree

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/lavallee/cub/internal/git"
)

// BranchPrefix namespaces epic branches.
const BranchPrefix = "cub/"

// Worktree describes one checked-out working copy.
type Worktree struct {
	Path   string
	Branch string
	// Epic is derived from the branch name; empty for non-cub worktrees.
	Epic string
}

// Manager creates and lists epic worktrees under a base directory.
type Manager struct {
	baseDir  string
	repoPath string
	git      git.Runner
	mu       sync.Mutex
}

// NewManager creates a manager that places worktrees under baseDir.
func NewManager(baseDir, repoPath string, runner git.Runner) (*Manager, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("create worktree base directory: %w", err)
	}
	return &Manager{baseDir: baseDir, repoPath: repoPath, git: runner}, nil
}

// BaseDir returns the directory holding epic worktrees.
func (m *Manager) BaseDir() string { return m.baseDir }

// BranchFor returns the branch bound to epic by default.
func BranchFor(epic string) string {
	return BranchPrefix + sanitize(epic)
}

// PathFor returns where epic's worktree lives.
func (m *Manager) PathFor(epic string) string {
	return filepath.Join(m.baseDir, sanitize(epic))
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '-'
		}
	}, s)
}

// Create ensures a worktree for epic on branch. An existing worktree at the
// expected path is reused; an existing branch is checked out; otherwise the
// branch is created from base.
func (m *Manager) Create(epic, branch, base string) (*Worktree, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	path := m.PathFor(epic)
	existing, err := m.list()
	if err != nil {
		return nil, err
	}
	for _, wt := range existing {
		if samePath(wt.Path, path) {
			if wt.Branch != branch {
				return nil, fmt.Errorf("worktree %s is on branch %s, want %s", path, wt.Branch, branch)
			}
			wt.Epic = epic
			return wt, nil
		}
	}

	exists, err := m.git.BranchExists(branch)
	if err != nil {
		return nil, err
	}
	if exists {
		err = m.git.WorktreeAdd(path, branch)
	} else {
		err = m.git.WorktreeAddNewBranch(path, branch, base)
	}
	if err != nil {
		return nil, fmt.Errorf("create worktree for %s: %w", epic, err)
	}
	return &Worktree{Path: path, Branch: branch, Epic: epic}, nil
}

// Remove removes the worktree at path.
func (m *Manager) Remove(path string, force bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.git.WorktreeRemove(path, force); err != nil {
		return fmt.Errorf("remove worktree: %w", err)
	}
	return nil
}

// List returns every worktree of the repository, the main one included.
func (m *Manager) List() ([]*Worktree, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.list()
}

func (m *Manager) list() ([]*Worktree, error) {
	output, err := m.git.WorktreeListPorcelain()
	if err != nil {
		return nil, fmt.Errorf("list worktrees: %w", err)
	}
	return parseWorktreeList(output)
}

// Prune drops git's records of worktrees whose directories are gone.
func (m *Manager) Prune() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.git.WorktreePrune(); err != nil {
		return fmt.Errorf("prune worktrees: %w", err)
	}
	return nil
}

func parseWorktreeList(output string) ([]*Worktree, error) {
	var worktrees []*Worktree
	var current *Worktree

	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if current != nil {
				worktrees = append(worktrees, current)
				current = nil
			}
		case strings.HasPrefix(line, "worktree "):
			current = &Worktree{Path: strings.TrimPrefix(line, "worktree ")}
		case strings.HasPrefix(line, "branch ") && current != nil:
			current.Branch = strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
			if strings.HasPrefix(current.Branch, BranchPrefix) {
				current.Epic = strings.TrimPrefix(current.Branch, BranchPrefix)
			}
		}
	}
	if current != nil {
		worktrees = append(worktrees, current)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("parse worktree list: %w", err)
	}
	return worktrees, nil
}

func samePath(a, b string) bool {
	if filepath.Clean(a) == filepath.Clean(b) {
		return true
	}
	ra, errA := filepath.EvalSymlinks(a)
	rb, errB := filepath.EvalSymlinks(b)
	return errA == nil && errB == nil && ra == rb
}
