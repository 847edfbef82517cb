package worktree

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	iexec "github.com/lavallee/cub/internal/exec"
	"github.com/lavallee/cub/internal/git"
	"github.com/lavallee/cub/internal/tasks"
	"github.com/lavallee/cub/pkg/models"
)

// Bindings persists epic to branch bindings. state.DB implements it.
type Bindings interface {
	SaveBinding(ctx context.Context, b models.BranchBinding) error
	GetBinding(ctx context.Context, epic string) (models.BranchBinding, bool, error)
	SetPullRequest(ctx context.Context, epic, pr string) error
}

// ChildRunner runs one epic's loop in its worktree and returns when it exits.
type ChildRunner interface {
	RunEpic(ctx context.Context, epic string, wt *Worktree) error
}

// EpicResult is what happened to one epic in a parallel run.
type EpicResult struct {
	Epic     string
	Binding  models.BranchBinding
	RunErr   error
	Complete bool
	PRErr    error
}

// Coordinator prepares worktrees and runs one loop per epic.
type Coordinator struct {
	Manager  *Manager
	Repo     git.Inspector
	Bindings Bindings
	Source   tasks.Source
	Child    ChildRunner
	// Commands runs PRCommand; nil disables pull requests.
	Commands iexec.CommandRunner
	// PRCommand runs in a finished epic's worktree with {epic}, {branch}
	// and {base} substituted. The last line it prints is stored as the
	// pull request id.
	PRCommand string
	Logf      func(format string, args ...any)
	Now       func() time.Time
}

func (c *Coordinator) logf(format string, args ...any) {
	if c.Logf != nil {
		c.Logf(format, args...)
	}
}

func (c *Coordinator) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// Prepare binds epic to its branch off the main repository's current
// branch and ensures the worktree exists. An existing binding keeps its
// branch and base.
func (c *Coordinator) Prepare(ctx context.Context, epic string) (models.BranchBinding, *Worktree, error) {
	if epic == "" {
		return models.BranchBinding{}, nil, errors.New("epic is required")
	}
	b, ok, err := c.Bindings.GetBinding(ctx, epic)
	if err != nil {
		return b, nil, err
	}
	if !ok {
		base, err := c.Repo.CurrentBranch()
		if err != nil {
			return b, nil, fmt.Errorf("resolve base branch: %w", err)
		}
		b = models.BranchBinding{
			Epic:       epic,
			Branch:     BranchFor(epic),
			BaseBranch: base,
			CreatedAt:  c.now(),
		}
	}

	wt, err := c.Manager.Create(epic, b.Branch, b.BaseBranch)
	if err != nil {
		return b, nil, err
	}
	b.WorktreePath = wt.Path
	if err := c.Bindings.SaveBinding(ctx, b); err != nil {
		return b, nil, err
	}
	return b, wt, nil
}

// Run prepares every epic, runs their loops concurrently, and opens a pull
// request for each epic whose tasks are all closed. A failing epic does not
// stop the others; the returned error joins every failure.
func (c *Coordinator) Run(ctx context.Context, epics []string) ([]EpicResult, error) {
	results := make([]EpicResult, len(epics))
	worktrees := make([]*Worktree, len(epics))
	var errs []error

	for i, epic := range epics {
		results[i].Epic = epic
		b, wt, err := c.Prepare(ctx, epic)
		results[i].Binding = b
		if err != nil {
			results[i].RunErr = fmt.Errorf("prepare %s: %w", epic, err)
			errs = append(errs, results[i].RunErr)
			continue
		}
		worktrees[i] = wt
		c.logf("epic %s: branch %s in %s", epic, b.Branch, wt.Path)
	}

	var wg sync.WaitGroup
	for i := range epics {
		if worktrees[i] == nil {
			continue
		}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := c.Child.RunEpic(ctx, epics[i], worktrees[i]); err != nil {
				results[i].RunErr = fmt.Errorf("run %s: %w", epics[i], err)
			}
		}(i)
	}
	wg.Wait()

	for i := range results {
		r := &results[i]
		if worktrees[i] == nil {
			continue
		}
		if r.RunErr != nil {
			errs = append(errs, r.RunErr)
		}
		// The children are gone; checking completion still needs a live context.
		done, err := tasks.EpicComplete(context.WithoutCancel(ctx), c.Source, r.Epic)
		if err != nil {
			r.PRErr = err
			errs = append(errs, err)
			continue
		}
		r.Complete = done
		if done && ctx.Err() == nil {
			if err := c.openPullRequest(ctx, r); err != nil {
				r.PRErr = err
				errs = append(errs, err)
			}
		}
	}
	return results, errors.Join(errs...)
}

func (c *Coordinator) openPullRequest(ctx context.Context, r *EpicResult) error {
	if c.PRCommand == "" || c.Commands == nil || r.Binding.PullRequest != "" {
		return nil
	}
	command := strings.NewReplacer(
		"{epic}", r.Epic,
		"{branch}", r.Binding.Branch,
		"{base}", r.Binding.BaseBranch,
	).Replace(c.PRCommand)

	out, err := c.Commands.RunShell(ctx, r.Binding.WorktreePath, command)
	if err != nil {
		return fmt.Errorf("pull request for %s: %w: %s", r.Epic, err, strings.TrimSpace(string(out)))
	}
	pr := lastLine(string(out))
	if pr == "" {
		return fmt.Errorf("pull request for %s: command printed nothing", r.Epic)
	}
	if err := c.Bindings.SetPullRequest(ctx, r.Epic, pr); err != nil {
		return err
	}
	r.Binding.PullRequest = pr
	c.logf("epic %s: pull request %s", r.Epic, pr)
	return nil
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}

// ProcessChild runs `<Binary> run --epic <epic>` in the worktree. The child
// shares the main project's task store and ledger through EnvProjectRoot.
type ProcessChild struct {
	Binary      string
	ProjectRoot string
	// EnvProjectRoot names the variable pointing children at ProjectRoot.
	EnvProjectRoot string
	// Args are appended after the epic flag.
	Args []string
	// LogDir receives one <epic>.log per child.
	LogDir string
	// Grace is how long a child gets to exit after SIGINT on cancel.
	Grace time.Duration
}

// RunEpic implements ChildRunner. Cancelling ctx interrupts the child so it
// can record its in-flight task before exiting.
func (p *ProcessChild) RunEpic(ctx context.Context, epic string, wt *Worktree) error {
	args := append([]string{"run", "--epic", epic}, p.Args...)
	cmd := exec.CommandContext(ctx, p.Binary, args...)
	cmd.Dir = wt.Path
	cmd.Env = append(os.Environ(), p.EnvProjectRoot+"="+p.ProjectRoot)
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	cmd.WaitDelay = p.Grace
	if cmd.WaitDelay == 0 {
		cmd.WaitDelay = time.Minute
	}

	if p.LogDir != "" {
		if err := os.MkdirAll(p.LogDir, 0755); err != nil {
			return fmt.Errorf("create log dir: %w", err)
		}
		f, err := os.Create(filepath.Join(p.LogDir, sanitize(epic)+".log"))
		if err != nil {
			return fmt.Errorf("open child log: %w", err)
		}
		defer f.Close()
		cmd.Stdout = f
		cmd.Stderr = f
	}
	return cmd.Run()
}
