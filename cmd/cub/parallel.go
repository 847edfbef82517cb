package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/lavallee/cub/internal/config"
	iexec "github.com/lavallee/cub/internal/exec"
	"github.com/lavallee/cub/internal/exitcode"
	"github.com/lavallee/cub/internal/git"
	"github.com/lavallee/cub/internal/orchestrator"
	"github.com/lavallee/cub/internal/worktree"
)

var (
	parallelEpics         []string
	parallelHarness       string
	parallelMaxIterations int
	parallelBudget        float64
	parallelOnFailure     string
	parallelNoBreaker     bool
)

var parallelCmd = &cobra.Command{
	Use:   "parallel --epic A --epic B [...]",
	Short: "Run one loop per epic, each in its own git worktree",
	Long: `Run several epics at once. Each epic gets a branch (cub/<epic>) off the
current branch and a worktree under worktree.base_dir, and a child
'cub run --epic <epic>' works in it. All children share this project's
task store and ledger.

When an epic's tasks are all closed, worktree.pr_command runs in its
worktree with {epic}, {branch} and {base} substituted; the last line it
prints is stored as the pull request, e.g.

  worktree:
    pr_command: gh pr create --base {base} --head {branch} --fill

Child output goes to .cub/runs/parallel/<epic>.log. SIGINT is passed on
to every child so each records its in-flight task before exiting.
The budget applies to each child separately.`,
	Args: cobra.NoArgs,
	RunE: runParallel,
}

func init() {
	parallelCmd.Flags().StringArrayVar(&parallelEpics, "epic", nil, "Epic to run (repeatable)")
	parallelCmd.Flags().StringVar(&parallelHarness, "harness", "", "Harness for every child")
	parallelCmd.Flags().IntVar(&parallelMaxIterations, "max-iterations", 0, "Iteration limit per child")
	parallelCmd.Flags().Float64Var(&parallelBudget, "budget", 0, "Cost ceiling in USD per child")
	parallelCmd.Flags().StringVar(&parallelOnFailure, "on-failure", "", "Failure policy for every child: stop or continue")
	parallelCmd.Flags().BoolVar(&parallelNoBreaker, "no-breaker", false, "Disable the circuit breaker in every child")
	parallelCmd.MarkFlagRequired("epic")
}

// childArgs forwards the explicitly set run flags to each child.
func childArgs(cmd *cobra.Command) []string {
	var args []string
	flags := cmd.Flags()
	if flags.Changed("harness") {
		args = append(args, "--harness", parallelHarness)
	}
	if flags.Changed("max-iterations") {
		args = append(args, "--max-iterations", strconv.Itoa(parallelMaxIterations))
	}
	if flags.Changed("budget") {
		args = append(args, "--budget", strconv.FormatFloat(parallelBudget, 'f', -1, 64))
	}
	if flags.Changed("on-failure") {
		args = append(args, "--on-failure", parallelOnFailure)
	}
	if parallelNoBreaker {
		args = append(args, "--no-breaker")
	}
	return args
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	var out []string
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

func runParallel(cmd *cobra.Command, args []string) error {
	epics := dedupe(parallelEpics)
	if len(epics) == 0 {
		return &exitError{code: exitcode.Usage, err: errors.New("at least one --epic is required")}
	}
	if os.Getenv(config.EnvProjectRoot) != "" {
		return errors.New("cub parallel cannot run inside another parallel run")
	}

	p, err := openProject()
	if err != nil {
		return err
	}
	defer p.Close()
	if !isGitRepo(p.root) {
		return fmt.Errorf("%s is not a git repository", p.root)
	}
	if p.cfg.Tasks.Backend == config.BackendBeads {
		warnf("beads claims are best effort; concurrent loops may both claim a task")
	}

	source, err := p.TaskSource()
	if err != nil {
		return err
	}
	db, err := p.DB()
	if err != nil {
		return err
	}
	p.recoverOrphans(cmd.Context())

	baseDir := p.cfg.Worktree.BaseDir
	if !filepath.IsAbs(baseDir) {
		baseDir = filepath.Join(p.root, baseDir)
	}
	repo := git.NewRunner(p.root)
	mgr, err := worktree.NewManager(baseDir, p.root, repo)
	if err != nil {
		return err
	}
	if err := mgr.Prune(); err != nil {
		warnf("prune worktrees: %v", err)
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate cub binary: %w", err)
	}

	// A stop file left from an earlier session would end every child at once.
	if err := os.Remove(orchestrator.StopFile(p.root)); err != nil && !errors.Is(err, os.ErrNotExist) {
		warnf("clear stop file: %v", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	coord := &worktree.Coordinator{
		Manager:  mgr,
		Repo:     repo,
		Bindings: db,
		Source:   source,
		Child: &worktree.ProcessChild{
			Binary:         exe,
			ProjectRoot:    p.root,
			EnvProjectRoot: config.EnvProjectRoot,
			Args:           childArgs(cmd),
			LogDir:         filepath.Join(orchestrator.RunsDir(p.root), "parallel"),
		},
		Commands:  iexec.NewRunner(),
		PRCommand: p.cfg.Worktree.PRCommand,
		Logf: func(format string, args ...any) {
			printStatus("•", fmt.Sprintf(format, args...), color.FgCyan)
		},
	}

	printStatus("▶", fmt.Sprintf("Running %d epic(s) in parallel", len(epics)), color.FgCyan)
	results, runErr := coord.Run(ctx, epics)
	for _, r := range results {
		printEpicResult(r)
	}

	if ctx.Err() != nil {
		return &exitError{code: exitcode.Interrupted}
	}
	if runErr != nil {
		return &exitError{code: parallelExitCode(results)}
	}
	return nil
}

func printEpicResult(r worktree.EpicResult) {
	switch {
	case r.RunErr != nil:
		printStatus("✗", fmt.Sprintf("%s: %v", r.Epic, r.RunErr), color.FgRed)
	case r.PRErr != nil:
		printStatus("⚠", fmt.Sprintf("%s: complete, pull request failed: %v", r.Epic, r.PRErr), color.FgYellow)
	case r.Complete && r.Binding.PullRequest != "":
		printStatus("✓", fmt.Sprintf("%s: complete, %s", r.Epic, r.Binding.PullRequest), color.FgGreen)
	case r.Complete:
		printStatus("✓", fmt.Sprintf("%s: complete on %s", r.Epic, r.Binding.Branch), color.FgGreen)
	default:
		printStatus("■", fmt.Sprintf("%s: stopped with open tasks on %s", r.Epic, r.Binding.Branch), color.FgYellow)
	}
}

// parallelExitCode reports TaskFailed when every failing child exited with
// it, and Error otherwise.
func parallelExitCode(results []worktree.EpicResult) int {
	code := exitcode.Success
	for _, r := range results {
		if r.RunErr == nil && r.PRErr == nil {
			continue
		}
		var ee interface{ ExitCode() int }
		if r.RunErr != nil && errors.As(r.RunErr, &ee) && ee.ExitCode() == exitcode.TaskFailed {
			if code == exitcode.Success {
				code = exitcode.TaskFailed
			}
			continue
		}
		return exitcode.Error
	}
	if code == exitcode.Success {
		return exitcode.Error
	}
	return code
}
