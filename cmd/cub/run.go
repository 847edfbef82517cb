package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/lavallee/cub/internal/breaker"
	"github.com/lavallee/cub/internal/budget"
	"github.com/lavallee/cub/internal/config"
	"github.com/lavallee/cub/internal/exitcode"
	"github.com/lavallee/cub/internal/git"
	"github.com/lavallee/cub/internal/orchestrator"
	"github.com/lavallee/cub/pkg/models"
)

var (
	runEpic          string
	runHarness       string
	runModel         string
	runMaxIterations int
	runBudget        float64
	runOnFailure     string
	runNoBreaker     bool
	runVerbose       bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run ready tasks until done, out of budget or stopped",
	Long: `Run the autonomous loop: select the next ready task, claim it, hand it to
a harness, verify the result and record the outcome in the ledger.

The loop stops when:
  - no task is ready
  - the budget is exhausted
  - the iteration limit is reached
  - a task fails and loop.on_task_failure is "stop"
  - it receives SIGINT/SIGTERM or 'cub stop' is run

Every exit writes a run artifact to .cub/runs/<session>.json and prints
the reason. Exit codes: 0 done, 1 error, 3 task failed, 130/143 signal.

Harness selection (--harness):
  With no flag, the first available harness in harness.priority is used.`,
	Args: cobra.NoArgs,
	RunE: runLoop,
}

func init() {
	runCmd.Flags().StringVar(&runEpic, "epic", "", "Only run tasks belonging to this epic")
	runCmd.Flags().StringVar(&runHarness, "harness", "", "Harness to use (claude, codex, gemini, opencode, api)")
	runCmd.Flags().StringVar(&runModel, "model", "", "Model passed to the harness")
	runCmd.Flags().IntVar(&runMaxIterations, "max-iterations", 0, "Maximum task attempts for this session (0 = unlimited)")
	runCmd.Flags().Float64Var(&runBudget, "budget", 0, "Maximum total cost in USD for this session (0 = config value)")
	runCmd.Flags().StringVar(&runOnFailure, "on-failure", "", "What to do when a task fails: stop or continue")
	runCmd.Flags().BoolVar(&runNoBreaker, "no-breaker", false, "Disable the inactivity circuit breaker")
	runCmd.Flags().BoolVarP(&runVerbose, "verbose", "v", false, "Stream harness output")
}

// applyRunFlags layers explicitly set flags over the loaded config.
func applyRunFlags(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	if flags.Changed("harness") {
		cfg.Harness.Name = runHarness
	}
	if flags.Changed("model") {
		cfg.Harness.Model = runModel
	}
	if flags.Changed("max-iterations") {
		cfg.Loop.MaxIterations = runMaxIterations
	}
	if flags.Changed("budget") {
		cfg.Budget.MaxTotalCost = runBudget
	}
	if flags.Changed("on-failure") {
		cfg.Loop.OnTaskFailure = runOnFailure
	}
	if runNoBreaker {
		cfg.CircuitBreaker.Enabled = false
	}
	return cfg.Validate()
}

func runLoop(cmd *cobra.Command, args []string) (retErr error) {
	defer func() {
		if r := recover(); r != nil {
			retErr = fmt.Errorf("panic in run: %v", r)
		}
	}()

	p, err := openProject()
	if err != nil {
		return err
	}
	defer p.Close()
	if err := applyRunFlags(cmd, p.cfg); err != nil {
		return &exitError{code: exitcode.Usage, err: err}
	}
	cfg := p.cfg

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	interrupts := newInterruptWatch()
	defer interrupts.Close()
	interrupts.watch(ctx, cancel, os.Stderr)

	started := time.Now()
	sessionID := orchestrator.NewSessionID(started)
	workDir := p.workDir()
	harnessName := cfg.Harness.Name
	setupFailed := func(err error) error {
		return recordSetupFailure(p.root, orchestrator.SetupFailure(sessionID, harnessName, runEpic, workDir, started, err), err)
	}

	source, err := p.TaskSource()
	if err != nil {
		return setupFailed(err)
	}
	p.recoverOrphans(ctx)

	reg, err := buildRegistry(p.root, cfg)
	if err != nil {
		return setupFailed(err)
	}
	backend, err := reg.Select(cfg.Harness.Name, cfg.Harness.Priority)
	if err != nil {
		return setupFailed(err)
	}
	harnessName = backend.Name()

	led, err := p.Ledger()
	if err != nil {
		return setupFailed(err)
	}

	logger := orchestrator.NewSessionLogger(p.root, sessionID)
	defer logger.Close()

	stop, err := orchestrator.NewStopWatcher(p.root)
	if err != nil {
		return setupFailed(fmt.Errorf("watch stop signal: %w", err))
	}
	defer stop.Close()
	// Loops started by 'cub parallel' share the stop file with their
	// siblings, so only a top-level run clears a leftover one.
	if os.Getenv(config.EnvProjectRoot) == "" {
		stop.Clear()
	}

	events := orchestrator.NewEventEmitter(256)
	printer := &eventPrinter{out: os.Stdout, verbose: runVerbose}
	printed := make(chan struct{})
	go func() {
		printer.consume(events.Events())
		close(printed)
	}()

	brk := breaker.New(breaker.Config{
		Enabled:      cfg.CircuitBreaker.Enabled,
		Timeout:      cfg.CircuitBreaker.Timeout(),
		PollInterval: cfg.CircuitBreaker.PollInterval,
	},
		breaker.WithLogger(logger.Log),
		breaker.WithOutput(func(delta string) {
			events.Emit(orchestrator.Event{Type: orchestrator.EventTaskOutput, SessionID: sessionID, Message: delta, Timestamp: time.Now()})
		}),
	)
	guard := budget.New(budget.Limits{
		MaxTotalCost:     cfg.Budget.MaxTotalCost,
		MaxTotalTokens:   cfg.Budget.MaxTotalTokens,
		MaxTokensPerTask: cfg.Budget.MaxTokensPerTask,
		WarningThreshold: cfg.Budget.WarningThreshold,
	})

	opts := []orchestrator.Option{
		orchestrator.WithBreaker(brk),
		orchestrator.WithGuardrail(guard),
		orchestrator.WithPromptBuilder(&orchestrator.DefaultPromptBuilder{ProjectRoot: p.root, Source: source, Ledger: led}),
		orchestrator.WithLogger(logger),
		orchestrator.WithEvents(events),
		orchestrator.WithStopSignal(stop),
		orchestrator.WithMarkers(led.Markers()),
	}
	if len(cfg.Verify.Commands) > 0 {
		opts = append(opts, orchestrator.WithVerifier(orchestrator.NewCommandVerifier(cfg.Verify.Commands, cfg.Verify.Timeout)))
	}
	if isGitRepo(workDir) {
		opts = append(opts, orchestrator.WithGit(git.NewRunner(workDir)))
	} else if cfg.Loop.RequireCleanGit {
		events.Close()
		return setupFailed(fmt.Errorf("loop.require_clean_git is set but %s is not a git repository", workDir))
	}
	if db, err := p.DB(); err == nil {
		opts = append(opts, orchestrator.WithRunStore(db))
	}

	loop, err := orchestrator.New(orchestrator.Config{
		ProjectRoot:     p.root,
		WorkDir:         workDir,
		SessionID:       sessionID,
		Epic:            runEpic,
		Model:           cfg.Harness.Model,
		MaxIterations:   cfg.Loop.MaxIterations,
		FailurePolicy:   orchestrator.FailurePolicy(cfg.Loop.OnTaskFailure),
		RequireCleanGit: cfg.Loop.RequireCleanGit,
		MaxTaskFailures: cfg.Loop.MaxTaskFailures,
	}, orchestrator.RequiredConfig{
		Source:  source,
		Backend: backend,
		Ledger:  led,
	}, opts...)
	if err != nil {
		events.Close()
		return setupFailed(err)
	}

	printStatus("▶", fmt.Sprintf("cub run %s with %s in %s", sessionID, backend.Name(), workDir), color.FgCyan)
	art, runErr := loop.Run(ctx)
	events.Close()
	<-printed

	printExit(os.Stdout, art, loop.ArtifactPath())

	if code := exitcode.FromArtifact(art, interrupts.received()); code != exitcode.Success {
		// The exit line already carries the reason.
		if art != nil {
			runErr = nil
		}
		return &exitError{code: code, err: runErr}
	}
	return nil
}

// recordSetupFailure writes the artifact of a session that failed before
// its loop started and returns err.
func recordSetupFailure(root string, art models.RunArtifact, err error) error {
	path := orchestrator.ArtifactPath(root, art.SessionID)
	if werr := orchestrator.WriteArtifact(path, art); werr != nil {
		fmt.Fprintf(os.Stderr, "cub: write run artifact %s: %v\n", path, werr)
	}
	return err
}

// interruptWatch cancels a run on the first SIGINT or SIGTERM so the loop
// can record and release the active task. It then restores default signal
// handling, so a second signal terminates the process.
type interruptWatch struct {
	ch   chan os.Signal
	stop func(chan<- os.Signal)

	mu  sync.Mutex
	sig os.Signal
}

func newInterruptWatch() *interruptWatch {
	w := &interruptWatch{ch: make(chan os.Signal, 1), stop: signal.Stop}
	signal.Notify(w.ch, syscall.SIGINT, syscall.SIGTERM)
	return w
}

func (w *interruptWatch) watch(ctx context.Context, cancel context.CancelFunc, out io.Writer) {
	go func() {
		select {
		case sig := <-w.ch:
			w.stop(w.ch)
			w.mu.Lock()
			w.sig = sig
			w.mu.Unlock()
			fmt.Fprintf(out, "\n%s received %s, finishing the current step (again to abort)...\n", color.YellowString("■"), sig)
			cancel()
		case <-ctx.Done():
		}
	}()
}

// received returns the signal that cancelled the run, if any.
func (w *interruptWatch) received() os.Signal {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sig
}

func (w *interruptWatch) Close() {
	w.stop(w.ch)
}

// isGitRepo reports whether dir is inside a git work tree. Worktrees have
// a .git file instead of a directory.
func isGitRepo(dir string) bool {
	for d := dir; ; {
		if _, err := os.Stat(filepath.Join(d, ".git")); err == nil {
			return true
		}
		parent := filepath.Dir(d)
		if parent == d {
			return false
		}
		d = parent
	}
}
