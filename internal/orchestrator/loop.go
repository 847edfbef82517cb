package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lavallee/cub/internal/breaker"
	"github.com/lavallee/cub/internal/budget"
	"github.com/lavallee/cub/internal/harness"
	"github.com/lavallee/cub/internal/ledger"
	"github.com/lavallee/cub/internal/state"
	"github.com/lavallee/cub/internal/tasks"
	"github.com/lavallee/cub/pkg/models"
)

// ErrDirtyWorkTree is returned when the loop requires a clean git tree and
// the working directory has uncommitted changes.
var ErrDirtyWorkTree = errors.New("working tree has uncommitted changes")

// State is a run loop state.
type State string

const (
	StateIdle      State = "idle"
	StateSelecting State = "selecting"
	StateClaiming  State = "claiming"
	StateInvoking  State = "invoking"
	StateVerifying State = "verifying"
	StateRecording State = "recording"
	StateExiting   State = "exiting"
)

// FailurePolicy decides what happens after a task attempt fails.
type FailurePolicy string

const (
	// FailStop exits the session on the first failed task.
	FailStop FailurePolicy = "stop"
	// FailContinue releases the task and moves on to the next ready one.
	FailContinue FailurePolicy = "continue"
)

// Valid returns true for known policies.
func (p FailurePolicy) Valid() bool {
	return p == FailStop || p == FailContinue
}

const (
	defaultMaxTaskFailures = 3
	defaultRecordAttempts  = 3
	defaultRecordBackoff   = 200 * time.Millisecond
)

// Config holds per-run settings.
type Config struct {
	// ProjectRoot holds .cub/ (artifacts, logs, signals). Parallel loops in
	// worktrees share the main project's root.
	ProjectRoot string
	// WorkDir is where the harness runs. Defaults to ProjectRoot.
	WorkDir string
	// SessionID is generated when empty.
	SessionID string
	Epic      string
	Model     string
	// MaxIterations bounds the number of task attempts; zero is unlimited.
	MaxIterations   int
	FailurePolicy   FailurePolicy
	RequireCleanGit bool
	// MaxTaskFailures excludes a task from selection for the rest of the
	// session after this many failed attempts.
	MaxTaskFailures int
	RecordAttempts  int
	RecordBackoff   time.Duration
	// Env is added to every harness invocation's environment.
	Env []string
}

// NewSessionID returns a sortable, unique session id.
func NewSessionID(now time.Time) string {
	return "cub-" + now.UTC().Format("20060102-150405") + "-" + uuid.NewString()[:8]
}

// Loop runs tasks one at a time until a stop condition fires. A Loop is
// single use: call Run once.
type Loop struct {
	cfg     Config
	source  tasks.Source
	backend harness.Backend
	ledger  Recorder
	opts    loopOptions

	mu      sync.Mutex
	state   State
	session models.RunSession

	active   *models.Task
	pending  *models.LedgerEntry
	attempts map[string]int
	failures map[string]int
	excluded map[string]bool
	finished bool
}

// New creates a Loop.
func New(cfg Config, req RequiredConfig, opts ...Option) (*Loop, error) {
	if req.Source == nil || req.Backend == nil || req.Ledger == nil {
		return nil, errors.New("orchestrator: source, backend and ledger are required")
	}
	if cfg.ProjectRoot == "" {
		return nil, errors.New("orchestrator: project root is required")
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = cfg.ProjectRoot
	}
	if cfg.FailurePolicy == "" {
		cfg.FailurePolicy = FailStop
	}
	if !cfg.FailurePolicy.Valid() {
		return nil, fmt.Errorf("orchestrator: unknown failure policy %q", cfg.FailurePolicy)
	}
	if cfg.MaxTaskFailures <= 0 {
		cfg.MaxTaskFailures = defaultMaxTaskFailures
	}
	if cfg.RecordAttempts <= 0 {
		cfg.RecordAttempts = defaultRecordAttempts
	}
	if cfg.RecordBackoff <= 0 {
		cfg.RecordBackoff = defaultRecordBackoff
	}

	o := loopOptions{
		clock: time.Now,
		sleep: time.Sleep,
		pid:   os.Getpid(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = NopLogger()
	}
	if o.guardrail == nil {
		o.guardrail = budget.New(budget.Limits{})
	}
	if o.breaker == nil {
		o.breaker = breaker.New(breaker.DefaultConfig(), breaker.WithLogger(o.logger.Log))
	}
	if o.prompts == nil {
		o.prompts = &DefaultPromptBuilder{ProjectRoot: cfg.ProjectRoot, Source: req.Source}
	}
	if cfg.SessionID == "" {
		cfg.SessionID = NewSessionID(o.clock())
	}

	return &Loop{
		cfg:      cfg,
		source:   req.Source,
		backend:  req.Backend,
		ledger:   req.Ledger,
		opts:     o,
		state:    StateIdle,
		attempts: make(map[string]int),
		failures: make(map[string]int),
		excluded: make(map[string]bool),
	}, nil
}

// SessionID returns the session id of this loop.
func (l *Loop) SessionID() string {
	return l.cfg.SessionID
}

// ArtifactPath returns where the run artifact is written on exit.
func (l *Loop) ArtifactPath() string {
	return ArtifactPath(l.cfg.ProjectRoot, l.cfg.SessionID)
}

// State returns the current state.
func (l *Loop) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Run executes the loop until a stop condition and returns the run
// artifact. Every exit path, including panics and fatal errors, goes
// through finish, so the artifact is always written and no claimed task
// is left in_progress. The returned error is non-nil only for the error
// exit reason.
func (l *Loop) Run(ctx context.Context) (art *models.RunArtifact, err error) {
	now := l.opts.clock()
	l.mu.Lock()
	l.session = models.RunSession{SessionID: l.cfg.SessionID, StartedAt: now}
	l.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			art, err = l.finish(models.ExitError, fmt.Errorf("panic in run loop: %v", r))
		}
	}()

	l.opts.logger.Log("session %s starting: harness=%s epic=%q workdir=%s policy=%s",
		l.cfg.SessionID, l.backend.Name(), l.cfg.Epic, l.cfg.WorkDir, l.cfg.FailurePolicy)

	if l.opts.markers != nil {
		if err := l.opts.markers.Acquire(l.cfg.SessionID, l.opts.pid, l.cfg.Epic); err != nil {
			l.opts.logger.Log("WARNING: acquire run marker: %v", err)
		}
	}
	if l.opts.runs != nil {
		rec := state.RunRecord{
			SessionID: l.cfg.SessionID,
			PID:       l.opts.pid,
			Epic:      l.cfg.Epic,
			Harness:   l.backend.Name(),
			WorkDir:   l.cfg.WorkDir,
			StartedAt: now,
		}
		if err := l.opts.runs.StartRun(context.WithoutCancel(ctx), rec); err != nil {
			l.opts.logger.Log("WARNING: record session start: %v", err)
		}
	}
	l.emit(Event{Type: EventSessionStarted, Message: "session started"})

	if err := l.preflight(); err != nil {
		return l.finish(models.ExitError, err)
	}
	reason, runErr := l.iterate(ctx)
	return l.finish(reason, runErr)
}

func (l *Loop) preflight() error {
	if !l.cfg.RequireCleanGit || l.opts.git == nil {
		return nil
	}
	dirty, err := l.opts.git.HasChanges()
	if err != nil {
		return fmt.Errorf("check git state: %w", err)
	}
	if dirty {
		return fmt.Errorf("%w in %s", ErrDirtyWorkTree, l.cfg.WorkDir)
	}
	return nil
}

// iterate runs select → claim → invoke → verify → record until an exit
// condition fires.
func (l *Loop) iterate(ctx context.Context) (models.ExitReason, error) {
	for {
		switch {
		case ctx.Err() != nil:
			return models.ExitInterrupted, nil
		case l.opts.stop != nil && l.opts.stop.StopRequested():
			return models.ExitStopSignal, nil
		case !l.opts.guardrail.CanStartNew():
			return models.ExitBudgetExhausted, nil
		case l.cfg.MaxIterations > 0 && l.iterations() >= l.cfg.MaxIterations:
			return models.ExitIterationLimit, nil
		}

		task, err := l.selectAndClaim(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return models.ExitInterrupted, nil
			}
			return models.ExitError, err
		}
		if task == nil {
			return models.ExitNoReadyTasks, nil
		}

		res := l.invoke(ctx, *task)
		if err := l.record(ctx, *task, res); err != nil {
			return models.ExitError, err
		}

		switch {
		case res.Outcome == models.OutcomeInterrupted:
			return models.ExitInterrupted, nil
		case res.Outcome != models.OutcomeSuccess && l.cfg.FailurePolicy == FailStop:
			return models.ExitTaskFailed, nil
		}
	}
}

func (l *Loop) iterations() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.session.Iterations
}

// selectAndClaim returns the claimed task, or nil when nothing is ready.
// Tasks lost to another session are skipped for the rest of this pass.
func (l *Loop) selectAndClaim(ctx context.Context) (*models.Task, error) {
	lost := make(map[string]bool)
	for {
		l.setState(StateSelecting)
		ready, err := l.source.ReadyTasks(ctx, l.cfg.Epic)
		if err != nil {
			return nil, fmt.Errorf("get ready tasks: %w", err)
		}
		candidates := tasks.Exclude(tasks.Exclude(ready, l.excluded), lost)
		if len(candidates) == 0 {
			l.opts.logger.Log("no ready tasks (%d ready, %d excluded)", len(ready), len(ready)-len(candidates))
			return nil, nil
		}
		task := candidates[0]

		l.setState(StateClaiming)
		res, err := l.source.Claim(ctx, task.ID, l.cfg.SessionID)
		if err != nil {
			if errors.Is(err, tasks.ErrNotFound) {
				lost[task.ID] = true
				continue
			}
			return nil, fmt.Errorf("claim %s: %w", task.ID, err)
		}
		if res == tasks.AlreadyClaimed {
			l.opts.logger.Log("task %s already claimed by another session", task.ID)
			l.emit(Event{Type: EventClaimConflict, TaskID: task.ID, TaskTitle: task.Title})
			lost[task.ID] = true
			continue
		}

		l.mu.Lock()
		l.active = &task
		l.session.ActiveTaskID = task.ID
		l.session.Iterations++
		l.session.Attempted = append(l.session.Attempted, task.ID)
		l.mu.Unlock()
		l.attempts[task.ID]++

		l.markActive(task.ID)
		l.opts.logger.Log("claimed %s (%s)", task.ID, task.Title)
		l.emit(Event{Type: EventTaskClaimed, TaskID: task.ID, TaskTitle: task.Title})
		return &task, nil
	}
}

// markActive records taskID on the session marker. Failures are logged.
func (l *Loop) markActive(taskID string) {
	if l.opts.markers == nil {
		return
	}
	if err := l.opts.markers.SetActive(l.cfg.SessionID, taskID); err != nil {
		l.opts.logger.Log("WARNING: update run marker: %v", err)
	}
}

// invoke runs the harness under the breaker and, on success, the verifier.
func (l *Loop) invoke(ctx context.Context, task models.Task) harness.Result {
	l.setState(StateInvoking)
	start := l.opts.clock()

	prompt, err := l.opts.prompts.Build(ctx, PromptInput{
		Task:      task,
		SessionID: l.cfg.SessionID,
		WorkDir:   l.cfg.WorkDir,
		Attempt:   l.attempts[task.ID],
	})
	if err != nil {
		return l.failedStart(ctx, fmt.Errorf("build prompt: %w", err))
	}

	env := append(append([]string(nil), l.cfg.Env...), ledger.EnvRunSession+"="+l.cfg.SessionID)
	h, err := l.backend.Start(ctx, prompt, harness.StartOptions{
		WorkDir:   l.cfg.WorkDir,
		Model:     l.cfg.Model,
		TaskID:    task.ID,
		SessionID: l.cfg.SessionID,
		Env:       env,
		LogPath:   HarnessLogPath(l.cfg.ProjectRoot, l.cfg.SessionID, task.ID),
	})
	if err != nil {
		return l.failedStart(ctx, fmt.Errorf("start %s: %w", l.backend.Name(), err))
	}

	tripsBefore := l.opts.breaker.Trips()
	res := l.opts.breaker.Supervise(ctx, h, l.opts.guardrail.CheckTask)
	if res.Duration == 0 {
		res.Duration = l.opts.clock().Sub(start)
	}
	if l.opts.breaker.Trips() > tripsBefore {
		l.emit(Event{Type: EventBreakerTripped, TaskID: task.ID, TaskTitle: task.Title, Message: res.Summary})
	}
	l.opts.logger.Log("task %s invocation ended: outcome=%s reason=%s tokens=%d cost=$%.4f",
		task.ID, res.Outcome, res.Reason, res.Tokens, res.Cost)

	l.setState(StateVerifying)
	if res.Outcome == models.OutcomeSuccess && l.opts.verifier != nil {
		if err := l.opts.verifier.Verify(ctx, l.cfg.WorkDir); err != nil {
			if ctx.Err() != nil {
				res.Outcome = models.OutcomeInterrupted
				res.Reason = models.ReasonInterrupted
				res.Summary = "interrupted during verification"
			} else {
				res.Outcome = models.OutcomeFailure
				res.Reason = models.ReasonVerificationFailed
				res.Summary = err.Error()
			}
			res.Err = err
			l.opts.logger.Log("task %s verification failed: %v", task.ID, err)
		}
	}
	return res
}

func (l *Loop) failedStart(ctx context.Context, err error) harness.Result {
	l.opts.logger.Log("ERROR: %v", err)
	if ctx.Err() != nil {
		return harness.Result{Outcome: models.OutcomeInterrupted, Reason: models.ReasonInterrupted, Summary: "interrupted before start", Err: err}
	}
	return harness.Result{Outcome: models.OutcomeFailure, Reason: models.ReasonHarnessError, Summary: err.Error(), Err: err}
}

// record writes the task's ledger entry, then closes or releases the task.
func (l *Loop) record(ctx context.Context, task models.Task, res harness.Result) error {
	l.setState(StateRecording)

	epic := task.Parent
	if epic == "" {
		epic = l.cfg.Epic
	}
	entry := models.LedgerEntry{
		TaskID:       task.ID,
		SessionID:    l.cfg.SessionID,
		Source:       models.SourceLoop,
		Epic:         epic,
		Title:        task.Title,
		Harness:      l.backend.Name(),
		FilesChanged: res.FilesChanged,
		Commits:      res.Commits,
		Cost:         nonNegative(res.Cost),
		Tokens:       max(res.Tokens, 0),
		Duration:     max(res.Duration, 0),
		Outcome:      res.Outcome,
		Reason:       res.Reason,
		Summary:      res.Summary,
		RecordedAt:   l.opts.clock().UTC(),
	}
	if !entry.Outcome.Valid() {
		entry.Outcome = models.OutcomeFailure
		if entry.Reason == "" {
			entry.Reason = models.ReasonHarnessError
		}
	}

	l.mu.Lock()
	l.pending = &entry
	l.mu.Unlock()
	if err := l.flushPending(); err != nil {
		return err
	}

	// Recording must finish even when ctx was cancelled by a signal.
	bg := context.WithoutCancel(ctx)
	success := entry.Outcome == models.OutcomeSuccess
	var err error
	if success {
		err = l.source.Close(bg, task.ID, firstLine(entry.Summary))
	} else {
		err = l.source.Release(bg, task.ID)
	}
	if err != nil {
		return fmt.Errorf("update task %s: %w", task.ID, err)
	}

	l.markActive("")

	l.mu.Lock()
	l.active = nil
	l.session.ActiveTaskID = ""
	if success {
		l.session.Completed = append(l.session.Completed, task.ID)
	} else {
		l.session.Failed = append(l.session.Failed, task.ID)
	}
	l.mu.Unlock()

	if success {
		l.emit(Event{Type: EventTaskCompleted, TaskID: task.ID, TaskTitle: task.Title, Outcome: entry.Outcome, Message: firstLine(entry.Summary)})
	} else {
		l.failures[task.ID]++
		if l.failures[task.ID] >= l.cfg.MaxTaskFailures {
			l.excluded[task.ID] = true
			l.opts.logger.Log("task %s failed %d times, excluding it for the rest of the session", task.ID, l.failures[task.ID])
		}
		l.emit(Event{Type: EventTaskFailed, TaskID: task.ID, TaskTitle: task.Title, Outcome: entry.Outcome, Reason: entry.Reason, Message: firstLine(entry.Summary)})
	}

	if l.opts.guardrail.ShouldWarn() {
		snap := l.opts.guardrail.Snapshot()
		l.opts.logger.Log("WARNING: budget at %s ($%.4f, %d tokens)", l.opts.guardrail.Status(), snap.Cost, snap.Tokens)
		l.emit(Event{Type: EventBudgetWarning, Message: fmt.Sprintf("budget warning: $%.2f spent", snap.Cost)})
	}
	return nil
}

// flushPending records the pending entry, retrying transient failures.
// Spend is added to the guardrail only once the entry is durable, so the
// guardrail total always equals the session's ledger total.
func (l *Loop) flushPending() error {
	l.mu.Lock()
	entry := l.pending
	l.mu.Unlock()
	if entry == nil {
		return nil
	}

	var err error
	for attempt := 1; attempt <= l.cfg.RecordAttempts; attempt++ {
		var written bool
		written, err = l.ledger.Record(*entry)
		if err == nil {
			if !written {
				l.opts.logger.Log("ledger already has %s for this session", entry.TaskID)
			}
			l.opts.guardrail.Record(entry.Cost, entry.Tokens)
			l.mu.Lock()
			l.pending = nil
			l.session.Cost, l.session.Tokens = l.opts.guardrail.Usage()
			l.mu.Unlock()
			return nil
		}
		if errors.Is(err, ledger.ErrInvalidEntry) {
			break
		}
		l.opts.logger.Log("WARNING: record attempt %d for %s failed: %v", attempt, entry.TaskID, err)
		if attempt < l.cfg.RecordAttempts {
			l.opts.sleep(l.cfg.RecordBackoff * time.Duration(attempt))
		}
	}
	return fmt.Errorf("record ledger entry for %s: %w", entry.TaskID, err)
}

// finish is the single exit path. It flushes any unrecorded entry,
// releases a task it could not finish, writes the run artifact and
// clears the session's marker. It runs at most once.
func (l *Loop) finish(reason models.ExitReason, cause error) (*models.RunArtifact, error) {
	l.mu.Lock()
	if l.finished {
		l.mu.Unlock()
		return nil, cause
	}
	l.finished = true
	l.mu.Unlock()

	l.setState(StateExiting)
	bg := context.Background()

	if err := l.flushPending(); err != nil {
		l.opts.logger.Log("ERROR: %v", err)
		fmt.Fprintf(os.Stderr, "cub: %v\n", err)
	}

	l.mu.Lock()
	active := l.active
	l.mu.Unlock()
	if active != nil {
		if err := l.source.Release(bg, active.ID); err != nil {
			l.opts.logger.Log("ERROR: release %s: %v", active.ID, err)
			fmt.Fprintf(os.Stderr, "cub: release task %s: %v\n", active.ID, err)
		} else {
			l.opts.logger.Log("released unfinished task %s", active.ID)
		}
		l.mu.Lock()
		l.active = nil
		l.session.ActiveTaskID = ""
		l.mu.Unlock()
	}

	art := l.artifact(reason, cause)
	path := l.ArtifactPath()
	writeErr := WriteArtifact(path, art)
	if writeErr != nil {
		writeErr = fmt.Errorf("write run artifact %s: %w", path, writeErr)
		l.opts.logger.Log("ERROR: %v", writeErr)
		fmt.Fprintf(os.Stderr, "cub: %v\n", writeErr)
	}

	if l.opts.runs != nil {
		if err := l.opts.runs.FinishRun(bg, art); err != nil {
			l.opts.logger.Log("WARNING: record session exit: %v", err)
		}
	}
	if l.opts.markers != nil {
		if err := l.opts.markers.Release(l.cfg.SessionID); err != nil {
			l.opts.logger.Log("WARNING: release run marker: %v", err)
		}
	}
	l.writeStatus(reason)

	l.opts.logger.Log("session %s exiting: reason=%s iterations=%d cost=$%.4f", l.cfg.SessionID, reason, art.Iterations, art.Budget.Cost)
	l.emit(Event{Type: EventExit, ExitReason: reason, Outcome: art.Outcome, Message: art.Message})

	if cause == nil && writeErr != nil {
		return &art, writeErr
	}
	return &art, cause
}

func (l *Loop) artifact(reason models.ExitReason, cause error) models.RunArtifact {
	l.mu.Lock()
	defer l.mu.Unlock()
	art := models.RunArtifact{
		SessionID:      l.cfg.SessionID,
		Harness:        l.backend.Name(),
		Epic:           l.cfg.Epic,
		WorkDir:        l.cfg.WorkDir,
		StartedAt:      l.session.StartedAt,
		FinishedAt:     l.opts.clock(),
		ExitReason:     reason,
		Outcome:        sessionOutcome(reason),
		Message:        exitMessage(reason),
		Iterations:     l.session.Iterations,
		TasksAttempted: nonNil(l.session.Attempted),
		TasksCompleted: nonNil(l.session.Completed),
		TasksFailed:    nonNil(l.session.Failed),
		Budget:         l.opts.guardrail.Snapshot(),
		BreakerTrips:   l.opts.breaker.Trips(),
	}
	if cause != nil {
		art.Error = cause.Error()
	}
	return art
}

// sessionOutcome summarizes a session by its exit reason.
func sessionOutcome(reason models.ExitReason) models.Outcome {
	switch reason {
	case models.ExitBudgetExhausted:
		return models.OutcomeBudgetStopped
	case models.ExitInterrupted:
		return models.OutcomeInterrupted
	case models.ExitTaskFailed, models.ExitError:
		return models.OutcomeFailure
	default:
		return models.OutcomeSuccess
	}
}

func exitMessage(reason models.ExitReason) string {
	switch reason {
	case models.ExitNoReadyTasks:
		return "no ready tasks remain"
	case models.ExitBudgetExhausted:
		return "budget exhausted"
	case models.ExitIterationLimit:
		return "iteration limit reached"
	case models.ExitInterrupted:
		return "interrupted"
	case models.ExitStopSignal:
		return "stop requested"
	case models.ExitTaskFailed:
		return "task failed"
	default:
		return "stopped on error"
	}
}

func (l *Loop) setState(s State) {
	l.mu.Lock()
	changed := l.state != s
	l.state = s
	l.mu.Unlock()
	if !changed {
		return
	}
	l.writeStatus("")
	l.emit(Event{Type: EventStateChanged})
}

func (l *Loop) writeStatus(reason models.ExitReason) {
	l.mu.Lock()
	st := Status{
		SessionID:  l.cfg.SessionID,
		PID:        l.opts.pid,
		Epic:       l.cfg.Epic,
		Harness:    l.backend.Name(),
		State:      l.state,
		Iterations: l.session.Iterations,
		Completed:  len(l.session.Completed),
		Failed:     len(l.session.Failed),
		StartedAt:  l.session.StartedAt,
		UpdatedAt:  l.opts.clock(),
		ExitReason: reason,
	}
	if l.active != nil {
		st.ActiveTask = l.active.ID
		st.ActiveTitle = l.active.Title
	}
	l.mu.Unlock()
	st.Budget = l.opts.guardrail.Snapshot()

	if err := writeJSONAtomic(StatusPath(l.cfg.ProjectRoot, l.cfg.SessionID), st); err != nil {
		l.opts.logger.Log("WARNING: write status: %v", err)
	}
}

func (l *Loop) emit(ev Event) {
	if l.opts.events == nil {
		return
	}
	l.mu.Lock()
	ev.SessionID = l.cfg.SessionID
	ev.State = l.state
	ev.Cost = l.session.Cost
	ev.Tokens = l.session.Tokens
	l.mu.Unlock()
	ev.Timestamp = l.opts.clock()
	l.opts.events.Emit(ev)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return append([]string(nil), s...)
}

func nonNegative(f float64) float64 {
	if f < 0 {
		return 0
	}
	return f
}
