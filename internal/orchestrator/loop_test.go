package orchestrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lavallee/cub/internal/breaker"
	"github.com/lavallee/cub/internal/budget"
	"github.com/lavallee/cub/internal/harness"
	"github.com/lavallee/cub/internal/harness/harnesstest"
	"github.com/lavallee/cub/internal/ledger"
	"github.com/lavallee/cub/internal/tasks"
	"github.com/lavallee/cub/pkg/models"
)

type fixture struct {
	root    string
	src     *tasks.MemorySource
	backend *harnesstest.Backend
	led     *ledger.Ledger
}

func newFixture(t *testing.T, seed ...models.Task) *fixture {
	t.Helper()
	root := t.TempDir()
	led, err := ledger.Open(ledger.ProjectDir(root))
	require.NoError(t, err)
	return &fixture{
		root:    root,
		src:     tasks.NewMemorySource(seed...),
		backend: harnesstest.NewBackend("fake"),
		led:     led,
	}
}

func testBreaker(timeout time.Duration) *breaker.Breaker {
	return breaker.New(breaker.Config{Enabled: true, Timeout: timeout, PollInterval: time.Millisecond})
}

func (f *fixture) newLoop(t *testing.T, cfg Config, opts ...Option) *Loop {
	t.Helper()
	cfg.ProjectRoot = f.root
	base := []Option{
		WithBreaker(testBreaker(time.Minute)),
		WithMarkers(f.led.Markers()),
		WithSleep(func(time.Duration) {}),
		WithPromptBuilder(&DefaultPromptBuilder{ProjectRoot: f.root, Source: f.src, Ledger: f.led}),
	}
	l, err := New(cfg, RequiredConfig{Source: f.src, Backend: f.backend, Ledger: f.led}, append(base, opts...)...)
	require.NoError(t, err)
	return l
}

func (f *fixture) status(t *testing.T, id string) models.TaskStatus {
	t.Helper()
	task, ok := f.src.Get(id)
	require.True(t, ok, "task %s missing", id)
	return task.Status
}

func success(cost float64, tokens int64, files ...string) *harnesstest.Handle {
	return harnesstest.NewHandle(harness.Result{
		Outcome:      models.OutcomeSuccess,
		Cost:         cost,
		Tokens:       tokens,
		FilesChanged: files,
		Summary:      "done",
	}, harness.Poll{ActivityOccurred: true, OutputDelta: "working"})
}

// requireArtifact checks the run artifact on disk matches the returned one.
func requireArtifact(t *testing.T, l *Loop, art *models.RunArtifact, reason models.ExitReason) {
	t.Helper()
	require.NotNil(t, art)
	assert.Equal(t, reason, art.ExitReason)

	onDisk, err := ReadArtifact(l.ArtifactPath())
	require.NoError(t, err, "run artifact must exist on every exit path")
	assert.Equal(t, reason, onDisk.ExitReason)
	assert.NotEmpty(t, onDisk.ExitReason)
	assert.Equal(t, art.Iterations, onDisk.Iterations)

	st, err := ReadStatus(StatusPath(l.cfg.ProjectRoot, l.SessionID()))
	require.NoError(t, err)
	assert.True(t, st.Finished())
	assert.Equal(t, StateExiting, l.State())
}

func startedTasks(b *harnesstest.Backend) []string {
	var ids []string
	for _, s := range b.Starts() {
		ids = append(ids, s.Opts.TaskID)
	}
	return ids
}

func TestRun_DependencyAndPriorityOrder(t *testing.T) {
	f := newFixture(t,
		models.Task{ID: "A", Title: "first", Priority: 0},
		models.Task{ID: "B", Title: "after A", Priority: 0, DependsOn: []string{"A"}},
		models.Task{ID: "C", Title: "later", Priority: 1},
	)
	f.backend.Enqueue(success(0.5, 100, "a.go"), success(0.25, 50), success(0.125, 25))
	l := f.newLoop(t, Config{})

	art, err := l.Run(context.Background())
	require.NoError(t, err)
	requireArtifact(t, l, art, models.ExitNoReadyTasks)

	assert.Equal(t, []string{"A", "B", "C"}, startedTasks(f.backend))
	assert.Equal(t, models.OutcomeSuccess, art.Outcome)
	assert.Equal(t, 3, art.Iterations)
	assert.Equal(t, []string{"A", "B", "C"}, art.TasksCompleted)
	for _, id := range []string{"A", "B", "C"} {
		assert.Equal(t, models.TaskStatusClosed, f.status(t, id))
	}

	entries, err := f.led.ByRun(l.SessionID())
	require.NoError(t, err)
	require.Len(t, entries, 3)
	var sum float64
	for _, e := range entries {
		sum += e.Cost
		assert.Equal(t, models.SourceLoop, e.Source)
		assert.Equal(t, "fake", e.Harness)
	}
	assert.Equal(t, sum, art.Budget.Cost, "guardrail total equals ledger total")
	assert.Equal(t, []string{"a.go"}, entries[0].FilesChanged)
}

func TestRun_InvocationContract(t *testing.T) {
	f := newFixture(t, models.Task{ID: "A", Title: "one"})
	l := f.newLoop(t, Config{Model: "sonnet", Env: []string{"EXTRA=1"}})

	_, err := l.Run(context.Background())
	require.NoError(t, err)

	starts := f.backend.Starts()
	require.Len(t, starts, 1)
	opts := starts[0].Opts
	assert.Equal(t, f.root, opts.WorkDir)
	assert.Equal(t, "sonnet", opts.Model)
	assert.Equal(t, l.SessionID(), opts.SessionID)
	assert.Contains(t, opts.Env, "EXTRA=1")
	assert.Contains(t, opts.Env, ledger.EnvRunSession+"="+l.SessionID())
	assert.Equal(t, HarnessLogPath(f.root, l.SessionID(), "A"), opts.LogPath)
	assert.Contains(t, starts[0].Prompt, "Task ID: A")

	live, err := f.led.Markers().Active()
	require.NoError(t, err)
	assert.Empty(t, live, "marker is cleared on exit")
}

type recordingMarkers struct {
	MarkerSet
	active []string
}

func (r *recordingMarkers) SetActive(session, taskID string) error {
	r.active = append(r.active, taskID)
	return r.MarkerSet.SetActive(session, taskID)
}

func TestRun_MarkerTracksActiveTask(t *testing.T) {
	f := newFixture(t, models.Task{ID: "A", Title: "one"}, models.Task{ID: "B", Title: "two", Priority: 1})
	markers := &recordingMarkers{MarkerSet: f.led.Markers()}
	l := f.newLoop(t, Config{}, WithMarkers(markers))

	_, err := l.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "", "B", ""}, markers.active)
}

func TestRun_NoReadyTasks(t *testing.T) {
	f := newFixture(t)
	l := f.newLoop(t, Config{})

	art, err := l.Run(context.Background())
	require.NoError(t, err)
	requireArtifact(t, l, art, models.ExitNoReadyTasks)
	assert.Zero(t, art.Iterations)
	assert.Empty(t, art.TasksAttempted)
}

func TestRun_BudgetStopsBeforeNextTask(t *testing.T) {
	f := newFixture(t,
		models.Task{ID: "T1", Title: "one", Priority: 0},
		models.Task{ID: "T2", Title: "two", Priority: 1},
	)
	f.backend.Enqueue(success(1.0, 1000))
	l := f.newLoop(t, Config{}, WithGuardrail(budget.New(budget.Limits{MaxTotalCost: 1.0})))

	art, err := l.Run(context.Background())
	require.NoError(t, err, "budget exhaustion is a clean exit")
	requireArtifact(t, l, art, models.ExitBudgetExhausted)

	assert.Equal(t, models.OutcomeBudgetStopped, art.Outcome)
	assert.Equal(t, models.TaskStatusClosed, f.status(t, "T1"))
	assert.Equal(t, models.TaskStatusOpen, f.status(t, "T2"))
	assert.Equal(t, []string{"T1"}, startedTasks(f.backend))
	assert.Equal(t, 1.0, art.Budget.Cost)
}

func TestRun_PerTaskTokenCeiling(t *testing.T) {
	f := newFixture(t, models.Task{ID: "A", Title: "big"})
	f.backend.Enqueue(harnesstest.NewHangingHandle(harness.Poll{ActivityOccurred: true, Tokens: 5000}))
	l := f.newLoop(t, Config{FailurePolicy: FailStop},
		WithGuardrail(budget.New(budget.Limits{MaxTokensPerTask: 1000})))

	art, err := l.Run(context.Background())
	require.NoError(t, err)
	requireArtifact(t, l, art, models.ExitTaskFailed)

	assert.Equal(t, models.TaskStatusOpen, f.status(t, "A"), "task is released, not closed")
	entries, err := f.led.ByTask("A")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, models.OutcomeFailure, entries[0].Outcome)
	assert.Equal(t, models.ReasonTokenLimit, entries[0].Reason)
}

func TestRun_BreakerTripContinue(t *testing.T) {
	f := newFixture(t, models.Task{ID: "A", Title: "stalls"})
	f.backend.Enqueue(harnesstest.NewHangingHandle())
	l := f.newLoop(t, Config{FailurePolicy: FailContinue, MaxTaskFailures: 1},
		WithBreaker(testBreaker(20*time.Millisecond)))

	art, err := l.Run(context.Background())
	require.NoError(t, err)
	requireArtifact(t, l, art, models.ExitNoReadyTasks)

	assert.Equal(t, 1, art.BreakerTrips)
	assert.Equal(t, []string{"A"}, art.TasksFailed)
	assert.Equal(t, models.TaskStatusOpen, f.status(t, "A"))

	entries, err := f.led.ByTask("A")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, models.OutcomeFailure, entries[0].Outcome)
	assert.Equal(t, models.ReasonCircuitBreaker, entries[0].Reason)
	assert.Contains(t, entries[0].Summary, "circuit breaker")
}

func TestRun_BreakerTripStop(t *testing.T) {
	f := newFixture(t,
		models.Task{ID: "A", Title: "stalls", Priority: 0},
		models.Task{ID: "B", Title: "never runs", Priority: 1},
	)
	f.backend.Enqueue(harnesstest.NewHangingHandle())
	l := f.newLoop(t, Config{FailurePolicy: FailStop}, WithBreaker(testBreaker(20*time.Millisecond)))

	art, err := l.Run(context.Background())
	require.NoError(t, err)
	requireArtifact(t, l, art, models.ExitTaskFailed)
	assert.Equal(t, models.OutcomeFailure, art.Outcome)
	assert.Equal(t, models.TaskStatusOpen, f.status(t, "A"))
	assert.Equal(t, models.TaskStatusOpen, f.status(t, "B"))
}

func TestRun_ContinueRetriesUntilExcluded(t *testing.T) {
	f := newFixture(t,
		models.Task{ID: "A", Title: "flaky", Priority: 0},
		models.Task{ID: "B", Title: "fine", Priority: 1},
	)
	fail := func() *harnesstest.Handle {
		return harnesstest.NewHandle(harness.Result{Outcome: models.OutcomeFailure, Reason: models.ReasonHarnessError, Summary: "boom"})
	}
	f.backend.Enqueue(fail(), fail(), success(0, 0))
	l := f.newLoop(t, Config{FailurePolicy: FailContinue, MaxTaskFailures: 2})

	art, err := l.Run(context.Background())
	require.NoError(t, err)
	requireArtifact(t, l, art, models.ExitNoReadyTasks)

	assert.Equal(t, []string{"A", "A", "B"}, startedTasks(f.backend))
	assert.Equal(t, models.TaskStatusOpen, f.status(t, "A"))
	assert.Equal(t, models.TaskStatusClosed, f.status(t, "B"))
	assert.Contains(t, f.backend.Starts()[1].Prompt, "Previous Attempts")
}

func TestRun_InterruptReleasesTask(t *testing.T) {
	f := newFixture(t, models.Task{ID: "A", Title: "long"})
	f.backend.Enqueue(harnesstest.NewHangingHandle(harness.Poll{ActivityOccurred: true, Tokens: 10, Cost: 0.01}))
	l := f.newLoop(t, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	type result struct {
		art *models.RunArtifact
		err error
	}
	done := make(chan result, 1)
	go func() {
		art, err := l.Run(ctx)
		done <- result{art, err}
	}()

	require.Eventually(t, func() bool { return len(f.backend.Starts()) == 1 }, 5*time.Second, time.Millisecond)
	cancel()

	var r result
	select {
	case r = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not exit after interrupt")
	}
	require.NoError(t, r.err)
	requireArtifact(t, l, r.art, models.ExitInterrupted)
	assert.Equal(t, models.OutcomeInterrupted, r.art.Outcome)
	assert.Equal(t, models.TaskStatusOpen, f.status(t, "A"), "interrupted task must not stay in_progress")

	entries, err := f.led.ByTask("A")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, models.OutcomeInterrupted, entries[0].Outcome)
}

func TestRun_IterationLimit(t *testing.T) {
	f := newFixture(t, models.Task{ID: "A", Title: "a"}, models.Task{ID: "B", Title: "b"})
	l := f.newLoop(t, Config{MaxIterations: 1})

	art, err := l.Run(context.Background())
	require.NoError(t, err)
	requireArtifact(t, l, art, models.ExitIterationLimit)
	assert.Equal(t, 1, art.Iterations)
	assert.Equal(t, models.TaskStatusOpen, f.status(t, "B"))
}

type stopAfter struct {
	checks atomic.Int32
	after  int32
}

func (s *stopAfter) StopRequested() bool {
	return s.checks.Add(1) > s.after
}

func TestRun_StopSignalFinishesInFlightTask(t *testing.T) {
	f := newFixture(t, models.Task{ID: "A", Title: "a"}, models.Task{ID: "B", Title: "b"})
	l := f.newLoop(t, Config{}, WithStopSignal(&stopAfter{after: 1}))

	art, err := l.Run(context.Background())
	require.NoError(t, err)
	requireArtifact(t, l, art, models.ExitStopSignal)
	assert.Equal(t, models.TaskStatusClosed, f.status(t, "A"))
	assert.Equal(t, models.TaskStatusOpen, f.status(t, "B"))
}

func TestRun_StopWatcher(t *testing.T) {
	f := newFixture(t, models.Task{ID: "A", Title: "a"})
	sw, err := NewStopWatcher(f.root)
	require.NoError(t, err)
	defer sw.Close()
	require.NoError(t, RequestStop(f.root))
	require.Eventually(t, sw.StopRequested, time.Second, time.Millisecond)

	l := f.newLoop(t, Config{}, WithStopSignal(sw))
	art, err := l.Run(context.Background())
	require.NoError(t, err)
	requireArtifact(t, l, art, models.ExitStopSignal)
	assert.Empty(t, f.backend.Starts())

	sw.Clear()
	assert.False(t, sw.StopRequested())
}

func TestRun_VerificationFailureDowngradesOutcome(t *testing.T) {
	f := newFixture(t, models.Task{ID: "A", Title: "a"})
	f.backend.Enqueue(success(0.1, 10, "main.go"))
	verifier := VerifyFunc(func(ctx context.Context, workDir string) error {
		return errors.New("tests failed")
	})
	l := f.newLoop(t, Config{FailurePolicy: FailStop}, WithVerifier(verifier))

	art, err := l.Run(context.Background())
	require.NoError(t, err)
	requireArtifact(t, l, art, models.ExitTaskFailed)

	entries, err := f.led.ByTask("A")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, models.OutcomeFailure, entries[0].Outcome)
	assert.Equal(t, models.ReasonVerificationFailed, entries[0].Reason)
	assert.Equal(t, []string{"main.go"}, entries[0].FilesChanged, "produced files are preserved")
	assert.Equal(t, models.TaskStatusOpen, f.status(t, "A"))
}

func TestRun_HarnessStartError(t *testing.T) {
	f := newFixture(t, models.Task{ID: "A", Title: "a"})
	f.backend.StartErr = errors.New("binary missing")
	l := f.newLoop(t, Config{FailurePolicy: FailStop})

	art, err := l.Run(context.Background())
	require.NoError(t, err)
	requireArtifact(t, l, art, models.ExitTaskFailed)

	entries, err := f.led.ByTask("A")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, models.ReasonHarnessError, entries[0].Reason)
	assert.Contains(t, entries[0].Summary, "binary missing")
}

type dirtyTree struct{ dirty bool }

func (d dirtyTree) CurrentBranch() (string, error)             { return "main", nil }
func (d dirtyTree) HeadCommit() (string, error)                { return "abc", nil }
func (d dirtyTree) HasChanges() (bool, error)                  { return d.dirty, nil }
func (d dirtyTree) ChangedFiles(base string) ([]string, error) { return nil, nil }
func (d dirtyTree) CommitsSince(base string) ([]string, error) { return nil, nil }

func TestRun_RequireCleanGit(t *testing.T) {
	f := newFixture(t, models.Task{ID: "A", Title: "a"})
	l := f.newLoop(t, Config{RequireCleanGit: true}, WithGit(dirtyTree{dirty: true}))

	art, err := l.Run(context.Background())
	require.ErrorIs(t, err, ErrDirtyWorkTree)
	requireArtifact(t, l, art, models.ExitError)
	assert.Contains(t, art.Error, "uncommitted")
	assert.Empty(t, f.backend.Starts())
	assert.Equal(t, models.TaskStatusOpen, f.status(t, "A"))

	clean := f.newLoop(t, Config{RequireCleanGit: true}, WithGit(dirtyTree{}))
	art, err = clean.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.ExitNoReadyTasks, art.ExitReason)
}

// flakyRecorder fails the first n calls, then delegates.
type flakyRecorder struct {
	next  Recorder
	fails int
	calls int
	mu    sync.Mutex
}

func (r *flakyRecorder) Record(e models.LedgerEntry) (bool, error) {
	r.mu.Lock()
	r.calls++
	fail := r.calls <= r.fails
	r.mu.Unlock()
	if fail {
		return false, errors.New("disk busy")
	}
	return r.next.Record(e)
}

func TestRun_RecordRetriesTransientErrors(t *testing.T) {
	f := newFixture(t, models.Task{ID: "A", Title: "a"})
	rec := &flakyRecorder{next: f.led, fails: 2}
	l, err := New(Config{ProjectRoot: f.root}, RequiredConfig{Source: f.src, Backend: f.backend, Ledger: rec},
		WithBreaker(testBreaker(time.Minute)), WithSleep(func(time.Duration) {}))
	require.NoError(t, err)

	art, err := l.Run(context.Background())
	require.NoError(t, err)
	requireArtifact(t, l, art, models.ExitNoReadyTasks)
	assert.Equal(t, 3, rec.calls)

	entries, err := f.led.ByTask("A")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
	assert.Equal(t, models.TaskStatusClosed, f.status(t, "A"))
}

func TestRun_RecordFailureReleasesTask(t *testing.T) {
	f := newFixture(t, models.Task{ID: "A", Title: "a"})
	rec := &flakyRecorder{next: f.led, fails: 100}
	l, err := New(Config{ProjectRoot: f.root}, RequiredConfig{Source: f.src, Backend: f.backend, Ledger: rec},
		WithBreaker(testBreaker(time.Minute)), WithSleep(func(time.Duration) {}))
	require.NoError(t, err)

	art, err := l.Run(context.Background())
	require.Error(t, err)
	requireArtifact(t, l, art, models.ExitError)
	assert.Contains(t, art.Error, "disk busy")
	assert.Equal(t, models.TaskStatusOpen, f.status(t, "A"), "unrecorded task is released on exit")
	assert.Zero(t, art.Budget.Cost)
}

func TestRun_TwoLoopsRaceForOneTask(t *testing.T) {
	f := newFixture(t, models.Task{ID: "only", Title: "contested"})
	other, err := ledger.Open(ledger.ProjectDir(f.root))
	require.NoError(t, err)

	loops := []*Loop{
		f.newLoop(t, Config{}),
		func() *Loop {
			l, err := New(Config{ProjectRoot: f.root}, RequiredConfig{Source: f.src, Backend: harnesstest.NewBackend("fake2"), Ledger: other},
				WithBreaker(testBreaker(time.Minute)))
			require.NoError(t, err)
			return l
		}(),
	}

	var wg sync.WaitGroup
	for _, l := range loops {
		wg.Add(1)
		go func(l *Loop) {
			defer wg.Done()
			art, err := l.Run(context.Background())
			assert.NoError(t, err)
			assert.Equal(t, models.ExitNoReadyTasks, art.ExitReason)
		}(l)
	}
	wg.Wait()

	entries, err := f.led.ByTask("only")
	require.NoError(t, err)
	assert.Len(t, entries, 1, "exactly one ledger entry across both loops")
	assert.Equal(t, models.TaskStatusClosed, f.status(t, "only"))
}

func TestRun_EventsAndLog(t *testing.T) {
	f := newFixture(t, models.Task{ID: "A", Title: "a"})
	events := NewEventEmitter(256)
	logPath := filepath.Join(f.root, "debug.log")
	logger, err := NewDebugLogger(logPath)
	require.NoError(t, err)
	defer logger.Close()

	l := f.newLoop(t, Config{}, WithEvents(events), WithLogger(logger))
	_, err = l.Run(context.Background())
	require.NoError(t, err)
	events.Close()

	var types []EventType
	for ev := range events.Events() {
		if ev.Type != EventStateChanged {
			types = append(types, ev.Type)
		}
		assert.Equal(t, l.SessionID(), ev.SessionID)
	}
	assert.Equal(t, []EventType{EventSessionStarted, EventTaskClaimed, EventTaskCompleted, EventExit}, types)

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "claimed A")
}

func TestNew_Validation(t *testing.T) {
	f := newFixture(t)
	_, err := New(Config{ProjectRoot: f.root}, RequiredConfig{Source: f.src, Backend: f.backend})
	assert.Error(t, err)

	_, err = New(Config{ProjectRoot: f.root, FailurePolicy: "retry"}, RequiredConfig{Source: f.src, Backend: f.backend, Ledger: f.led})
	assert.Error(t, err)

	l, err := New(Config{ProjectRoot: f.root}, RequiredConfig{Source: f.src, Backend: f.backend, Ledger: f.led})
	require.NoError(t, err)
	assert.Equal(t, FailStop, l.cfg.FailurePolicy)
	assert.Equal(t, f.root, l.cfg.WorkDir)
	assert.NotEmpty(t, l.SessionID())
}
