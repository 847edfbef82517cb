package orchestrator

import (
	"context"
	"time"

	"github.com/lavallee/cub/internal/breaker"
	"github.com/lavallee/cub/internal/budget"
	"github.com/lavallee/cub/internal/git"
	"github.com/lavallee/cub/internal/harness"
	"github.com/lavallee/cub/internal/state"
	"github.com/lavallee/cub/internal/tasks"
	"github.com/lavallee/cub/pkg/models"
)

// Recorder is the ledger write path used by the loop.
type Recorder interface {
	// Record appends an entry; false with a nil error means it already existed.
	Record(e models.LedgerEntry) (bool, error)
}

// MarkerSet flags the session and its active task as live so hook writes
// for them are suppressed.
type MarkerSet interface {
	Acquire(session string, pid int, epic string) error
	SetActive(session, taskID string) error
	Release(session string) error
}

// RunStore persists the session row.
type RunStore interface {
	StartRun(ctx context.Context, r state.RunRecord) error
	FinishRun(ctx context.Context, a models.RunArtifact) error
}

// RequiredConfig contains the collaborators a Loop cannot run without.
type RequiredConfig struct {
	Source  tasks.Source
	Backend harness.Backend
	Ledger  Recorder
}

// Option configures a Loop. Use With* functions to create Options.
type Option func(*loopOptions)

type loopOptions struct {
	breaker   *breaker.Breaker
	guardrail *budget.Guardrail
	prompts   PromptBuilder
	verifier  Verifier
	git       git.Inspector
	logger    *DebugLogger
	events    *EventEmitter
	stop      StopSignal
	markers   MarkerSet
	runs      RunStore
	clock     func() time.Time
	sleep     func(time.Duration)
	pid       int
}

// WithBreaker sets the circuit breaker supervising each invocation.
func WithBreaker(b *breaker.Breaker) Option {
	return func(o *loopOptions) { o.breaker = b }
}

// WithGuardrail sets the session budget.
func WithGuardrail(g *budget.Guardrail) Option {
	return func(o *loopOptions) { o.guardrail = g }
}

// WithPromptBuilder sets the prompt builder.
func WithPromptBuilder(p PromptBuilder) Option {
	return func(o *loopOptions) { o.prompts = p }
}

// WithVerifier sets the verification hook run after successful invocations.
func WithVerifier(v Verifier) Option {
	return func(o *loopOptions) { o.verifier = v }
}

// WithGit sets the inspector used for the clean-tree precondition.
func WithGit(g git.Inspector) Option {
	return func(o *loopOptions) { o.git = g }
}

// WithLogger sets the debug logger.
func WithLogger(l *DebugLogger) Option {
	return func(o *loopOptions) { o.logger = l }
}

// WithEvents sets the event emitter.
func WithEvents(e *EventEmitter) Option {
	return func(o *loopOptions) { o.events = e }
}

// WithStopSignal sets the graceful stop source checked between tasks.
func WithStopSignal(s StopSignal) Option {
	return func(o *loopOptions) { o.stop = s }
}

// WithMarkers sets the active-session marker set.
func WithMarkers(m MarkerSet) Option {
	return func(o *loopOptions) { o.markers = m }
}

// WithRunStore sets where the session row is persisted.
func WithRunStore(r RunStore) Option {
	return func(o *loopOptions) { o.runs = r }
}

// WithClock replaces time.Now (mainly for testing).
func WithClock(now func() time.Time) Option {
	return func(o *loopOptions) { o.clock = now }
}

// WithSleep replaces time.Sleep for record retries (mainly for testing).
func WithSleep(sleep func(time.Duration)) Option {
	return func(o *loopOptions) { o.sleep = sleep }
}

// WithPID sets the pid stored in markers and the session row.
func WithPID(pid int) Option {
	return func(o *loopOptions) { o.pid = pid }
}
