// Package breaker supervises a running harness invocation and terminates
// it when it stops producing output for too long.
package breaker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lavallee/cub/internal/harness"
	"github.com/lavallee/cub/pkg/models"
)

// DefaultTimeout is the inactivity window before the breaker trips.
const DefaultTimeout = 30 * time.Minute

// DefaultPollInterval is how often the handle is polled.
const DefaultPollInterval = time.Second

// Config controls the breaker.
type Config struct {
	Enabled      bool
	Timeout      time.Duration
	PollInterval time.Duration
}

// DefaultConfig returns an enabled breaker with the default timeout.
func DefaultConfig() Config {
	return Config{Enabled: true, Timeout: DefaultTimeout, PollInterval: DefaultPollInterval}
}

// CheckFunc inspects each poll. Returning stop cancels the invocation and
// turns it into a failure carrying reason and summary.
type CheckFunc func(p harness.Poll) (stop bool, reason, summary string)

// Breaker supervises invocations. One Breaker may supervise many
// invocations in sequence; it never retries.
type Breaker struct {
	cfg      Config
	now      func() time.Time
	logf     func(format string, args ...any)
	onOutput func(delta string)

	mu    sync.Mutex
	trips int
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// WithLogger sets a printf-style logger for trip events.
func WithLogger(logf func(format string, args ...any)) Option {
	return func(b *Breaker) { b.logf = logf }
}

// WithOutput receives every non-empty output delta.
func WithOutput(fn func(delta string)) Option {
	return func(b *Breaker) { b.onOutput = fn }
}

// New creates a breaker. Zero durations fall back to defaults.
func New(cfg Config, opts ...Option) *Breaker {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	b := &Breaker{
		cfg:  cfg,
		now:  time.Now,
		logf: func(string, ...any) {},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Config returns the effective configuration.
func (b *Breaker) Config() Config {
	return b.cfg
}

// Trips returns how many invocations this breaker has terminated.
func (b *Breaker) Trips() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.trips
}

// Supervise polls h until it ends and returns its result. It cancels h when
// the inactivity timeout elapses, when check asks to stop, or when ctx is
// done, and rewrites the result's outcome accordingly.
func (b *Breaker) Supervise(ctx context.Context, h harness.Handle, check CheckFunc) harness.Result {
	ticker := time.NewTicker(b.cfg.PollInterval)
	defer ticker.Stop()

	lastActivity := b.now()
	for {
		p := h.Poll()
		if p.OutputDelta != "" && b.onOutput != nil {
			b.onOutput(p.OutputDelta)
		}
		if p.ActivityOccurred {
			lastActivity = b.now()
		}
		if !p.Running {
			return h.Result()
		}

		if check != nil {
			if stop, reason, summary := check(p); stop {
				b.logf("stopping invocation: %s", summary)
				return b.terminate(h, models.OutcomeFailure, reason, summary)
			}
		}

		if b.cfg.Enabled {
			if idle := b.now().Sub(lastActivity); idle >= b.cfg.Timeout {
				b.mu.Lock()
				b.trips++
				b.mu.Unlock()
				summary := "circuit breaker: no activity for " + formatTimeout(b.cfg.Timeout)
				b.logf("%s (idle %s)", summary, idle.Round(time.Millisecond))
				return b.terminate(h, models.OutcomeFailure, models.ReasonCircuitBreaker, summary)
			}
		}

		select {
		case <-ctx.Done():
			b.logf("interrupted: %v", ctx.Err())
			return b.terminate(h, models.OutcomeInterrupted, models.ReasonInterrupted, "interrupted by signal")
		case <-ticker.C:
		}
	}
}

// terminate cancels h, waits for its partial result and stamps the outcome.
func (b *Breaker) terminate(h harness.Handle, outcome models.Outcome, reason, summary string) harness.Result {
	if err := h.Cancel(); err != nil {
		b.logf("cancel failed: %v", err)
	}
	res := h.Result()
	res.Outcome = outcome
	res.Reason = reason
	res.Summary = summary
	return res
}

func formatTimeout(d time.Duration) string {
	if d >= time.Minute && d%time.Minute == 0 {
		m := int(d / time.Minute)
		if m == 1 {
			return "1 minute"
		}
		return fmt.Sprintf("%d minutes", m)
	}
	return d.String()
}
