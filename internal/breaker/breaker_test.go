package breaker

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lavallee/cub/internal/harness"
	"github.com/lavallee/cub/internal/harness/harnesstest"
	"github.com/lavallee/cub/pkg/models"
)

func fastConfig(timeout time.Duration) Config {
	return Config{Enabled: true, Timeout: timeout, PollInterval: 2 * time.Millisecond}
}

func TestSupervise_PassesThroughCompletion(t *testing.T) {
	final := harness.Result{Outcome: models.OutcomeSuccess, Summary: "ok", Tokens: 10}
	h := harnesstest.NewHandle(final,
		harness.Poll{OutputDelta: "a", ActivityOccurred: true},
		harness.Poll{OutputDelta: "b", ActivityOccurred: true},
	)

	var mu sync.Mutex
	var out []string
	b := New(fastConfig(time.Hour), WithOutput(func(d string) {
		mu.Lock()
		out = append(out, d)
		mu.Unlock()
	}))

	res := b.Supervise(context.Background(), h, nil)
	assert.Equal(t, final, res)
	assert.Equal(t, []string{"a", "b"}, out)
	assert.False(t, h.Cancelled())
	assert.Equal(t, 0, b.Trips())
}

func TestSupervise_TripsOnInactivity(t *testing.T) {
	h := harnesstest.NewHangingHandle(harness.Poll{OutputDelta: "started", ActivityOccurred: true, Tokens: 42})
	b := New(fastConfig(30 * time.Millisecond))

	start := time.Now()
	res := b.Supervise(context.Background(), h, nil)

	assert.True(t, h.Cancelled())
	assert.Equal(t, models.OutcomeFailure, res.Outcome)
	assert.Equal(t, models.ReasonCircuitBreaker, res.Reason)
	assert.Equal(t, "circuit breaker: no activity for 30ms", res.Summary)
	assert.Equal(t, int64(42), res.Tokens, "partial usage is kept")
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	assert.Equal(t, 1, b.Trips())
}

func TestSupervise_ActivityResetsTimer(t *testing.T) {
	// 40 active polls at 2ms each outlast a 20ms window only if activity resets it.
	polls := make([]harness.Poll, 40)
	for i := range polls {
		polls[i] = harness.Poll{ActivityOccurred: true}
	}
	h := harnesstest.NewHandle(harness.Result{Outcome: models.OutcomeSuccess}, polls...)

	// Drive time explicitly so scheduler jitter cannot trip the breaker.
	var mu sync.Mutex
	now := time.Unix(0, 0)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Millisecond)
		return now
	}
	b := New(fastConfig(20*time.Millisecond), WithClock(clock))

	res := b.Supervise(context.Background(), h, nil)
	assert.Equal(t, models.OutcomeSuccess, res.Outcome)
	assert.False(t, h.Cancelled())
}

func TestSupervise_Disabled(t *testing.T) {
	h := harnesstest.NewHangingHandle()
	b := New(Config{Enabled: false, Timeout: time.Millisecond, PollInterval: time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	res := b.Supervise(ctx, h, nil)

	// Only the context ends it.
	assert.Equal(t, models.OutcomeInterrupted, res.Outcome)
	assert.Equal(t, 0, b.Trips())
}

func TestSupervise_CheckStops(t *testing.T) {
	h := harnesstest.NewHangingHandle(
		harness.Poll{ActivityOccurred: true, Tokens: 500},
		harness.Poll{ActivityOccurred: true, Tokens: 1500},
	)
	b := New(fastConfig(time.Hour))
	check := func(p harness.Poll) (bool, string, string) {
		if p.Tokens > 1000 {
			return true, models.ReasonTokenLimit, "token limit exceeded"
		}
		return false, "", ""
	}

	res := b.Supervise(context.Background(), h, check)
	assert.True(t, h.Cancelled())
	assert.Equal(t, models.OutcomeFailure, res.Outcome)
	assert.Equal(t, models.ReasonTokenLimit, res.Reason)
	assert.Equal(t, int64(1500), res.Tokens)
}

func TestSupervise_ContextCancel(t *testing.T) {
	h := harnesstest.NewHangingHandle()
	b := New(fastConfig(time.Hour))
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan harness.Result, 1)
	go func() { done <- b.Supervise(ctx, h, nil) }()
	cancel()

	select {
	case res := <-done:
		assert.Equal(t, models.OutcomeInterrupted, res.Outcome)
		assert.True(t, h.Cancelled())
	case <-time.After(5 * time.Second):
		t.Fatal("Supervise did not return after cancel")
	}
}

func TestFormatTimeout(t *testing.T) {
	require.Equal(t, "30 minutes", formatTimeout(30*time.Minute))
	require.Equal(t, "1 minute", formatTimeout(time.Minute))
	require.True(t, strings.HasSuffix(formatTimeout(90*time.Second), "s"))
}
