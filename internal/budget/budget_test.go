package budget

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"

	"github.com/lavallee/cub/internal/harness"
	"github.com/lavallee/cub/pkg/models"
)

func TestStatus_String(t *testing.T) {
	tests := []struct {
		status Status
		want   string
	}{
		{StatusOK, "OK"},
		{StatusWarning, "Warning"},
		{StatusExhausted, "Exhausted"},
		{Status(99), "Unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.status.String())
	}
}

func TestGuardrail_CostCeiling(t *testing.T) {
	g := New(Limits{MaxTotalCost: 1.00})

	assert.True(t, g.CanStartNew())
	g.Record(0.50, 1000)
	assert.Equal(t, StatusOK, g.Status())

	g.Record(0.375, 1000)
	assert.Equal(t, StatusWarning, g.Status())
	assert.True(t, g.ShouldWarn())
	assert.False(t, g.ShouldWarn(), "warning fires once")
	assert.True(t, g.CanStartNew())

	// Reaching the ceiling exactly is exhaustion.
	g.Record(0.125, 1000)
	assert.Equal(t, StatusExhausted, g.Status())
	assert.False(t, g.CanStartNew())

	snap := g.Snapshot()
	assert.InDelta(t, 1.00, snap.Cost, 1e-9)
	assert.Equal(t, int64(3000), snap.Tokens)
	assert.Equal(t, 1.00, snap.MaxTotalCost)
}

func TestGuardrail_TokenCeiling(t *testing.T) {
	g := New(Limits{MaxTotalTokens: 100})
	g.Record(0, 99)
	assert.True(t, g.CanStartNew())
	g.Record(0, 1)
	assert.False(t, g.CanStartNew())
}

func TestGuardrail_Unlimited(t *testing.T) {
	g := New(Limits{})
	g.Record(1e9, 1e12)
	assert.Equal(t, StatusOK, g.Status())
	assert.True(t, g.CanStartNew())
	stop, _, _ := g.CheckTask(harness.Poll{Tokens: 1 << 40})
	assert.False(t, stop)
}

func TestGuardrail_IgnoresNegative(t *testing.T) {
	g := New(Limits{MaxTotalCost: 1})
	g.Record(0.5, 10)
	g.Record(-0.4, -5)
	cost, tokens := g.Usage()
	assert.Equal(t, 0.5, cost)
	assert.Equal(t, int64(10), tokens)
}

func TestGuardrail_CheckTask(t *testing.T) {
	g := New(Limits{MaxTokensPerTask: 1000})

	stop, _, _ := g.CheckTask(harness.Poll{Tokens: 1000})
	assert.False(t, stop, "at the ceiling is allowed")

	stop, reason, summary := g.CheckTask(harness.Poll{Tokens: 1001})
	assert.True(t, stop)
	assert.Equal(t, models.ReasonTokenLimit, reason)
	assert.Contains(t, summary, "1001 > 1000")
}

func TestGuardrail_WarningThresholdFallback(t *testing.T) {
	assert.Equal(t, DefaultWarningThreshold, New(Limits{WarningThreshold: 1.5}).Limits().WarningThreshold)
	assert.Equal(t, 0.5, New(Limits{WarningThreshold: 0.5}).Limits().WarningThreshold)
}

func TestGuardrail_ConcurrentRecord(t *testing.T) {
	g := New(Limits{})
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.Record(0.01, 10)
		}()
	}
	wg.Wait()
	_, tokens := g.Usage()
	assert.Equal(t, int64(500), tokens)
}

func TestGuardrail_MonotonicProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		g := New(Limits{MaxTotalCost: rapid.Float64Range(0.01, 10).Draw(t, "max")})
		prevCost, prevTokens := g.Usage()
		exhausted := false
		steps := rapid.IntRange(1, 30).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			g.Record(rapid.Float64Range(-1, 2).Draw(t, "cost"), rapid.Int64Range(-100, 1000).Draw(t, "tokens"))
			cost, tokens := g.Usage()
			if cost < prevCost || tokens < prevTokens {
				t.Fatalf("usage decreased: %v/%v -> %v/%v", prevCost, prevTokens, cost, tokens)
			}
			// Once exhausted, never startable again.
			if exhausted && g.CanStartNew() {
				t.Fatalf("guardrail reopened after exhaustion")
			}
			exhausted = !g.CanStartNew()
			prevCost, prevTokens = cost, tokens
		}
	})
}
