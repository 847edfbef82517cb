// Package budget enforces cost and token ceilings for a run loop session.
package budget

import (
	"fmt"
	"sync"

	"github.com/lavallee/cub/internal/harness"
	"github.com/lavallee/cub/pkg/models"
)

// Status represents the current state of budget consumption.
type Status int

const (
	// StatusOK indicates usage is below the warning threshold.
	StatusOK Status = iota
	// StatusWarning indicates usage is between the warning threshold and the ceiling.
	StatusWarning
	// StatusExhausted indicates a ceiling has been reached.
	StatusExhausted
)

// String returns a human-readable representation of the budget status.
func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusWarning:
		return "Warning"
	case StatusExhausted:
		return "Exhausted"
	default:
		return "Unknown"
	}
}

// DefaultWarningThreshold is the default fraction at which warnings begin.
const DefaultWarningThreshold = 0.80

// Limits are the session ceilings. A zero value means unlimited.
type Limits struct {
	MaxTotalCost     float64
	MaxTotalTokens   int64
	MaxTokensPerTask int64
	WarningThreshold float64
}

// Guardrail tracks cumulative spend for one session. Usage only grows.
type Guardrail struct {
	limits Limits

	mu     sync.RWMutex
	cost   float64
	tokens int64
	warned bool
}

// New creates a guardrail. A warning threshold outside (0, 1] falls back
// to DefaultWarningThreshold.
func New(limits Limits) *Guardrail {
	if limits.WarningThreshold <= 0 || limits.WarningThreshold > 1 {
		limits.WarningThreshold = DefaultWarningThreshold
	}
	return &Guardrail{limits: limits}
}

// Limits returns the configured ceilings.
func (g *Guardrail) Limits() Limits {
	return g.limits
}

// Record adds the spend of a finished invocation. Negative values are ignored.
func (g *Guardrail) Record(cost float64, tokens int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if cost > 0 {
		g.cost += cost
	}
	if tokens > 0 {
		g.tokens += tokens
	}
}

// Usage returns cumulative cost and tokens.
func (g *Guardrail) Usage() (float64, int64) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.cost, g.tokens
}

// fraction returns the highest consumed fraction across the session ceilings.
// Must be called with lock held.
func (g *Guardrail) fraction() float64 {
	var f float64
	if g.limits.MaxTotalCost > 0 {
		f = g.cost / g.limits.MaxTotalCost
	}
	if g.limits.MaxTotalTokens > 0 {
		if t := float64(g.tokens) / float64(g.limits.MaxTotalTokens); t > f {
			f = t
		}
	}
	return f
}

// Status returns the current budget status.
func (g *Guardrail) Status() Status {
	g.mu.RLock()
	defer g.mu.RUnlock()
	f := g.fraction()
	switch {
	case f >= 1.0:
		return StatusExhausted
	case f >= g.limits.WarningThreshold:
		return StatusWarning
	default:
		return StatusOK
	}
}

// CanStartNew returns false once a session ceiling has been reached.
func (g *Guardrail) CanStartNew() bool {
	return g.Status() != StatusExhausted
}

// ShouldWarn returns true exactly once, the first time usage crosses the
// warning threshold.
func (g *Guardrail) ShouldWarn() bool {
	if g.Status() == StatusOK {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.warned {
		return false
	}
	g.warned = true
	return true
}

// CheckTask stops a running invocation whose tokens exceed the per-task
// ceiling. Its signature matches breaker.CheckFunc.
func (g *Guardrail) CheckTask(p harness.Poll) (bool, string, string) {
	if g.limits.MaxTokensPerTask <= 0 || p.Tokens <= g.limits.MaxTokensPerTask {
		return false, "", ""
	}
	return true, models.ReasonTokenLimit,
		fmt.Sprintf("token limit exceeded: %d > %d tokens", p.Tokens, g.limits.MaxTokensPerTask)
}

// Snapshot returns the budget section of a run artifact.
func (g *Guardrail) Snapshot() models.BudgetSnapshot {
	cost, tokens := g.Usage()
	return models.BudgetSnapshot{
		Cost:             cost,
		Tokens:           tokens,
		MaxTotalCost:     g.limits.MaxTotalCost,
		MaxTokensPerTask: g.limits.MaxTokensPerTask,
		MaxTotalTokens:   g.limits.MaxTotalTokens,
	}
}
