// Package harnesstest provides scripted harness backends for tests.
package harnesstest

import (
	"context"
	"sync"

	"github.com/lavallee/cub/internal/harness"
	"github.com/lavallee/cub/pkg/models"
)

// Handle replays a fixed sequence of polls and then reports Final. With
// Hang set it keeps reporting a silent running process until cancelled.
type Handle struct {
	mu        sync.Mutex
	polls     []harness.Poll
	idx       int
	last      harness.Poll
	final     harness.Result
	hang      bool
	cancelled bool
	cancelCh  chan struct{}
	cancels   int
}

// NewHandle creates a handle that ends with final after polls.
func NewHandle(final harness.Result, polls ...harness.Poll) *Handle {
	return &Handle{polls: polls, final: final, cancelCh: make(chan struct{})}
}

// NewHangingHandle creates a handle that goes silent after polls and only
// ends when cancelled.
func NewHangingHandle(polls ...harness.Poll) *Handle {
	h := NewHandle(harness.Result{}, polls...)
	h.hang = true
	return h
}

// Poll implements harness.Handle.
func (h *Handle) Poll() harness.Poll {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancelled {
		return harness.Poll{Running: false, Tokens: h.last.Tokens, Cost: h.last.Cost}
	}
	if h.idx < len(h.polls) {
		p := h.polls[h.idx]
		h.idx++
		p.Running = true
		h.last = p
		return p
	}
	if h.hang {
		return harness.Poll{Running: true, Tokens: h.last.Tokens, Cost: h.last.Cost}
	}
	return harness.Poll{Running: false, Tokens: h.final.Tokens, Cost: h.final.Cost}
}

// Result implements harness.Handle.
func (h *Handle) Result() harness.Result {
	h.mu.Lock()
	hang := h.hang && !h.cancelled
	h.mu.Unlock()
	if hang {
		<-h.cancelCh
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancelled {
		return harness.Result{
			Outcome: models.OutcomeInterrupted,
			Reason:  models.ReasonInterrupted,
			Summary: "invocation cancelled",
			Tokens:  h.last.Tokens,
			Cost:    h.last.Cost,
		}
	}
	return h.final
}

// Cancel implements harness.Handle.
func (h *Handle) Cancel() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cancels++
	if !h.cancelled {
		h.cancelled = true
		close(h.cancelCh)
	}
	return nil
}

// Cancelled reports whether Cancel was called.
func (h *Handle) Cancelled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cancelled
}

// Start records one call to Backend.Start.
type Start struct {
	Prompt string
	Opts   harness.StartOptions
}

// Backend hands out queued handles in order. When the queue is empty it
// returns a handle that succeeds immediately.
type Backend struct {
	NameValue string
	Missing   bool
	StartErr  error

	mu      sync.Mutex
	queue   []*Handle
	starts  []Start
	started []*Handle
}

// NewBackend creates an available fake backend.
func NewBackend(name string, handles ...*Handle) *Backend {
	return &Backend{NameValue: name, queue: handles}
}

// Enqueue adds handles to hand out.
func (b *Backend) Enqueue(handles ...*Handle) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queue = append(b.queue, handles...)
}

// Name implements harness.Backend.
func (b *Backend) Name() string { return b.NameValue }

// Available implements harness.Backend.
func (b *Backend) Available() bool { return !b.Missing }

// Start implements harness.Backend.
func (b *Backend) Start(ctx context.Context, prompt string, opts harness.StartOptions) (harness.Handle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.StartErr != nil {
		return nil, b.StartErr
	}
	b.starts = append(b.starts, Start{Prompt: prompt, Opts: opts})
	var h *Handle
	if len(b.queue) > 0 {
		h = b.queue[0]
		b.queue = b.queue[1:]
	} else {
		h = NewHandle(harness.Result{Outcome: models.OutcomeSuccess, Summary: "done"})
	}
	b.started = append(b.started, h)
	return h, nil
}

// Starts returns every recorded Start call.
func (b *Backend) Starts() []Start {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Start(nil), b.starts...)
}

var _ harness.Backend = (*Backend)(nil)
var _ harness.Handle = (*Handle)(nil)
