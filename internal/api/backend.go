package api

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/lavallee/cub/internal/git"
	"github.com/lavallee/cub/internal/harness"
	"github.com/lavallee/cub/pkg/models"
)

// BackendName is the registry name of the in-process backend.
const BackendName = "api"

// Backend runs tasks through the Messages API without an agent CLI.
type Backend struct {
	cfg       ClientConfig
	maxTurns  int
	newClient func(ClientConfig) (*Client, error)
}

// NewBackend creates the api backend.
func NewBackend(cfg ClientConfig) *Backend {
	return &Backend{cfg: cfg, newClient: NewClient}
}

// Name implements harness.Backend.
func (b *Backend) Name() string { return BackendName }

// Available implements harness.Backend. It checks for credentials only.
func (b *Backend) Available() bool { return b.cfg.configured() }

// Start implements harness.Backend. The agent loop runs on its own
// goroutine; Cancel cancels its context.
func (b *Backend) Start(ctx context.Context, prompt string, opts harness.StartOptions) (harness.Handle, error) {
	client, err := b.newClient(b.cfg)
	if err != nil {
		return nil, fmt.Errorf("api backend: %w", err)
	}

	model := opts.Model
	if model == "" {
		model = b.cfg.Model
	}
	if model == "" {
		model = string(DefaultModel)
	}

	h := &handle{
		tracker: NewTokenTracker(model),
		start:   time.Now(),
		done:    make(chan struct{}),
	}
	if opts.WorkDir != "" {
		h.git = git.NewRunner(opts.WorkDir)
		h.base, _ = h.git.HeadCommit()
	}
	if opts.LogPath != "" {
		if err := os.MkdirAll(filepath.Dir(opts.LogPath), 0755); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
		f, err := os.OpenFile(opts.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("open harness log: %w", err)
		}
		h.logFile = f
	}

	runCtx, cancel := context.WithCancel(ctx)
	h.cancel = cancel

	loop := NewAgentLoop(AgentLoopConfig{
		Client:   client,
		Model:    model,
		Executor: NewToolExecutor(opts.WorkDir, opts.Env...),
		Tracker:  h.tracker,
		OnEvent:  h.observe,
		MaxTurns: b.maxTurns,
	})

	go func() {
		defer close(h.done)
		res, err := loop.Run(runCtx, prompt)
		h.mu.Lock()
		h.loopResult, h.loopErr = res, err
		h.mu.Unlock()
		if h.logFile != nil {
			h.logFile.Close()
		}
	}()
	return h, nil
}

type handle struct {
	tracker *TokenTracker
	git     git.Inspector
	base    string
	start   time.Time
	cancel  context.CancelFunc
	logFile *os.File

	mu         sync.Mutex
	pending    strings.Builder
	activity   bool
	cancelled  bool
	loopResult *LoopResult
	loopErr    error

	done       chan struct{}
	resultOnce sync.Once
	result     harness.Result
}

// observe turns loop events into output and activity. It runs on the loop
// goroutine.
func (h *handle) observe(ev StreamEvent) {
	var line string
	switch ev.Type {
	case "text":
		line = ev.Content
	case "tool_use":
		line = "> " + FormatToolAction(ev.Tool, ev.Input)
	case "error":
		line = "error: " + ev.Content
	default:
		h.mu.Lock()
		h.activity = true
		h.mu.Unlock()
		return
	}
	h.mu.Lock()
	h.activity = true
	h.pending.WriteString(line)
	h.pending.WriteString("\n")
	if h.logFile != nil {
		fmt.Fprintln(h.logFile, line)
	}
	h.mu.Unlock()
}

func (h *handle) running() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// Poll implements harness.Handle.
func (h *handle) Poll() harness.Poll {
	running := h.running()
	h.mu.Lock()
	defer h.mu.Unlock()
	p := harness.Poll{
		Running:          running,
		OutputDelta:      h.pending.String(),
		ActivityOccurred: h.activity,
	}
	p.Tokens, p.Cost = h.tracker.Usage()
	h.pending.Reset()
	h.activity = false
	return p
}

// Cancel implements harness.Handle.
func (h *handle) Cancel() error {
	h.mu.Lock()
	h.cancelled = true
	h.mu.Unlock()
	h.cancel()
	return nil
}

// Result implements harness.Handle.
func (h *handle) Result() harness.Result {
	<-h.done
	h.resultOnce.Do(func() {
		h.mu.Lock()
		res, loopErr, cancelled := h.loopResult, h.loopErr, h.cancelled
		h.mu.Unlock()

		tokens, cost := h.tracker.Usage()
		h.result = harness.Result{
			Cost:     cost,
			Tokens:   tokens,
			Duration: time.Since(h.start),
		}
		switch {
		case loopErr == nil:
			h.result.Outcome = models.OutcomeSuccess
			if res != nil {
				h.result.Summary = firstLine(res.Output)
			}
		case cancelled || errors.Is(loopErr, context.Canceled):
			h.result.Outcome = models.OutcomeInterrupted
			h.result.Reason = models.ReasonInterrupted
			h.result.Summary = "invocation cancelled"
		default:
			h.result.Outcome = models.OutcomeFailure
			h.result.Reason = models.ReasonHarnessError
			h.result.Summary = loopErr.Error()
			h.result.Err = loopErr
		}
		if h.git != nil {
			h.result.FilesChanged, _ = h.git.ChangedFiles(h.base)
			h.result.Commits, _ = h.git.CommitsSince(h.base)
		}
		h.cancel()
	})
	return h.result
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

var _ harness.Backend = (*Backend)(nil)
