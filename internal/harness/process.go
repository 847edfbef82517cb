package harness

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/lavallee/cub/internal/git"
	"github.com/lavallee/cub/pkg/models"
)

// killGrace is how long a cancelled process group gets between SIGTERM and SIGKILL.
var killGrace = 5 * time.Second

// outputParser turns one CLI's stdout into display text, usage and a
// normalized outcome. Calls are serialized by the owning processHandle.
type outputParser interface {
	// ParseLine consumes one stdout line and returns the text to surface.
	ParseLine(line []byte) string
	// Usage returns cumulative tokens and cost seen so far.
	Usage() (tokens int64, cost float64)
	// Outcome maps the process exit to an outcome, summary and reason code.
	Outcome(exitErr error, stderr string) (models.Outcome, string, string)
}

// processHandle runs an agent CLI in its own process group.
type processHandle struct {
	cmd    *exec.Cmd
	parser outputParser
	git    git.Inspector
	base   string
	start  time.Time

	mu        sync.Mutex
	pending   strings.Builder
	activity  bool
	stderr    strings.Builder
	exitErr   error
	cancelled bool
	logFile   *os.File

	done       chan struct{}
	cancelOnce sync.Once
	resultOnce sync.Once
	result     Result
}

// startProcess launches cmd with stdout parsed by parser. stdin, when
// non-empty, is written to the process and closed.
func startProcess(ctx context.Context, cmd *exec.Cmd, stdin string, parser outputParser, opts StartOptions) (*processHandle, error) {
	h := &processHandle{
		cmd:    cmd,
		parser: parser,
		done:   make(chan struct{}),
	}

	cmd.Dir = opts.WorkDir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if len(opts.Env) > 0 {
		cmd.Env = append(os.Environ(), opts.Env...)
	}
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}

	if opts.WorkDir != "" {
		h.git = git.NewRunner(opts.WorkDir)
		// A missing or empty repository just means no attribution.
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

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		h.closeLog()
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		h.closeLog()
		return nil, fmt.Errorf("create stderr pipe: %w", err)
	}

	h.start = time.Now()
	if err := cmd.Start(); err != nil {
		h.closeLog()
		return nil, fmt.Errorf("start %s: %w", filepath.Base(cmd.Path), err)
	}

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		h.readStdout(stdout)
	}()
	go func() {
		defer readers.Done()
		h.readStderr(stderr)
	}()

	go func() {
		readers.Wait()
		err := cmd.Wait()
		h.mu.Lock()
		h.exitErr = err
		h.mu.Unlock()
		h.closeLog()
		close(h.done)
	}()

	go func() {
		select {
		case <-ctx.Done():
			h.Cancel()
		case <-h.done:
		}
	}()

	return h, nil
}

// Line limits for agent output. Longer lines are cut at the limit and the
// remainder is discarded so the pipe keeps draining.
const (
	maxStdoutLine = 4 * 1024 * 1024
	maxStderrLine = 256 * 1024
)

// readLines calls fn with each line of r, without its line ending, until r
// is exhausted. touch runs for every chunk read, including the pieces of a
// line that is being cut.
func readLines(r io.Reader, max int, fn func(line []byte), touch func()) error {
	br := bufio.NewReaderSize(r, 64*1024)
	var line []byte
	cut := false
	for {
		chunk, err := br.ReadSlice('\n')
		if len(chunk) > 0 {
			touch()
			if !cut {
				if room := max - len(line); len(chunk) > room {
					line = append(line, chunk[:room]...)
					cut = true
				} else {
					line = append(line, chunk...)
				}
			}
		}
		switch err {
		case bufio.ErrBufferFull:
			continue
		case nil:
			fn(trimEOL(line))
			line = line[:0]
			cut = false
			continue
		}
		if len(line) > 0 {
			fn(trimEOL(line))
		}
		if err == io.EOF {
			return nil
		}
		return err
	}
}

func trimEOL(b []byte) []byte {
	b = bytes.TrimSuffix(b, []byte{'\n'})
	return bytes.TrimSuffix(b, []byte{'\r'})
}

func (h *processHandle) touch() {
	h.mu.Lock()
	h.activity = true
	h.mu.Unlock()
}

func (h *processHandle) readStdout(r io.Reader) {
	err := readLines(r, maxStdoutLine, func(line []byte) {
		if len(line) == 0 {
			return
		}
		h.mu.Lock()
		defer h.mu.Unlock()
		if h.logFile != nil {
			h.logFile.Write(line)
			h.logFile.Write([]byte{'\n'})
		}
		if text := h.parser.ParseLine(line); text != "" {
			h.pending.WriteString(text)
			h.pending.WriteByte('\n')
		}
	}, h.touch)
	if err != nil {
		h.noteReadError("stdout", r, err)
	}
}

func (h *processHandle) readStderr(r io.Reader) {
	err := readLines(r, maxStderrLine, func(line []byte) {
		if len(line) == 0 {
			return
		}
		h.mu.Lock()
		defer h.mu.Unlock()
		h.stderr.Write(line)
		h.stderr.WriteByte('\n')
	}, h.touch)
	if err != nil {
		h.noteReadError("stderr", r, err)
	}
}

// noteReadError keeps the failure visible in the result and drains whatever
// is left so the agent never blocks on a full pipe.
func (h *processHandle) noteReadError(stream string, r io.Reader, err error) {
	h.mu.Lock()
	fmt.Fprintf(&h.stderr, "cub: read %s: %v\n", stream, err)
	h.mu.Unlock()
	io.Copy(io.Discard, r)
}

func (h *processHandle) closeLog() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.logFile != nil {
		h.logFile.Close()
		h.logFile = nil
	}
}

func (h *processHandle) running() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// Poll implements Handle.
func (h *processHandle) Poll() Poll {
	running := h.running()
	h.mu.Lock()
	defer h.mu.Unlock()
	p := Poll{
		Running:          running,
		OutputDelta:      h.pending.String(),
		ActivityOccurred: h.activity,
	}
	p.Tokens, p.Cost = h.parser.Usage()
	h.pending.Reset()
	h.activity = false
	return p
}

// Cancel implements Handle. The whole process group gets SIGTERM and, if it
// is still around after killGrace, SIGKILL.
func (h *processHandle) Cancel() error {
	var err error
	h.cancelOnce.Do(func() {
		h.mu.Lock()
		h.cancelled = true
		h.mu.Unlock()

		if h.cmd.Process == nil {
			return
		}
		pgid := h.cmd.Process.Pid
		if e := syscall.Kill(-pgid, syscall.SIGTERM); e != nil && e != syscall.ESRCH {
			err = fmt.Errorf("signal process group %d: %w", pgid, e)
		}
		go func() {
			select {
			case <-h.done:
			case <-time.After(killGrace):
				syscall.Kill(-pgid, syscall.SIGKILL)
			}
		}()
	})
	return err
}

// Result implements Handle.
func (h *processHandle) Result() Result {
	<-h.done
	h.resultOnce.Do(func() {
		h.mu.Lock()
		exitErr := h.exitErr
		stderr := h.stderr.String()
		cancelled := h.cancelled
		tokens, cost := h.parser.Usage()
		outcome, summary, reason := h.parser.Outcome(exitErr, stderr)
		h.mu.Unlock()

		if cancelled && outcome != models.OutcomeSuccess {
			outcome = models.OutcomeInterrupted
			reason = models.ReasonInterrupted
			summary = "invocation cancelled"
		}

		h.result = Result{
			Outcome:  outcome,
			Cost:     cost,
			Tokens:   tokens,
			Duration: time.Since(h.start),
			Summary:  summary,
			Reason:   reason,
		}
		if outcome == models.OutcomeFailure && exitErr != nil {
			h.result.Err = exitErr
		}
		h.result.FilesChanged, h.result.Commits = attribute(h.git, h.base)
	})
	return h.result
}

// attribute collects files and commits produced since base. Errors leave
// both lists empty rather than failing the result.
func attribute(g git.Inspector, base string) ([]string, []string) {
	if g == nil {
		return nil, nil
	}
	files, err := g.ChangedFiles(base)
	if err != nil {
		files = nil
	}
	commits, err := g.CommitsSince(base)
	if err != nil {
		commits = nil
	}
	return files, commits
}

// lastLines returns up to n trailing non-empty lines of s.
func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// truncate shortens s to max runes with an ellipsis.
func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-3]) + "..."
}
