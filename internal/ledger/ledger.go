// Package ledger keeps the durable, append-only record of task attempts.
//
// The log is a JSON Lines file. Each entry is written with a single write
// followed by fsync while holding an exclusive file lock, so concurrent
// writers in separate processes never interleave and readers only ever act
// on complete lines. At most one entry exists per (task_id, session_id).
// Indices under index/ are derived data and can always be rebuilt from the log.
package ledger

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/lavallee/cub/pkg/models"
)

const (
	// LogFile is the name of the append-only log inside the ledger directory.
	LogFile = "ledger.jsonl"

	// EnvRunSession is set in the environment of every harness invocation
	// started by a run loop. A hook that sees it must not write.
	EnvRunSession = "CUB_RUN_SESSION"

	lockFile = ".lock"
)

// ProjectDir returns the ledger directory for a project root.
func ProjectDir(projectRoot string) string {
	return filepath.Join(projectRoot, ".cub", "ledger")
}

// Ledger is a handle on one ledger directory. It is safe for concurrent use,
// and several Ledger values (in one or many processes) may share a directory.
type Ledger struct {
	dir string
	now func() time.Time

	mu     sync.Mutex
	offset int64
	keys   map[string]struct{}
	idx    *index
}

// Open opens (creating if needed) the ledger in dir.
func Open(dir string) (*Ledger, error) {
	if err := os.MkdirAll(filepath.Join(dir, indexDir), 0755); err != nil {
		return nil, fmt.Errorf("create ledger directory: %w", err)
	}
	l := &Ledger{
		dir:  dir,
		now:  time.Now,
		keys: make(map[string]struct{}),
		idx:  newIndex(),
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.catchUp(); err != nil {
		return nil, err
	}
	return l, nil
}

// Dir returns the ledger directory.
func (l *Ledger) Dir() string {
	return l.dir
}

// LogPath returns the path of the append-only log.
func (l *Ledger) LogPath() string {
	return filepath.Join(l.dir, LogFile)
}

// Record appends the entry unless one already exists for its
// (task_id, session_id). It returns true when a line was written.
// A zero RecordedAt is filled in and an empty Source defaults to loop.
func (l *Ledger) Record(e models.LedgerEntry) (bool, error) {
	if e.Source == "" {
		e.Source = models.SourceLoop
	}
	if e.RecordedAt.IsZero() {
		e.RecordedAt = l.now().UTC()
	}
	line, err := encode(e)
	if err != nil {
		return false, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	unlock, err := l.flock()
	if err != nil {
		return false, err
	}
	defer unlock()

	if err := l.catchUp(); err != nil {
		return false, err
	}
	if _, dup := l.keys[e.Key()]; dup {
		return false, nil
	}

	if err := l.appendLine(line); err != nil {
		return false, err
	}
	if err := l.catchUp(); err != nil {
		return true, err
	}
	if err := l.idx.write(l.dir); err != nil {
		return true, fmt.Errorf("update ledger index: %w", err)
	}
	return true, nil
}

// appendLine writes line plus newline in one write and syncs it.
// Caller holds both locks.
func (l *Ledger) appendLine(line []byte) error {
	f, err := os.OpenFile(l.LogPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat ledger: %w", err)
	}
	size := info.Size()

	buf := make([]byte, 0, len(line)+2)
	if size > l.offset {
		// A writer died mid-line. Terminate the fragment so it stays a
		// single malformed line instead of corrupting this entry.
		buf = append(buf, '\n')
	}
	buf = append(buf, line...)
	buf = append(buf, '\n')

	if _, err := f.Write(buf); err != nil {
		_ = f.Truncate(size)
		return fmt.Errorf("append ledger entry: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync ledger: %w", err)
	}
	return nil
}

// catchUp folds complete lines appended since the last call into the
// in-memory key set and index. Caller holds l.mu.
func (l *Ledger) catchUp() error {
	f, err := os.Open(l.LogPath())
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer f.Close()

	if _, err := f.Seek(l.offset, io.SeekStart); err != nil {
		return fmt.Errorf("seek ledger: %w", err)
	}
	consumed, err := scanLines(f, l.offset, func(off int64, line []byte) {
		e, err := decodeLine(line)
		if err != nil {
			return
		}
		if _, dup := l.keys[e.Key()]; dup {
			return
		}
		l.keys[e.Key()] = struct{}{}
		l.idx.add(e, off)
	})
	if err != nil {
		return err
	}
	l.offset += consumed
	l.idx.logSize = l.offset
	return nil
}

// flock takes the cross-process write lock. Caller holds l.mu.
func (l *Ledger) flock() (func(), error) {
	f, err := os.OpenFile(filepath.Join(l.dir, lockFile), os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("open ledger lock: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		f.Close()
		return nil, fmt.Errorf("lock ledger: %w", err)
	}
	return func() {
		_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		f.Close()
	}, nil
}

// scanLines calls fn for every newline-terminated line in r, passing the
// line's absolute offset (base + position) without the newline. Empty lines
// are skipped. It returns the number of bytes consumed, which always ends on
// a newline; an unterminated tail is left unread.
func scanLines(r io.Reader, base int64, fn func(off int64, line []byte)) (int64, error) {
	br := bufio.NewReaderSize(r, 64*1024)
	var pos int64
	for {
		line, err := br.ReadBytes('\n')
		if err == io.EOF {
			return pos, nil
		}
		if err != nil {
			return pos, fmt.Errorf("read ledger: %w", err)
		}
		off := base + pos
		pos += int64(len(line))
		line = bytes.TrimRight(line, "\r\n")
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		fn(off, line)
	}
}

// readLineAt reads the line starting at off.
func readLineAt(f *os.File, off int64) ([]byte, error) {
	br := bufio.NewReader(io.NewSectionReader(f, off, 1<<40))
	line, err := br.ReadBytes('\n')
	if err != nil && err != io.EOF {
		return nil, err
	}
	return bytes.TrimRight(line, "\r\n"), nil
}
