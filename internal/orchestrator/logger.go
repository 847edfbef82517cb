package orchestrator

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// EnvDebug mirrors session log lines to stderr when set to a non-empty value.
const EnvDebug = "CUB_DEBUG"

// DebugLogger writes timestamped lines for one run session.
// A nil or zero DebugLogger discards everything.
type DebugLogger struct {
	mu     sync.Mutex
	file   *os.File
	mirror io.Writer
}

// NewDebugLogger creates a logger appending to logPath. An empty path gives
// a logger that only mirrors (when CUB_DEBUG is set) or discards.
func NewDebugLogger(logPath string) (*DebugLogger, error) {
	l := &DebugLogger{}
	if os.Getenv(EnvDebug) != "" {
		l.mirror = os.Stderr
	}
	if logPath == "" {
		return l, nil
	}

	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	l.file = f
	l.Log("=== cub session log started at %s ===", time.Now().Format(time.RFC3339))
	return l, nil
}

// SessionLogPath is where a session's debug log lives.
func SessionLogPath(projectRoot, sessionID string) string {
	return filepath.Join(projectRoot, ".cub", "logs", sessionID+".log")
}

// NewSessionLogger opens the debug log for a session. It falls back to a
// no-op logger when the log cannot be opened.
func NewSessionLogger(projectRoot, sessionID string) *DebugLogger {
	l, err := NewDebugLogger(SessionLogPath(projectRoot, sessionID))
	if err != nil {
		return NopLogger()
	}
	return l
}

// NopLogger returns a logger that discards everything.
func NopLogger() *DebugLogger {
	return &DebugLogger{}
}

// Log writes one timestamped line.
func (l *DebugLogger) Log(format string, args ...any) {
	if l == nil || (l.file == nil && l.mirror == nil) {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	line := fmt.Sprintf("[%s] %s\n", time.Now().Format("15:04:05.000"), fmt.Sprintf(format, args...))
	if l.file != nil {
		l.file.WriteString(line)
		l.file.Sync()
	}
	if l.mirror != nil {
		io.WriteString(l.mirror, line)
	}
}

// Close closes the log file. Safe on a nil logger.
func (l *DebugLogger) Close() error {
	if l == nil || l.file == nil {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	return l.file.Close()
}
