package orchestrator

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// StopSignal is polled by the loop between tasks. A stop request lets the
// in-flight task finish and be recorded, then exits with stop_signal.
type StopSignal interface {
	StopRequested() bool
}

// SignalsDir is the directory watched for control files.
func SignalsDir(projectRoot string) string {
	return filepath.Join(projectRoot, ".cub", "signals")
}

// StopFile is the control file that requests a graceful stop.
func StopFile(projectRoot string) string {
	return filepath.Join(SignalsDir(projectRoot), "stop")
}

// StopWatcher watches .cub/signals for the stop file. Without a working
// fsnotify watcher it falls back to stat on every check.
type StopWatcher struct {
	path string

	mu      sync.RWMutex
	stopped bool

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewStopWatcher starts watching the project's signals directory.
func NewStopWatcher(projectRoot string) (*StopWatcher, error) {
	dir := SignalsDir(projectRoot)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	sw := &StopWatcher{
		path: StopFile(projectRoot),
		done: make(chan struct{}),
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return sw, nil
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return sw, nil
	}
	sw.watcher = watcher
	go sw.watch()
	return sw, nil
}

func (sw *StopWatcher) watch() {
	for {
		select {
		case <-sw.done:
			return
		case event, ok := <-sw.watcher.Events:
			if !ok {
				return
			}
			if event.Name == sw.path && event.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				sw.mu.Lock()
				sw.stopped = true
				sw.mu.Unlock()
			}
		case _, ok := <-sw.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

// StopRequested reports whether the stop file has appeared.
func (sw *StopWatcher) StopRequested() bool {
	if _, err := os.Stat(sw.path); err == nil {
		sw.mu.Lock()
		sw.stopped = true
		sw.mu.Unlock()
	}

	sw.mu.RLock()
	defer sw.mu.RUnlock()
	return sw.stopped
}

// RequestStop creates the stop file for the project.
func RequestStop(projectRoot string) error {
	if err := os.MkdirAll(SignalsDir(projectRoot), 0755); err != nil {
		return err
	}
	return os.WriteFile(StopFile(projectRoot), []byte(time.Now().Format(time.RFC3339)), 0644)
}

// Clear removes the stop file and resets the watcher.
func (sw *StopWatcher) Clear() {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	sw.stopped = false
	os.Remove(sw.path)
}

// Close stops the watcher goroutine.
func (sw *StopWatcher) Close() {
	select {
	case <-sw.done:
		return
	default:
	}
	close(sw.done)
	if sw.watcher != nil {
		sw.watcher.Close()
	}
}
