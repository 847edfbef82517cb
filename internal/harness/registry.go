package harness

import (
	"fmt"
	"sort"
	"sync"
)

// DefaultPriority is the auto-detection order used when no harness is named.
var DefaultPriority = []string{"claude", "codex", "gemini", "opencode", "api"}

// Registry holds the known backends by name.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]Backend
}

// NewRegistry creates an empty registry.
func NewRegistry(backends ...Backend) *Registry {
	r := &Registry{backends: make(map[string]Backend)}
	for _, b := range backends {
		r.Register(b)
	}
	return r
}

// Register adds or replaces a backend.
func (r *Registry) Register(b Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[b.Name()] = b
}

// Get returns the backend with the given name.
func (r *Registry) Get(name string) (Backend, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[name]
	return b, ok
}

// Names returns the registered backend names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.backends))
	for name := range r.backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Select picks a backend. An explicit name must exist and be available.
// Otherwise the first available backend in priority order wins, falling
// back to DefaultPriority when priority is empty.
func (r *Registry) Select(name string, priority []string) (Backend, error) {
	if name != "" {
		b, ok := r.Get(name)
		if !ok {
			return nil, fmt.Errorf("unknown harness %q (known: %v)", name, r.Names())
		}
		if !b.Available() {
			return nil, fmt.Errorf("harness %q is not available: %w", name, ErrNoBackend)
		}
		return b, nil
	}

	if len(priority) == 0 {
		priority = DefaultPriority
	}
	for _, candidate := range priority {
		if b, ok := r.Get(candidate); ok && b.Available() {
			return b, nil
		}
	}
	return nil, fmt.Errorf("tried %v: %w", priority, ErrNoBackend)
}
