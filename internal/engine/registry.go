package engine

import (
	"context"
	"sort"
	"sync"

	"github.com/pubudusj/spelling-game-backend/pkg/flow"
)

// TaskHandler is the body of a task state: exactly one external call
// against the working document, returning the value merged at the state's
// result path.
type TaskHandler func(ctx context.Context, doc flow.Document) (any, error)

// Registry is a thread-safe lookup of task handlers by resource name.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]TaskHandler
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]TaskHandler),
	}
}

// Register adds a handler to the registry. Returns an error on duplicate or
// empty names.
func (r *Registry) Register(name string, h TaskHandler) error {
	if name == "" {
		return flow.NewError(flow.ErrCodeValidation, "task handler name is empty")
	}
	if h == nil {
		return flow.NewErrorf(flow.ErrCodeValidation, "task handler %q is nil", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[name]; exists {
		return flow.NewErrorf(flow.ErrCodeValidation, "task handler %q already registered", name)
	}

	r.handlers[name] = h
	return nil
}

// Get retrieves a handler by name.
func (r *Registry) Get(name string) (TaskHandler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[name]
	if !ok {
		return nil, flow.NewErrorf(flow.ErrCodeNotFound, "task handler %q not registered", name)
	}
	return h, nil
}

// Has checks if a handler is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[name]
	return ok
}

// Names returns all registered handler names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
