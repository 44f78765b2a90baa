package worker

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/petrijr/evalflow/pkg/api"
)

// Handler executes one claimed task. A nil error completes the task; any
// other error is recorded as a failed attempt and retried according to the
// queue's retry policy unless it is wrapped with api.Permanent.
type Handler func(ctx context.Context, task *api.Task) (api.Result, error)

// Registry maps task names to handlers. It is built once at startup and read
// concurrently by workers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds a handler. Empty names, nil handlers and duplicates are
// rejected.
func (r *Registry) Register(name string, h Handler) error {
	if name == "" {
		return fmt.Errorf("%w: empty task name", api.ErrInvalidArgument)
	}
	if h == nil {
		return fmt.Errorf("%w: nil handler for %q", api.ErrInvalidArgument, name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[name]; exists {
		return fmt.Errorf("%w: handler %q already registered", api.ErrInvalidArgument, name)
	}
	r.handlers[name] = h
	return nil
}

// MustRegister is like Register but panics on error.
func (r *Registry) MustRegister(name string, h Handler) {
	if err := r.Register(name, h); err != nil {
		panic(err)
	}
}

func (r *Registry) Lookup(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Names returns the registered task names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Validate returns an error wrapping api.ErrUnknownTask that lists every
// name without a handler.
func (r *Registry) Validate(names ...string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var missing []string
	for _, name := range names {
		if _, ok := r.handlers[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: no handler for %s", api.ErrUnknownTask, strings.Join(missing, ", "))
	}
	return nil
}
