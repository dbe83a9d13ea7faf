package server

import (
	"fmt"
	"slices"

	"github.com/gostdlib/base/concurrency/sync"

	"github.com/bearlytools/tern/rpc/call"
	"github.com/bearlytools/tern/rpc/errors"
)

var (
	// ErrHandlerExists is returned when trying to register a handler that already exists.
	ErrHandlerExists = errors.New("handler already registered")
	// ErrShapeMismatch is returned when a handler's kind does not match its descriptor.
	ErrShapeMismatch = errors.New("handler kind does not match method descriptor")
)

type entry struct {
	desc    call.Descriptor
	handler Handler
}

// Registry maps method paths to handlers.
type Registry struct {
	handlers map[string]entry
	mu       sync.RWMutex
}

// NewRegistry creates a new handler registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]entry),
	}
}

// Register registers h for desc.
func (r *Registry) Register(desc call.Descriptor, h Handler) error {
	if err := desc.Validate(); err != nil {
		return err
	}
	if h == nil {
		return fmt.Errorf("nil handler for %s", desc.Path())
	}
	if h.Kind() != desc.Kind() {
		return fmt.Errorf("%w: %s is %s, handler is %s", ErrShapeMismatch, desc.Path(), desc.Kind(), h.Kind())
	}

	key := desc.Path()

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[key]; exists {
		return fmt.Errorf("%w: %s", ErrHandlerExists, key)
	}

	r.handlers[key] = entry{desc: desc, handler: h}
	return nil
}

// Lookup finds the handler registered for path ("/<service>/<method>").
func (r *Registry) Lookup(path string) (call.Descriptor, Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.handlers[path]
	return e.desc, e.handler, ok
}

// Methods returns the descriptors of all registered methods sorted by path.
func (r *Registry) Methods() []call.Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]call.Descriptor, 0, len(r.handlers))
	for _, e := range r.handlers {
		out = append(out, e.desc)
	}
	slices.SortFunc(out, func(a, b call.Descriptor) int {
		switch {
		case a.Path() < b.Path():
			return -1
		case a.Path() > b.Path():
			return 1
		}
		return 0
	})
	return out
}
