package tasks

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps handler names to handlers. It is populated once during
// process initialization and frozen before any queue begins pulling;
// after Freeze, registration attempts fail and lookups are lock-free
// reads in practice.
type Registry struct {
	handlers map[string]Handler
	frozen   bool
	mu       sync.RWMutex
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
	}
}

// Register adds a handler under a name. Registering after Freeze or
// registering the same name twice is a startup wiring bug and fails
// loudly.
func (r *Registry) Register(name string, handler Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return fmt.Errorf("registry is frozen, cannot register %s", name)
	}
	if _, exists := r.handlers[name]; exists {
		return fmt.Errorf("handler %s is already registered", name)
	}
	if handler == nil {
		return fmt.Errorf("handler %s is nil", name)
	}

	r.handlers[name] = handler
	return nil
}

// MustRegister is Register for startup wiring paths where a failure
// should abort the process.
func (r *Registry) MustRegister(name string, handler Handler) {
	if err := r.Register(name, handler); err != nil {
		panic(err)
	}
}

// Freeze closes the registry to further registration.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

// Resolve looks up a handler by name.
func (r *Registry) Resolve(name string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	handler, exists := r.handlers[name]
	if !exists {
		return nil, &UnknownTaskError{Name: name}
	}
	return handler, nil
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

// Count returns the number of registered handlers.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}
