package plugin

import (
	"fmt"
	"sort"
	"sync"
)

// Factory builds a fresh plugin instance. Reload always goes through the
// factory so no state survives from the previous incarnation.
type Factory func() Plugin

// Registry maps descriptor names to the compiled-in implementations they
// select. The set of implementations is closed at build time; manifests only
// choose among them.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty factory registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register binds a factory to a descriptor name. Duplicate names are rejected.
func (r *Registry) Register(name string, factory Factory) error {
	if name == "" {
		return fmt.Errorf("registry: plugin name cannot be empty")
	}
	if factory == nil {
		return fmt.Errorf("registry: factory for %s cannot be nil", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[name]; exists {
		return fmt.Errorf("registry: plugin %s already registered", name)
	}
	r.factories[name] = factory
	return nil
}

// MustRegister is Register for wiring code where a duplicate is a programming
// error.
func (r *Registry) MustRegister(name string, factory Factory) {
	if err := r.Register(name, factory); err != nil {
		panic(err)
	}
}

// Lookup returns the factory bound to a name.
func (r *Registry) Lookup(name string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	factory, ok := r.factories[name]
	return factory, ok
}

// Names returns the registered implementation names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
