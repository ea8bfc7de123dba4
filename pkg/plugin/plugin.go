package plugin

import (
	"context"
	"log/slog"
)

// Plugin defines the lifecycle hooks every plugin implementation must satisfy.
// Hooks are invoked by the manager only; implementations never drive their own
// lifecycle. A hook that returns an error (or panics) marks the instance
// failed without affecting the rest of the system.
type Plugin interface {
	// Init prepares the plugin for use. Called once per instance.
	Init(ctx *ExecutionContext) error
	// Start activates the plugin and may spawn long running routines.
	// Only called from the initialised or stopped state.
	Start(ctx *ExecutionContext) error
	// Stop gracefully halts the plugin. In-flight work may be drained.
	Stop(ctx *ExecutionContext) error
	// Cleanup releases resources for good. After Cleanup the instance is
	// discarded; it is only reused through a reload, which builds a fresh
	// instance.
	Cleanup(ctx *ExecutionContext) error
	// Status returns arbitrary key/value diagnostics for the status surface.
	Status() map[string]any
}

// ExecutionContext is passed to plugins for every lifecycle stage.
type ExecutionContext struct {
	// C is the underlying context for cancellation and deadlines.
	C context.Context
	// Config is the plugin specific configuration block from its manifest.
	Config map[string]any
	// Resources exposes shared services supplied by the host application,
	// looked up by well-known keys the consuming packages export.
	Resources map[string]any
}

// Clone returns a shallow copy of the execution context so plugins can safely
// mutate the maps they receive.
func (c *ExecutionContext) Clone() *ExecutionContext {
	if c == nil {
		return nil
	}
	dup := *c
	if c.Config != nil {
		dup.Config = make(map[string]any, len(c.Config))
		for k, v := range c.Config {
			dup.Config[k] = v
		}
	}
	if c.Resources != nil {
		dup.Resources = make(map[string]any, len(c.Resources))
		for k, v := range c.Resources {
			dup.Resources[k] = v
		}
	}
	return &dup
}

// Resource looks up a shared host resource by key.
func (c *ExecutionContext) Resource(key string) (any, bool) {
	if c == nil || c.Resources == nil {
		return nil, false
	}
	value, ok := c.Resources[key]
	return value, ok
}

// Option modifies the behaviour of a plugin manager instance.
type Option func(*Manager)

// WithResource registers a shared resource that will be exposed to all plugins.
func WithResource(key string, value any) Option {
	return func(m *Manager) {
		if key == "" || value == nil {
			return
		}
		if m.resources == nil {
			m.resources = make(map[string]any)
		}
		m.resources[key] = value
	}
}

// WithEnableOverride forces the enablement of a plugin regardless of its
// manifest default. Overrides survive reloads of the same manager.
func WithEnableOverride(name string, enabled bool) Option {
	return func(m *Manager) {
		if name == "" {
			return
		}
		if m.overrides == nil {
			m.overrides = make(map[string]bool)
		}
		m.overrides[name] = enabled
	}
}

// WithLogger sets the logger used for lifecycle reporting.
func WithLogger(log *slog.Logger) Option {
	return func(m *Manager) {
		if log != nil {
			m.log = log
		}
	}
}
