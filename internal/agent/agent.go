// Package agent defines the capabilities an agent implementation exposes
// to the checkpoint and replay machinery, and the registry that maps class
// paths to constructible types.
//
// The registry replaces reflective module loading: the embedding
// application registers every checkpointable agent type at startup, and
// rehydration fails clearly when a class path is absent.
package agent

import (
	"context"
	"fmt"
	"reflect"
	"sync"
)

// StateExporter is required for an agent to be checkpointable.
type StateExporter interface {
	ExportState() (map[string]any, error)
}

// StateImporter restores an agent's state during rehydration. Optional:
// agents without it are restored by direct field assignment.
type StateImporter interface {
	ImportState(state map[string]any) error
}

// Operable exposes named operations for replay. The replay engine
// re-executes exactly one operation on a rehydrated agent.
type Operable interface {
	RunOperation(ctx context.Context, name string, args ...any) (any, error)
}

// Factory constructs a blank agent instance without running its normal
// initialization. State is restored separately after construction.
type Factory func() any

// Registry maps class paths (fully-qualified type identifiers, e.g.
// "finops/autopilot.Analyzer") to factories, and agent values back to
// their class paths. Safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	names     map[reflect.Type]string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		names:     make(map[reflect.Type]string),
	}
}

// Register binds classPath to factory. The factory is invoked once to
// learn the concrete type so checkpoints can resolve a live agent back to
// its class path. Re-registering a class path is an error.
func (r *Registry) Register(classPath string, factory Factory) error {
	if classPath == "" {
		return fmt.Errorf("agent: empty class path")
	}
	if factory == nil {
		return fmt.Errorf("agent: nil factory for %q", classPath)
	}
	probe := factory()
	if probe == nil {
		return fmt.Errorf("agent: factory for %q returned nil", classPath)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[classPath]; exists {
		return fmt.Errorf("agent: class path %q already registered", classPath)
	}
	r.factories[classPath] = factory
	r.names[reflect.TypeOf(probe)] = classPath
	return nil
}

// Resolve returns the factory for classPath.
func (r *Registry) Resolve(classPath string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[classPath]
	return f, ok
}

// NameFor returns the registered class path for a live agent value.
func (r *Registry) NameFor(v any) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.names[reflect.TypeOf(v)]
	return name, ok
}
