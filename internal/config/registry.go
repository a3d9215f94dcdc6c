package config

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/MrWong99/mesmer/internal/engine"
)

// ErrEngineNotRegistered is returned by [Registry.Create] when no factory has
// been registered under the requested engine name.
var ErrEngineNotRegistered = errors.New("config: engine not registered")

// EngineConstructor builds an [engine.Factory] from its configuration block.
type EngineConstructor func(EngineConfig) (engine.Factory, error)

// Registry maps engine names to their constructors. It is safe for
// concurrent use.
type Registry struct {
	mu      sync.RWMutex
	engines map[string]EngineConstructor
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{engines: make(map[string]EngineConstructor)}
}

// Register registers an engine constructor under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) Register(name string, ctor EngineConstructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.engines[name] = ctor
}

// Names returns the registered engine names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.engines))
}

// Create instantiates the engine factory registered under entry.Name.
// Returns [ErrEngineNotRegistered] if no constructor has been registered for
// that name.
func (r *Registry) Create(entry EngineConfig) (engine.Factory, error) {
	r.mu.RLock()
	ctor, ok := r.engines[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrEngineNotRegistered, entry.Name)
	}
	f, err := ctor(entry)
	if err != nil {
		return nil, fmt.Errorf("config: create engine %q: %w", entry.Name, err)
	}
	return f, nil
}
