package backend

import (
	"fmt"
	"sort"
	"sync"

	"github.com/nhle/userexternal/internal/model"
)

// Factory creates a Backend from configuration.
type Factory func(cfg model.BackendConfig, deps Deps) (Backend, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[Kind]Factory)
)

// Register adds a backend factory to the registry.
// It panics if called with an empty kind or nil factory,
// or if the kind is already registered.
func Register(kind Kind, factory Factory) {
	if kind == "" {
		panic("backend: Register called with empty kind")
	}
	if factory == nil {
		panic("backend: Register called with nil factory")
	}

	registryMu.Lock()
	defer registryMu.Unlock()

	if _, exists := registry[kind]; exists {
		panic("backend: Register called twice for " + string(kind))
	}
	registry[kind] = factory
}

// Open creates a Backend using the registered factory for cfg.Type.
func Open(cfg model.BackendConfig, deps Deps) (Backend, error) {
	registryMu.RLock()
	factory, ok := registry[Kind(cfg.Type)]
	registryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrKindNotRegistered, cfg.Type)
	}
	if _, err := cfg.Section(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfigInvalid, err)
	}

	b, err := factory(cfg, deps)
	if err != nil {
		return nil, fmt.Errorf("opening %s backend: %w", cfg.Type, err)
	}
	return b, nil
}

// OpenAll opens every configured backend in order.
func OpenAll(cfgs []model.BackendConfig, deps Deps) ([]Backend, error) {
	backends := make([]Backend, 0, len(cfgs))
	for i, cfg := range cfgs {
		b, err := Open(cfg, deps)
		if err != nil {
			return nil, fmt.Errorf("backends[%d]: %w", i, err)
		}
		backends = append(backends, b)
	}
	return backends, nil
}

// Registered returns a sorted list of registered backend kinds.
func Registered() []Kind {
	registryMu.RLock()
	defer registryMu.RUnlock()

	kinds := make([]Kind, 0, len(registry))
	for k := range registry {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}
