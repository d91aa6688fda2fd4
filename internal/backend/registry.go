// Package backend defines the storage backend SPI for Tierkeeper.
package backend

import (
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/prn-tf/tierkeeper/internal/domain"
)

// Factory builds a backend instance from a storage location configuration.
// Factories are expected to parse and validate the location's parameters
// before constructing anything.
type Factory func(conf *domain.StorageLocationConfiguration) (Backend, error)

// Registry maps backend type identifiers to factories and caches constructed
// instances per storage location name. Safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	instances *lru.Cache[string, Backend]
}

// NewRegistry creates a Registry able to cache up to maxInstances constructed
// backends.
func NewRegistry(maxInstances int) (*Registry, error) {
	instances, err := lru.New[string, Backend](maxInstances)
	if err != nil {
		return nil, fmt.Errorf("failed to create backend instance cache: %w", err)
	}
	return &Registry{
		factories: make(map[string]Factory),
		instances: instances,
	}, nil
}

// Register binds a backend type identifier to its factory. Registering the
// same identifier twice replaces the previous factory and drops cached
// instances.
func (r *Registry) Register(backendType string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[backendType] = factory
	r.instances.Purge()
}

// Build constructs a backend for the given configuration without caching it.
// Used to validate a configuration before persisting it.
func (r *Registry) Build(conf *domain.StorageLocationConfiguration) (Backend, error) {
	r.mu.RLock()
	factory, ok := r.factories[conf.BackendType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no backend factory registered for type %q (storage %q)", conf.BackendType, conf.Name)
	}
	return factory(conf)
}

// Resolve returns the backend instance for the given storage location,
// constructing and caching it on first use.
func (r *Registry) Resolve(conf *domain.StorageLocationConfiguration) (Backend, error) {
	r.mu.RLock()
	if instance, ok := r.instances.Get(conf.Name); ok {
		r.mu.RUnlock()
		return instance, nil
	}
	factory, ok := r.factories[conf.BackendType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no backend factory registered for type %q (storage %q)", conf.BackendType, conf.Name)
	}

	instance, err := factory(conf)
	if err != nil {
		return nil, fmt.Errorf("failed to build backend for storage %q: %w", conf.Name, err)
	}

	r.mu.Lock()
	r.instances.Add(conf.Name, instance)
	r.mu.Unlock()
	return instance, nil
}

// Invalidate drops the cached instance for a storage location, forcing the
// next Resolve to rebuild it. Called when a location configuration changes.
func (r *Registry) Invalidate(storageName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.instances.Remove(storageName)
}

// Types returns the registered backend type identifiers.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	return types
}
