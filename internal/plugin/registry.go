package plugin

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrPluginNotFound is returned when a plugin id is not loaded.
var ErrPluginNotFound = errors.New("plugin not found")

// Registry holds loaded plugins indexed by id.
type Registry struct {
	mu      sync.RWMutex
	plugins map[string]Descriptor
}

// NewRegistry creates an empty plugin registry.
func NewRegistry() *Registry {
	return &Registry{plugins: make(map[string]Descriptor)}
}

// Add registers a plugin. Ids must be unique.
func (r *Registry) Add(d Descriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.plugins[d.ID]; exists {
		return fmt.Errorf("plugin %q already registered", d.ID)
	}
	r.plugins[d.ID] = d.clone()
	return nil
}

// Remove unregisters id and returns what was removed.
func (r *Registry) Remove(id string) (Descriptor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.plugins[id]
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %s", ErrPluginNotFound, id)
	}
	delete(r.plugins, id)
	return d, nil
}

// Get retrieves a copy of the plugin registered as id.
func (r *Registry) Get(id string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.plugins[id]
	if !ok {
		return Descriptor{}, false
	}
	return d.clone(), true
}

// All returns copies of every registered plugin, sorted by id.
func (r *Registry) All() []Descriptor {
	r.mu.RLock()
	out := make([]Descriptor, 0, len(r.plugins))
	for _, d := range r.plugins {
		out = append(out, d.clone())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of registered plugins.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.plugins)
}
