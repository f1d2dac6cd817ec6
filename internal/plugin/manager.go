package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mattjoyce/pluginhost/internal/log"
	"github.com/mattjoyce/pluginhost/internal/protocol"
	"github.com/mattjoyce/pluginhost/internal/version"
)

// DefaultTimeout bounds a single plugin call when none is configured.
const DefaultTimeout = 30 * time.Second

// Listener observes plugin lifecycle transitions.
type Listener interface {
	PluginLoaded(d Descriptor)
	PluginUnloaded(d Descriptor)
}

// Manager owns the loaded plugins and routes requests to them.
// Listeners are called synchronously, in subscription order.
type Manager struct {
	registry *Registry
	timeout  time.Duration
	logger   *slog.Logger

	mu        sync.Mutex // serializes lifecycle transitions and listener calls
	listeners []Listener
}

// NewManager creates a Manager. A non-positive timeout uses DefaultTimeout.
func NewManager(timeout time.Duration) *Manager {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Manager{
		registry: NewRegistry(),
		timeout:  timeout,
		logger:   log.WithComponent("plugin"),
	}
}

// Subscribe adds a lifecycle listener. Already-loaded plugins are not replayed.
func (m *Manager) Subscribe(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// Load registers d and announces it to listeners.
func (m *Manager) Load(d Descriptor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.registry.Add(d); err != nil {
		return err
	}
	m.logger.Info("plugin loaded", "plugin", d.ID, "version", d.Version, "extensions", d.ExtensionNames())
	for _, l := range m.listeners {
		l.PluginLoaded(d.clone())
	}
	return nil
}

// Unload announces id to listeners and then removes it. The plugin stays
// routable while listeners run, so queues draining on unload still reach it.
func (m *Manager) Unload(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.registry.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrPluginNotFound, id)
	}
	for _, l := range m.listeners {
		l.PluginUnloaded(d.clone())
	}
	if _, err := m.registry.Remove(id); err != nil {
		return err
	}
	m.logger.Info("plugin unloaded", "plugin", id)
	return nil
}

// UnloadAll unloads every plugin, in id order.
func (m *Manager) UnloadAll() {
	for _, d := range m.registry.All() {
		if err := m.Unload(d.ID); err != nil {
			m.logger.Warn("failed to unload plugin", "plugin", d.ID, "error", err)
		}
	}
}

// Get returns the loaded plugin id.
func (m *Manager) Get(id string) (Descriptor, bool) {
	return m.registry.Get(id)
}

// All returns every loaded plugin, sorted by id.
func (m *Manager) All() []Descriptor {
	return m.registry.All()
}

// IsPluginOfType reports whether plugin id is loaded and declares extension.
func (m *Manager) IsPluginOfType(extension, id string) bool {
	d, ok := m.registry.Get(id)
	return ok && d.Implements(extension)
}

// ResolveExtensionVersion negotiates the version to use with plugin id.
func (m *Manager) ResolveExtensionVersion(id, extension string, hostVersions []string) (string, error) {
	d, ok := m.registry.Get(id)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrPluginNotFound, id)
	}
	declared, _ := d.Versions(extension)
	return version.NegotiateFor(extension, id, hostVersions, declared)
}

// SubmitTo runs one request against plugin id's entrypoint.
func (m *Manager) SubmitTo(ctx context.Context, id, extension string, req *protocol.Request) (*protocol.Response, error) {
	d, ok := m.registry.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPluginNotFound, id)
	}
	if !d.Implements(extension) {
		return nil, fmt.Errorf("plugin %q does not implement extension %q", id, extension)
	}
	logger := log.WithPlugin(id).With("extension", extension)
	return spawn(ctx, id, d.Path, d.Entrypoint, req, m.timeout, logger)
}
