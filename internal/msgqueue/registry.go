package msgqueue

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/mattjoyce/pluginhost/internal/log"
	"github.com/mattjoyce/pluginhost/internal/plugin"
)

// Registration describes a family of per-plugin queues sharing a name.
type Registration struct {
	Name string
	// Predicate selects the plugins that get a queue.
	Predicate func(d plugin.Descriptor) bool
	Options   Options
	// Factory builds the delivery handler for one plugin's queue.
	Factory func(d plugin.Descriptor) Handler
}

// Registry maps (queue name, plugin id) to a running Queue and follows the
// plugin lifecycle. Register every queue family before plugins load; plugins
// already loaded are not backfilled.
type Registry struct {
	mu            sync.RWMutex
	registrations []Registration

	queues  cmap.ConcurrentMap[string, cmap.ConcurrentMap[string, *Queue]]
	options []Option
	logger  *slog.Logger
}

// NewRegistry creates an empty registry. options apply to every queue it creates.
func NewRegistry(options ...Option) *Registry {
	return &Registry{
		queues:  cmap.New[cmap.ConcurrentMap[string, *Queue]](),
		options: options,
		logger:  log.WithComponent("msgqueue"),
	}
}

// Register adds a queue family.
func (r *Registry) Register(reg Registration) error {
	if reg.Name == "" {
		return fmt.Errorf("queue registration requires a name")
	}
	if reg.Predicate == nil || reg.Factory == nil {
		return fmt.Errorf("queue %q: predicate and factory are required", reg.Name)
	}
	reg.Options = reg.Options.withDefaults()

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.registrations {
		if existing.Name == reg.Name {
			return fmt.Errorf("queue %q already registered", reg.Name)
		}
	}
	r.registrations = append(r.registrations, reg)
	r.queues.Set(reg.Name, cmap.New[*Queue]())
	return nil
}

func (r *Registry) snapshot() []Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Registration(nil), r.registrations...)
}

// PluginLoaded creates and starts a queue for every matching registration.
func (r *Registry) PluginLoaded(d plugin.Descriptor) {
	for _, reg := range r.snapshot() {
		if !reg.Predicate(d) {
			continue
		}
		byPlugin, ok := r.queues.Get(reg.Name)
		if !ok {
			continue
		}
		q := NewQueue(reg.Name, d.ID, reg.Options, reg.Factory(d), r.options...)
		if err := q.Start(); err != nil {
			r.logger.Error("failed to start plugin queue", "queue", reg.Name, "plugin", d.ID, "error", err)
			continue
		}
		if !byPlugin.SetIfAbsent(d.ID, q) {
			q.Stop(0)
			r.logger.Warn("plugin queue already exists", "queue", reg.Name, "plugin", d.ID)
			continue
		}
		r.logger.Info("plugin queue created", "queue", reg.Name, "plugin", d.ID, "workers", reg.Options.Workers)
	}
}

// PluginUnloaded stops and removes every queue of the plugin, waiting for
// each to drain within its configured timeout.
func (r *Registry) PluginUnloaded(d plugin.Descriptor) {
	for _, reg := range r.snapshot() {
		byPlugin, ok := r.queues.Get(reg.Name)
		if !ok {
			continue
		}
		q, ok := byPlugin.Pop(d.ID)
		if !ok {
			continue
		}
		report := q.Stop(0)
		r.logger.Info("plugin queue destroyed", "queue", reg.Name, "plugin", d.ID,
			"timed_out", report.TimedOut, "discarded", report.Discarded)
	}
}

// Get returns the queue for (name, pluginID).
func (r *Registry) Get(name, pluginID string) (*Queue, bool) {
	byPlugin, ok := r.queues.Get(name)
	if !ok {
		return nil, false
	}
	return byPlugin.Get(pluginID)
}

// Enqueue posts msg to the (name, pluginID) queue. It is a no-op returning
// false when that queue does not exist.
func (r *Registry) Enqueue(name, pluginID string, msg Message) bool {
	q, ok := r.Get(name, pluginID)
	if !ok {
		return false
	}
	return q.Enqueue(msg)
}

// Broadcast posts msg to every plugin queue of name and returns how many
// accepted it.
func (r *Registry) Broadcast(name string, msg Message) int {
	byPlugin, ok := r.queues.Get(name)
	if !ok {
		return 0
	}
	accepted := 0
	for _, q := range byPlugin.Items() {
		if q.Enqueue(msg) {
			accepted++
		}
	}
	return accepted
}

// Plugins lists the plugins that currently have a queue of name, sorted.
func (r *Registry) Plugins(name string) []string {
	byPlugin, ok := r.queues.Get(name)
	if !ok {
		return nil
	}
	ids := byPlugin.Keys()
	sort.Strings(ids)
	return ids
}

// Names lists the registered queue names in registration order.
func (r *Registry) Names() []string {
	regs := r.snapshot()
	out := make([]string, len(regs))
	for i, reg := range regs {
		out[i] = reg.Name
	}
	return out
}

// Close stops every queue concurrently and waits for all drains.
func (r *Registry) Close() {
	var wg sync.WaitGroup
	for _, name := range r.Names() {
		byPlugin, ok := r.queues.Get(name)
		if !ok {
			continue
		}
		for _, id := range byPlugin.Keys() {
			q, ok := byPlugin.Pop(id)
			if !ok {
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				report := q.Stop(0)
				if report.TimedOut {
					r.logger.Warn("plugin queue drain timed out on close", "queue", q.Name(), "plugin", q.PluginID(), "discarded", report.Discarded)
				}
			}()
		}
	}
	wg.Wait()
}
