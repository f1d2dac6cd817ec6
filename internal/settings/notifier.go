// Package settings delivers plugin settings changes asynchronously, one
// queue per plugin, to every extension the plugin implements.
package settings

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"

	"github.com/mattjoyce/pluginhost/internal/events"
	"github.com/mattjoyce/pluginhost/internal/log"
	"github.com/mattjoyce/pluginhost/internal/msgqueue"
	"github.com/mattjoyce/pluginhost/internal/plugin"
)

// QueueName is the per-plugin queue settings changes go through.
const QueueName = "plugin-settings-changed"

const messageKind = "plugin-settings-changed"

// Target is an extension that can be told about settings changes.
type Target interface {
	Name() string
	CanHandle(pluginID string) bool
	NotifyPluginSettingsChange(ctx context.Context, pluginID string, settings map[string]string) error
}

// Notifier fans settings changes out to the plugin's extensions.
type Notifier struct {
	targets []Target
	queues  *msgqueue.Registry
	hub     *events.Hub
	logger  *slog.Logger
}

// New creates a notifier over targets.
func New(queues *msgqueue.Registry, hub *events.Hub, targets ...Target) *Notifier {
	return &Notifier{
		targets: targets,
		queues:  queues,
		hub:     hub,
		logger:  log.WithComponent("settings"),
	}
}

func (n *Notifier) implementsAny(d plugin.Descriptor) bool {
	for _, t := range n.targets {
		if d.Implements(t.Name()) {
			return true
		}
	}
	return false
}

// Register adds the settings queue family. Call it before plugins load.
func (n *Notifier) Register(opts msgqueue.Options) error {
	err := n.queues.Register(msgqueue.Registration{
		Name:      QueueName,
		Predicate: n.implementsAny,
		Options:   opts,
		Factory:   func(plugin.Descriptor) msgqueue.Handler { return n.deliver },
	})
	if err != nil {
		return fmt.Errorf("register settings queue: %w", err)
	}
	return nil
}

// Notify queues a settings change for pluginID. It returns false when the
// plugin has no settings queue or the queue is full.
func (n *Notifier) Notify(pluginID string, settings map[string]string) bool {
	ok := n.queues.Enqueue(QueueName, pluginID, msgqueue.NewMessage(messageKind, maps.Clone(settings)))
	if !ok {
		n.logger.Warn("settings change not queued", "plugin", pluginID)
	}
	return ok
}

// deliver notifies every implemented extension and joins their errors, so a
// failure on one extension does not skip the others.
func (n *Notifier) deliver(ctx context.Context, pluginID string, msg msgqueue.Message) error {
	settings, _ := msg.Payload.(map[string]string)
	var errs []error
	notified := []string{}
	for _, t := range n.targets {
		if !t.CanHandle(pluginID) {
			continue
		}
		if err := t.NotifyPluginSettingsChange(ctx, pluginID, settings); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", t.Name(), err))
			continue
		}
		notified = append(notified, t.Name())
	}
	if n.hub != nil {
		n.hub.Publish(events.SettingsNotified, map[string]any{"plugin_id": pluginID, "extensions": notified})
	}
	return errors.Join(errs...)
}
