// Package serverping periodically tells every elastic agent plugin that the
// server is alive, so plugins can reconcile the agents they manage.
package serverping

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mattjoyce/pluginhost/internal/events"
	"github.com/mattjoyce/pluginhost/internal/extension/elastic"
	"github.com/mattjoyce/pluginhost/internal/log"
	"github.com/mattjoyce/pluginhost/internal/msgqueue"
	"github.com/mattjoyce/pluginhost/internal/plugin"
)

// QueueName is the per-plugin queue server pings are delivered through.
const QueueName = "elastic-agent-server-ping"

const (
	messageKind     = "server-ping"
	DefaultInterval = time.Minute
)

// Profiles returns the cluster profiles configured for an elastic plugin.
type Profiles func(pluginID string) []map[string]string

// Pinger enqueues a server ping for each elastic plugin every interval.
type Pinger struct {
	ext      *elastic.Extension
	queues   *msgqueue.Registry
	profiles Profiles
	interval time.Duration
	hub      *events.Hub
	logger   *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a pinger. A nil profiles func sends no cluster profiles.
func New(ext *elastic.Extension, queues *msgqueue.Registry, profiles Profiles, interval time.Duration, hub *events.Hub) *Pinger {
	if profiles == nil {
		profiles = func(string) []map[string]string { return nil }
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Pinger{
		ext:      ext,
		queues:   queues,
		profiles: profiles,
		interval: interval,
		hub:      hub,
		logger:   log.WithComponent("serverping"),
		stopCh:   make(chan struct{}),
	}
}

// Register adds the server ping queue family. Call it before plugins load.
func (p *Pinger) Register(opts msgqueue.Options) error {
	err := p.queues.Register(msgqueue.Registration{
		Name:      QueueName,
		Predicate: func(d plugin.Descriptor) bool { return d.Implements(elastic.ExtensionID) },
		Options:   opts,
		Factory:   func(plugin.Descriptor) msgqueue.Handler { return p.deliver },
	})
	if err != nil {
		return fmt.Errorf("register server ping queue: %w", err)
	}
	return nil
}

func (p *Pinger) deliver(ctx context.Context, pluginID string, msg msgqueue.Message) error {
	profiles, _ := msg.Payload.([]map[string]string)
	return p.ext.ServerPing(ctx, pluginID, profiles)
}

// PingAll enqueues one ping per plugin that has a server ping queue and
// returns how many were accepted.
func (p *Pinger) PingAll() int {
	accepted := 0
	for _, id := range p.queues.Plugins(QueueName) {
		msg := msgqueue.NewMessage(messageKind, p.profiles(id))
		if p.queues.Enqueue(QueueName, id, msg) {
			accepted++
		}
	}
	if p.hub != nil {
		p.hub.Publish(events.ServerPingEnqueued, map[string]int{"accepted": accepted})
	}
	p.logger.Debug("server ping enqueued", "plugins", accepted)
	return accepted
}

// Start pings once immediately and then every interval until Stop or ctx ends.
func (p *Pinger) Start(ctx context.Context) {
	p.logger.Info("starting server ping", "interval", p.interval)
	p.wg.Add(1)
	go p.loop(ctx)
}

func (p *Pinger) loop(ctx context.Context) {
	defer p.wg.Done()
	p.PingAll()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.PingAll()
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop ends the ping loop. Queued pings are drained by the queue registry.
func (p *Pinger) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
		p.wg.Wait()
		p.logger.Info("server ping stopped")
	})
}
