// Package events is an in-memory pub/sub of host activity: plugin lifecycle,
// metadata refreshes and queue outcomes. It feeds the /events stream.
package events

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mattjoyce/pluginhost/internal/plugin"
)

// Event types published by the host.
const (
	PluginLoaded       = "plugin.loaded"
	PluginUnloaded     = "plugin.unloaded"
	MetadataRefreshed  = "metadata.refreshed"
	SettingsNotified   = "settings.notified"
	ServerPingEnqueued = "serverping.enqueued"
)

type Event struct {
	ID   int64           `json:"id"`
	Type string          `json:"type"`
	At   time.Time       `json:"at"`
	Data json.RawMessage `json:"data"`
}

// Hub keeps the most recent events in a ring buffer so late subscribers can
// catch up, and fans new events out to live subscribers.
type Hub struct {
	nextID atomic.Int64

	mu    sync.Mutex
	ring  []Event
	start int
	size  int

	subs      map[int]chan Event
	nextSubID int
}

func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = 256
	}
	return &Hub{
		ring: make([]Event, capacity),
		subs: make(map[int]chan Event),
	}
}

// Publish records an event. data is marshaled to JSON; values that fail to
// marshal are published as {}.
func (h *Hub) Publish(eventType string, data any) {
	payload := json.RawMessage("{}")
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			payload = b
		}
	}
	ev := Event{
		ID:   h.nextID.Add(1),
		Type: eventType,
		At:   time.Now().UTC(),
		Data: payload,
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.pushLocked(ev)
	for _, ch := range h.subs {
		// Slow subscribers miss events rather than block publishers.
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribe returns a channel of new events and a func that ends the
// subscription and closes the channel.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextSubID
	h.nextSubID++
	ch := make(chan Event, 64)
	h.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.subs, id)
			close(ch)
		})
	}
	return ch, cancel
}

// Since returns buffered events with ID > lastID, oldest first.
func (h *Hub) Since(lastID int64) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Event, 0, h.size)
	for i := 0; i < h.size; i++ {
		ev := h.ring[(h.start+i)%len(h.ring)]
		if ev.ID > lastID {
			out = append(out, ev)
		}
	}
	return out
}

func (h *Hub) pushLocked(ev Event) {
	capacity := len(h.ring)
	if h.size < capacity {
		h.ring[(h.start+h.size)%capacity] = ev
		h.size++
		return
	}
	h.ring[h.start] = ev
	h.start = (h.start + 1) % capacity
}

type pluginEvent struct {
	ID         string   `json:"plugin_id"`
	Version    string   `json:"version,omitempty"`
	Extensions []string `json:"extensions"`
}

// Lifecycle publishes plugin load and unload events. Subscribe it to the
// plugin manager.
type Lifecycle struct{ Hub *Hub }

func (l Lifecycle) PluginLoaded(d plugin.Descriptor) {
	l.Hub.Publish(PluginLoaded, pluginEvent{ID: d.ID, Version: d.Version, Extensions: d.ExtensionNames()})
}

func (l Lifecycle) PluginUnloaded(d plugin.Descriptor) {
	l.Hub.Publish(PluginUnloaded, pluginEvent{ID: d.ID, Version: d.Version, Extensions: d.ExtensionNames()})
}
