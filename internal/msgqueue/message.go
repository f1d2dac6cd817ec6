package msgqueue

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Message is one unit of asynchronous work. Treat it as immutable once enqueued.
type Message struct {
	ID        string
	Kind      string
	Payload   any
	CreatedAt time.Time
}

// NewMessage stamps a message with a fresh id and the current time.
func NewMessage(kind string, payload any) Message {
	return Message{
		ID:        uuid.NewString(),
		Kind:      kind,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
}

// Handler delivers msg to pluginID. A returned error is logged and counted;
// it never stops the queue.
type Handler func(ctx context.Context, pluginID string, msg Message) error
