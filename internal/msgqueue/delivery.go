package msgqueue

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Outcome classifies a recorded delivery.
type Outcome string

const (
	OutcomeFailed    Outcome = "failed"
	OutcomeDiscarded Outcome = "discarded"
)

// Delivery is one recorded delivery attempt.
type Delivery struct {
	MessageID   string    `json:"message_id"`
	Queue       string    `json:"queue"`
	PluginID    string    `json:"plugin_id"`
	Kind        string    `json:"kind"`
	Outcome     Outcome   `json:"outcome"`
	Error       string    `json:"error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	CompletedAt time.Time `json:"completed_at"`
}

// DeliveryLog persists deliveries worth inspecting later.
type DeliveryLog interface {
	Record(ctx context.Context, d Delivery) error
}

// SQLiteDeliveryLog writes to the delivery_log table.
type SQLiteDeliveryLog struct {
	db *sql.DB
}

// NewSQLiteDeliveryLog wraps a database opened by storage.OpenSQLite.
func NewSQLiteDeliveryLog(db *sql.DB) *SQLiteDeliveryLog {
	return &SQLiteDeliveryLog{db: db}
}

// Record inserts d. Re-recording a message id overwrites the previous row.
func (l *SQLiteDeliveryLog) Record(ctx context.Context, d Delivery) error {
	var lastErr *string
	if d.Error != "" {
		lastErr = &d.Error
	}
	_, err := l.db.ExecContext(ctx, `
INSERT OR REPLACE INTO delivery_log(id, queue, plugin_id, kind, outcome, last_error, created_at, completed_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?);
`, d.MessageID, d.Queue, d.PluginID, d.Kind, string(d.Outcome), lastErr,
		d.CreatedAt.UTC().Format(time.RFC3339Nano), d.CompletedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert delivery log: %w", err)
	}
	return nil
}

// Recent returns up to limit deliveries for queue, newest first. An empty
// queue name matches every queue.
func (l *SQLiteDeliveryLog) Recent(ctx context.Context, queue string, limit int) ([]Delivery, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.db.QueryContext(ctx, `
SELECT id, queue, plugin_id, kind, outcome, COALESCE(last_error, ''), created_at, completed_at
FROM delivery_log
WHERE ? = '' OR queue = ?
ORDER BY completed_at DESC
LIMIT ?;
`, queue, queue, limit)
	if err != nil {
		return nil, fmt.Errorf("query delivery log: %w", err)
	}
	defer rows.Close()

	var out []Delivery
	for rows.Next() {
		var (
			d                    Delivery
			outcome              string
			createdAt, completed string
		)
		if err := rows.Scan(&d.MessageID, &d.Queue, &d.PluginID, &d.Kind, &outcome, &d.Error, &createdAt, &completed); err != nil {
			return nil, fmt.Errorf("scan delivery log: %w", err)
		}
		d.Outcome = Outcome(outcome)
		d.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		d.CompletedAt, _ = time.Parse(time.RFC3339Nano, completed)
		out = append(out, d)
	}
	return out, rows.Err()
}
