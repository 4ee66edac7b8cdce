// Package timeline appends immutable business events and transactional outbox
// messages inside the caller's transaction, so lifecycle writes and their
// audit trail commit or roll back together.
package timeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Writer appends timeline events for review tasks.
type Writer struct{}

// NewWriter returns a timeline writer. It carries no state; every call runs
// against the supplied transaction.
func NewWriter() *Writer {
	return &Writer{}
}

// Append inserts one event with the next per-task sequence number. Callers
// hold a row lock on the task (or just created it) in the same transaction,
// which keeps the MAX(seq)+1 computation race-free.
func (w *Writer) Append(ctx context.Context, tx pgx.Tx, reviewTaskID string, eventType string, payload map[string]any) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO timeline_events (review_task_id, seq, type, payload)
		VALUES ($1,
		        (SELECT COALESCE(MAX(seq), 0) + 1 FROM timeline_events WHERE review_task_id = $1),
		        $2,
		        $3::jsonb)
	`, reviewTaskID, eventType, mustJSON(payload))
	if err != nil {
		return fmt.Errorf("timeline: append %s: %w", eventType, err)
	}
	return nil
}

// Outbox enqueues messages for asynchronous delivery by an external relay.
type Outbox struct{}

// NewOutbox returns a transactional outbox writer.
func NewOutbox() *Outbox {
	return &Outbox{}
}

// Enqueue inserts one outbox message on the given topic.
func (o *Outbox) Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO outbox (topic, payload)
		VALUES ($1, $2::jsonb)
	`, topic, mustJSON(payload))
	if err != nil {
		return fmt.Errorf("timeline: enqueue outbox %s: %w", topic, err)
	}
	return nil
}

func mustJSON(payload map[string]any) string {
	if payload == nil {
		payload = map[string]any{}
	}
	b, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}
	return string(b)
}
