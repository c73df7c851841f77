package outbox

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"safeswap/lifecycle"
)

// Writer implements lifecycle.Emitter by appending events to the outbox table
// inside the caller's transaction. Nothing is published until the relay sees
// the committed row.
type Writer struct {
	idGenerator func() string
}

func NewWriter() *Writer {
	return &Writer{idGenerator: uuid.NewString}
}

const insertSQL = `
INSERT INTO outbox (id, topic, aggregate_id, payload, occurred_at)
VALUES ($1, $2, $3, $4::jsonb, $5)
`

func (w *Writer) Emit(ctx context.Context, tx pgx.Tx, ev lifecycle.Event) error {
	if ev == nil {
		return fmt.Errorf("outbox: nil event")
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("outbox: marshal %s: %w", ev.Topic(), err)
	}
	if _, err := tx.Exec(ctx, insertSQL, w.idGenerator(), ev.Topic(), ev.AggregateID(), string(payload), ev.OccurredAt().UTC()); err != nil {
		return fmt.Errorf("outbox: enqueue %s: %w", ev.Topic(), err)
	}
	return nil
}
