package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Message is one pending outbox row.
type Message struct {
	ID          string
	Topic       string
	AggregateID string
	Payload     []byte
	Attempts    int
	OccurredAt  time.Time
}

// Store claims and settles outbox rows. Claim must skip rows locked by other
// relays so several instances can drain concurrently.
type Store interface {
	Claim(ctx context.Context, tx pgx.Tx, limit int) ([]Message, error)
	MarkPublished(ctx context.Context, tx pgx.Tx, id string, at time.Time) error
	MarkFailed(ctx context.Context, tx pgx.Tx, id string, attempts int, dead bool, lastErr string) error
}

type PGStore struct{}

func NewStore() *PGStore { return &PGStore{} }

func (PGStore) Claim(ctx context.Context, tx pgx.Tx, limit int) ([]Message, error) {
	const q = `
SELECT id::text, topic, aggregate_id, payload::text, attempts, occurred_at
FROM outbox
WHERE published_at IS NULL AND dead = false
ORDER BY occurred_at, id
LIMIT $1
FOR UPDATE SKIP LOCKED
`
	rows, err := tx.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("outbox: claim: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var (
			m       Message
			payload string
		)
		if err := rows.Scan(&m.ID, &m.Topic, &m.AggregateID, &payload, &m.Attempts, &m.OccurredAt); err != nil {
			return nil, fmt.Errorf("outbox: scan: %w", err)
		}
		m.Payload = []byte(payload)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox: iterate: %w", err)
	}
	return out, nil
}

func (PGStore) MarkPublished(ctx context.Context, tx pgx.Tx, id string, at time.Time) error {
	if _, err := tx.Exec(ctx, `UPDATE outbox SET published_at = $2, attempts = attempts + 1, last_error = NULL WHERE id = $1`, id, at); err != nil {
		return fmt.Errorf("outbox: mark published: %w", err)
	}
	return nil
}

func (PGStore) MarkFailed(ctx context.Context, tx pgx.Tx, id string, attempts int, dead bool, lastErr string) error {
	if _, err := tx.Exec(ctx, `UPDATE outbox SET attempts = $2, dead = $3, last_error = $4 WHERE id = $1`, id, attempts, dead, lastErr); err != nil {
		return fmt.Errorf("outbox: mark failed: %w", err)
	}
	return nil
}
