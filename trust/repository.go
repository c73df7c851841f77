package trust

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository persists scores and their append-only history.
type Repository interface {
	// LockScore returns the latest committed score and holds its row lock
	// until tx ends, creating the record at InitialScore when absent.
	LockScore(ctx context.Context, tx pgx.Tx, userID string) (int, error)
	Append(ctx context.Context, tx pgx.Tx, upd Update) (Update, error)
	Score(ctx context.Context, userID string) (int, error)
	History(ctx context.Context, userID string, limit int) ([]Update, error)
}

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

func (r *PGRepository) LockScore(ctx context.Context, tx pgx.Tx, userID string) (int, error) {
	if _, err := tx.Exec(ctx, `
INSERT INTO trust_scores (user_id, score)
VALUES ($1, $2)
ON CONFLICT (user_id) DO NOTHING
`, userID, InitialScore); err != nil {
		return 0, fmt.Errorf("trust: ensure score row: %w", err)
	}

	var score int
	if err := tx.QueryRow(ctx, `SELECT score FROM trust_scores WHERE user_id = $1 FOR UPDATE`, userID).Scan(&score); err != nil {
		return 0, fmt.Errorf("trust: lock score: %w", err)
	}
	return score, nil
}

func (r *PGRepository) Append(ctx context.Context, tx pgx.Tx, upd Update) (Update, error) {
	const insertSQL = `
INSERT INTO trust_score_updates (id, user_id, previous_score, new_score, kind, reason, deal_id, actor_id)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
RETURNING created_at
`
	if err := tx.QueryRow(ctx, insertSQL,
		upd.ID,
		upd.UserID,
		upd.PreviousScore,
		upd.NewScore,
		string(upd.Kind),
		upd.Reason,
		upd.DealID,
		upd.ActorID,
	).Scan(&upd.CreatedAt); err != nil {
		return Update{}, fmt.Errorf("trust: insert update: %w", err)
	}

	if _, err := tx.Exec(ctx, `
UPDATE trust_scores
SET score = $1,
    updated_at = now()
WHERE user_id = $2
`, upd.NewScore, upd.UserID); err != nil {
		return Update{}, fmt.Errorf("trust: update score: %w", err)
	}
	return upd, nil
}

func (r *PGRepository) Score(ctx context.Context, userID string) (int, error) {
	var score int
	err := r.pool.QueryRow(ctx, `SELECT score FROM trust_scores WHERE user_id = $1`, userID).Scan(&score)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return InitialScore, nil
		}
		return 0, fmt.Errorf("trust: get score: %w", err)
	}
	return score, nil
}

func (r *PGRepository) History(ctx context.Context, userID string, limit int) ([]Update, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	const query = `
SELECT id::text, user_id::text, previous_score, new_score, kind, reason, deal_id::text, actor_id, created_at
FROM trust_score_updates
WHERE user_id = $1
ORDER BY created_at DESC, id DESC
LIMIT $2
`
	rows, err := r.pool.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("trust: history: %w", err)
	}
	defer rows.Close()

	out := make([]Update, 0, limit)
	for rows.Next() {
		var (
			upd  Update
			kind string
		)
		if err := rows.Scan(&upd.ID, &upd.UserID, &upd.PreviousScore, &upd.NewScore, &kind, &upd.Reason, &upd.DealID, &upd.ActorID, &upd.CreatedAt); err != nil {
			return nil, fmt.Errorf("trust: scan update: %w", err)
		}
		upd.Kind = EventKind(kind)
		out = append(out, upd)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("trust: iterate history: %w", err)
	}
	return out, nil
}
