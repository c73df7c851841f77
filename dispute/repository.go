package dispute

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"safeswap/lifecycle"
)

// Repository stores disputes and their append-only evidence.
type Repository interface {
	Create(ctx context.Context, tx pgx.Tx, rec Record) (Record, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Record, error)
	Update(ctx context.Context, tx pgx.Tx, rec Record) (Record, error)
	// ActiveForScope reports whether a non-terminal dispute exists for the
	// deal (milestoneID empty) or the milestone.
	ActiveForScope(ctx context.Context, tx pgx.Tx, dealID, milestoneID string) (bool, error)
	AddEvidence(ctx context.Context, tx pgx.Tx, ev Evidence) (Evidence, error)
	Get(ctx context.Context, id string) (Record, error)
	ListByDeal(ctx context.Context, dealID string) ([]Record, error)
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const recordColumns = `
id::text, deal_id::text, COALESCE(milestone_id::text, ''), initiator_id::text, reason, description, status,
COALESCE(resolution, ''), COALESCE(resolver_id::text, ''), split_seller::text, split_buyer::text,
released::text, refunded::text, created_at, updated_at, resolved_at`

func (r *PGRepository) Create(ctx context.Context, tx pgx.Tx, rec Record) (Record, error) {
	const insertSQL = `
INSERT INTO disputes (id, deal_id, milestone_id, initiator_id, reason, description, status, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
`
	var milestoneID *string
	if rec.MilestoneID != "" {
		milestoneID = &rec.MilestoneID
	}
	if _, err := tx.Exec(ctx, insertSQL,
		rec.ID, rec.DealID, milestoneID, rec.InitiatorID, string(rec.Reason), rec.Description, string(rec.Status), rec.CreatedAt,
	); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Record{}, fmt.Errorf("dispute: scope already disputed: %w", lifecycle.ErrInvalidTransition)
		}
		return Record{}, fmt.Errorf("dispute: create: %w", err)
	}
	rec.UpdatedAt = rec.CreatedAt
	return rec, nil
}

func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Record, error) {
	return loadRecord(ctx, tx, id, true)
}

func (r *PGRepository) Get(ctx context.Context, id string) (Record, error) {
	return loadRecord(ctx, r.pool, id, false)
}

func (r *PGRepository) Update(ctx context.Context, tx pgx.Tx, rec Record) (Record, error) {
	var sellerShare, buyerShare *string
	if rec.Split != nil {
		s, b := rec.Split.Seller.String(), rec.Split.Buyer.String()
		sellerShare, buyerShare = &s, &b
	}
	var resolverID *string
	if rec.ResolverID != "" {
		resolverID = &rec.ResolverID
	}
	const updateSQL = `
UPDATE disputes
SET status = $2,
    resolution = NULLIF($3, ''),
    resolver_id = $4,
    split_seller = $5::numeric,
    split_buyer = $6::numeric,
    released = $7::numeric,
    refunded = $8::numeric,
    updated_at = $9,
    resolved_at = $10
WHERE id = $1
`
	tag, err := tx.Exec(ctx, updateSQL,
		rec.ID, string(rec.Status), rec.Resolution, resolverID, sellerShare, buyerShare,
		rec.Released.String(), rec.Refunded.String(), rec.UpdatedAt, rec.ResolvedAt,
	)
	if err != nil {
		return Record{}, fmt.Errorf("dispute: update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return Record{}, fmt.Errorf("dispute: %s: %w", rec.ID, lifecycle.ErrNotFound)
	}
	return rec, nil
}

func (r *PGRepository) ActiveForScope(ctx context.Context, tx pgx.Tx, dealID, milestoneID string) (bool, error) {
	const query = `
SELECT EXISTS (
    SELECT 1 FROM disputes
    WHERE deal_id = $1
      AND COALESCE(milestone_id::text, '') = $2
      AND status IN ('open', 'investigating', 'awaiting_response')
)`
	var exists bool
	if err := tx.QueryRow(ctx, query, dealID, milestoneID).Scan(&exists); err != nil {
		return false, fmt.Errorf("dispute: check active: %w", err)
	}
	return exists, nil
}

func (r *PGRepository) AddEvidence(ctx context.Context, tx pgx.Tx, ev Evidence) (Evidence, error) {
	const insertSQL = `
INSERT INTO dispute_evidence (id, dispute_id, submitted_by, description, url, created_at)
VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6)
`
	if _, err := tx.Exec(ctx, insertSQL, ev.ID, ev.DisputeID, ev.SubmittedBy, ev.Description, ev.URL, ev.CreatedAt); err != nil {
		return Evidence{}, fmt.Errorf("dispute: add evidence: %w", err)
	}
	return ev, nil
}

func (r *PGRepository) ListByDeal(ctx context.Context, dealID string) ([]Record, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+recordColumns+` FROM disputes WHERE deal_id = $1 ORDER BY created_at DESC`, dealID)
	if err != nil {
		return nil, fmt.Errorf("dispute: list: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0, 4)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("dispute: scan: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate: %w", err)
	}
	return out, nil
}

func loadRecord(ctx context.Context, q querier, id string, lock bool) (Record, error) {
	query := `SELECT ` + recordColumns + ` FROM disputes WHERE id = $1`
	if lock {
		query += ` FOR UPDATE`
	}
	rec, err := scanRecord(q.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, fmt.Errorf("dispute: %s: %w", id, lifecycle.ErrNotFound)
		}
		return Record{}, fmt.Errorf("dispute: load: %w", err)
	}

	rows, err := q.Query(ctx, `
SELECT id::text, dispute_id::text, submitted_by::text, description, COALESCE(url, ''), created_at
FROM dispute_evidence
WHERE dispute_id = $1
ORDER BY created_at, id
`, id)
	if err != nil {
		return Record{}, fmt.Errorf("dispute: load evidence: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var ev Evidence
		if err := rows.Scan(&ev.ID, &ev.DisputeID, &ev.SubmittedBy, &ev.Description, &ev.URL, &ev.CreatedAt); err != nil {
			return Record{}, fmt.Errorf("dispute: scan evidence: %w", err)
		}
		rec.Evidence = append(rec.Evidence, ev)
	}
	if err := rows.Err(); err != nil {
		return Record{}, fmt.Errorf("dispute: iterate evidence: %w", err)
	}
	return rec, nil
}

func scanRecord(row pgx.Row) (Record, error) {
	var (
		rec                     Record
		reason, status          string
		sellerShare, buyerShare *string
		released, refunded      string
	)
	if err := row.Scan(&rec.ID, &rec.DealID, &rec.MilestoneID, &rec.InitiatorID, &reason, &rec.Description, &status,
		&rec.Resolution, &rec.ResolverID, &sellerShare, &buyerShare, &released, &refunded,
		&rec.CreatedAt, &rec.UpdatedAt, &rec.ResolvedAt); err != nil {
		return Record{}, err
	}
	rec.Reason = Reason(reason)
	rec.Status = Status(status)

	var err error
	if rec.Released, err = decimal.NewFromString(released); err != nil {
		return Record{}, err
	}
	if rec.Refunded, err = decimal.NewFromString(refunded); err != nil {
		return Record{}, err
	}
	if sellerShare != nil && buyerShare != nil {
		split := SplitRatio{}
		if split.Seller, err = decimal.NewFromString(*sellerShare); err != nil {
			return Record{}, err
		}
		if split.Buyer, err = decimal.NewFromString(*buyerShare); err != nil {
			return Record{}, err
		}
		rec.Split = &split
	}
	return rec, nil
}
