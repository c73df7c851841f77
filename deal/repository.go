package deal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"safeswap/lifecycle"
)

// Repository persists the deal aggregate (deal plus milestones) as one unit.
type Repository interface {
	Insert(ctx context.Context, tx pgx.Tx, d Deal) (Deal, error)
	// GetForUpdate loads the aggregate and holds the deal row lock until tx ends.
	GetForUpdate(ctx context.Context, tx pgx.Tx, dealID string) (Deal, error)
	// Save writes the aggregate if its version is unchanged and bumps it.
	Save(ctx context.Context, tx pgx.Tx, d Deal) (Deal, error)
	AppendTimeline(ctx context.Context, tx pgx.Tx, entry TimelineEntry) error
	DealIDForMilestone(ctx context.Context, milestoneID string) (string, error)
	Get(ctx context.Context, dealID string) (Deal, error)
	ListForUser(ctx context.Context, userID string, filter ListFilter) ([]Deal, error)
	Timeline(ctx context.Context, dealID string) ([]TimelineEntry, error)
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

const dealColumns = `
id::text, buyer_id::text, seller_id::text, title, description, category,
amount::text, currency, escrow_fee::text, status, hold_id, version,
created_at, updated_at, funded_at, completed_at`

const milestoneColumns = `
id::text, deal_id::text, title, description, amount::text, position, due_date, status,
released::text, refunded::text, settlement, started_at, completed_at, approved_at`

func (r *PGRepository) Insert(ctx context.Context, tx pgx.Tx, d Deal) (Deal, error) {
	const insertSQL = `
INSERT INTO deals (id, buyer_id, seller_id, title, description, category, amount, currency, escrow_fee, status, version, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7::numeric, $8, $9::numeric, $10, 1, $11, $11)
`
	if _, err := tx.Exec(ctx, insertSQL,
		d.ID, d.BuyerID, nullable(d.SellerID), d.Title, d.Description, d.Category,
		d.Amount.String(), d.Currency, d.EscrowFee.String(), string(d.Status), d.CreatedAt,
	); err != nil {
		return Deal{}, fmt.Errorf("deal: insert: %w", mapPgError(err))
	}
	for _, m := range d.Milestones {
		if err := upsertMilestone(ctx, tx, m); err != nil {
			return Deal{}, err
		}
	}
	d.Version = 1
	return d, nil
}

func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, dealID string) (Deal, error) {
	return loadDeal(ctx, tx, dealID, true)
}

func (r *PGRepository) Get(ctx context.Context, dealID string) (Deal, error) {
	return loadDeal(ctx, r.pool, dealID, false)
}

func (r *PGRepository) Save(ctx context.Context, tx pgx.Tx, d Deal) (Deal, error) {
	const updateSQL = `
UPDATE deals
SET seller_id = $2,
    status = $3,
    escrow_fee = $4::numeric,
    hold_id = $5,
    funded_at = $6,
    completed_at = $7,
    updated_at = $8,
    version = version + 1
WHERE id = $1 AND version = $9
RETURNING version
`
	var version int
	err := tx.QueryRow(ctx, updateSQL,
		d.ID, nullable(d.SellerID), string(d.Status), d.EscrowFee.String(), nullable(d.HoldID),
		d.FundedAt, d.CompletedAt, d.UpdatedAt, d.Version,
	).Scan(&version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Deal{}, fmt.Errorf("deal: save %s at version %d: %w", d.ID, d.Version, lifecycle.ErrConcurrencyConflict)
		}
		return Deal{}, fmt.Errorf("deal: save: %w", mapPgError(err))
	}

	ids := make([]string, 0, len(d.Milestones))
	for _, m := range d.Milestones {
		if err := upsertMilestone(ctx, tx, m); err != nil {
			return Deal{}, err
		}
		ids = append(ids, m.ID)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM milestones WHERE deal_id = $1 AND NOT (id = ANY($2::uuid[]))`, d.ID, ids); err != nil {
		return Deal{}, fmt.Errorf("deal: prune milestones: %w", err)
	}

	d.Version = version
	return d, nil
}

func upsertMilestone(ctx context.Context, tx pgx.Tx, m Milestone) error {
	const upsertSQL = `
INSERT INTO milestones (id, deal_id, title, description, amount, position, due_date, status, released, refunded, settlement, started_at, completed_at, approved_at)
VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, $8, $9::numeric, $10::numeric, $11, $12, $13, $14)
ON CONFLICT (id) DO UPDATE
SET status = EXCLUDED.status,
    released = EXCLUDED.released,
    refunded = EXCLUDED.refunded,
    settlement = EXCLUDED.settlement,
    started_at = EXCLUDED.started_at,
    completed_at = EXCLUDED.completed_at,
    approved_at = EXCLUDED.approved_at
`
	if _, err := tx.Exec(ctx, upsertSQL,
		m.ID, m.DealID, m.Title, m.Description, m.Amount.String(), m.Order, m.DueDate, string(m.Status),
		m.Released.String(), m.Refunded.String(), nullable(string(m.Settlement)),
		m.StartedAt, m.CompletedAt, m.ApprovedAt,
	); err != nil {
		return fmt.Errorf("deal: upsert milestone: %w", mapPgError(err))
	}
	return nil
}

func (r *PGRepository) AppendTimeline(ctx context.Context, tx pgx.Tx, entry TimelineEntry) error {
	var payload []byte
	if entry.Payload != nil {
		b, err := json.Marshal(entry.Payload)
		if err != nil {
			return fmt.Errorf("deal: marshal timeline payload: %w", err)
		}
		payload = b
	}
	const insertSQL = `
INSERT INTO timeline_events (deal_id, milestone_id, type, from_status, to_status, actor_id, reason, payload, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
`
	if _, err := tx.Exec(ctx, insertSQL,
		entry.DealID, nullable(entry.MilestoneID), entry.Type, nullable(entry.FromStatus), nullable(entry.ToStatus),
		entry.ActorID, nullable(entry.Reason), payload, entry.CreatedAt,
	); err != nil {
		return fmt.Errorf("deal: insert timeline: %w", err)
	}
	return nil
}

func (r *PGRepository) DealIDForMilestone(ctx context.Context, milestoneID string) (string, error) {
	var dealID string
	err := r.pool.QueryRow(ctx, `SELECT deal_id::text FROM milestones WHERE id = $1`, milestoneID).Scan(&dealID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("deal: milestone %s: %w", milestoneID, lifecycle.ErrNotFound)
		}
		return "", fmt.Errorf("deal: find milestone: %w", err)
	}
	return dealID, nil
}

func (r *PGRepository) ListForUser(ctx context.Context, userID string, filter ListFilter) ([]Deal, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	query := `SELECT ` + dealColumns + `
FROM deals
WHERE (buyer_id = $1 OR seller_id = $1)
  AND ($2 = '' OR status = $2)
ORDER BY created_at DESC, id
LIMIT $3 OFFSET $4`
	rows, err := r.pool.Query(ctx, query, userID, string(filter.Status), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("deal: list: %w", err)
	}
	defer rows.Close()

	deals := make([]Deal, 0, limit)
	index := make(map[string]int)
	ids := make([]string, 0, limit)
	for rows.Next() {
		d, err := scanDeal(rows)
		if err != nil {
			return nil, err
		}
		index[d.ID] = len(deals)
		ids = append(ids, d.ID)
		deals = append(deals, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("deal: iterate deals: %w", err)
	}
	if len(ids) == 0 {
		return deals, nil
	}

	milestones, err := loadMilestones(ctx, r.pool, `deal_id = ANY($1::uuid[])`, ids)
	if err != nil {
		return nil, err
	}
	for _, m := range milestones {
		i := index[m.DealID]
		deals[i].Milestones = append(deals[i].Milestones, m)
	}
	return deals, nil
}

func (r *PGRepository) Timeline(ctx context.Context, dealID string) ([]TimelineEntry, error) {
	rows, err := r.pool.Query(ctx, `
SELECT id, deal_id::text, COALESCE(milestone_id::text, ''), type, COALESCE(from_status, ''), COALESCE(to_status, ''),
       actor_id, COALESCE(reason, ''), payload, created_at
FROM timeline_events
WHERE deal_id = $1
ORDER BY id
`, dealID)
	if err != nil {
		return nil, fmt.Errorf("deal: timeline: %w", err)
	}
	defer rows.Close()

	var out []TimelineEntry
	for rows.Next() {
		var (
			e       TimelineEntry
			payload []byte
		)
		if err := rows.Scan(&e.ID, &e.DealID, &e.MilestoneID, &e.Type, &e.FromStatus, &e.ToStatus, &e.ActorID, &e.Reason, &payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("deal: scan timeline: %w", err)
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &e.Payload); err != nil {
				return nil, fmt.Errorf("deal: decode timeline payload: %w", err)
			}
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("deal: iterate timeline: %w", err)
	}
	return out, nil
}

func loadDeal(ctx context.Context, q querier, dealID string, lock bool) (Deal, error) {
	query := `SELECT ` + dealColumns + ` FROM deals WHERE id = $1`
	if lock {
		query += ` FOR UPDATE`
	}
	d, err := scanDeal(q.QueryRow(ctx, query, dealID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Deal{}, fmt.Errorf("deal: %s: %w", dealID, lifecycle.ErrNotFound)
		}
		return Deal{}, fmt.Errorf("deal: load: %w", mapPgError(err))
	}
	milestones, err := loadMilestones(ctx, q, `deal_id = $1`, dealID)
	if err != nil {
		return Deal{}, err
	}
	d.Milestones = milestones
	return d, nil
}

func loadMilestones(ctx context.Context, q querier, where string, arg any) ([]Milestone, error) {
	rows, err := q.Query(ctx, `SELECT `+milestoneColumns+` FROM milestones WHERE `+where+` ORDER BY deal_id, position`, arg)
	if err != nil {
		return nil, fmt.Errorf("deal: load milestones: %w", err)
	}
	defer rows.Close()

	var out []Milestone
	for rows.Next() {
		var (
			m                          Milestone
			amount, released, refunded string
			status                     string
			settlement                 *string
			description                *string
		)
		if err := rows.Scan(&m.ID, &m.DealID, &m.Title, &description, &amount, &m.Order, &m.DueDate, &status,
			&released, &refunded, &settlement, &m.StartedAt, &m.CompletedAt, &m.ApprovedAt); err != nil {
			return nil, fmt.Errorf("deal: scan milestone: %w", err)
		}
		if description != nil {
			m.Description = *description
		}
		if settlement != nil {
			m.Settlement = Settlement(*settlement)
		}
		m.Status = MilestoneStatus(status)
		if m.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("deal: parse milestone amount: %w", err)
		}
		if m.Released, err = decimal.NewFromString(released); err != nil {
			return nil, fmt.Errorf("deal: parse released: %w", err)
		}
		if m.Refunded, err = decimal.NewFromString(refunded); err != nil {
			return nil, fmt.Errorf("deal: parse refunded: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("deal: iterate milestones: %w", err)
	}
	return out, nil
}

func scanDeal(row pgx.Row) (Deal, error) {
	var (
		d                 Deal
		sellerID, holdID  *string
		description       *string
		category          *string
		amount, escrowFee string
		status            string
		fundedAt          *time.Time
		completedAt       *time.Time
	)
	if err := row.Scan(&d.ID, &d.BuyerID, &sellerID, &d.Title, &description, &category,
		&amount, &d.Currency, &escrowFee, &status, &holdID, &d.Version,
		&d.CreatedAt, &d.UpdatedAt, &fundedAt, &completedAt); err != nil {
		return Deal{}, err
	}
	if sellerID != nil {
		d.SellerID = *sellerID
	}
	if holdID != nil {
		d.HoldID = *holdID
	}
	if description != nil {
		d.Description = *description
	}
	if category != nil {
		d.Category = *category
	}
	d.Status = Status(status)
	d.FundedAt = fundedAt
	d.CompletedAt = completedAt

	var err error
	if d.Amount, err = decimal.NewFromString(amount); err != nil {
		return Deal{}, fmt.Errorf("deal: parse amount: %w", err)
	}
	if d.EscrowFee, err = decimal.NewFromString(escrowFee); err != nil {
		return Deal{}, fmt.Errorf("deal: parse escrow fee: %w", err)
	}
	return d, nil
}

// mapPgError turns lock timeouts, serialization failures and deadlocks into
// ErrConcurrencyConflict so callers know to retry.
func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "55P03", "40001", "40P01":
			return fmt.Errorf("%w: %s", lifecycle.ErrConcurrencyConflict, pgErr.Message)
		}
	}
	return err
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
