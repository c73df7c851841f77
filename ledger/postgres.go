package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// PGGateway books holds and entries in the ledger tables. It runs on its own
// connections so that, like an external processor, its writes survive a
// rollback of the caller's transaction.
type PGGateway struct {
	pool *pgxpool.Pool
}

func NewPGGateway(pool *pgxpool.Pool) *PGGateway {
	return &PGGateway{pool: pool}
}

func (g *PGGateway) Hold(ctx context.Context, req HoldRequest) (HoldReceipt, error) {
	if !req.Amount.IsPositive() {
		return HoldReceipt{}, ErrInvalidAmount
	}
	if req.Reference == "" {
		return HoldReceipt{}, fmt.Errorf("ledger: hold reference required")
	}

	const insertSQL = `
INSERT INTO ledger_holds (id, deal_id, amount, currency, reference)
VALUES ($1, $2, $3::numeric, $4, $5)
ON CONFLICT (reference) DO NOTHING
RETURNING id::text, deal_id::text, amount::text, currency, created_at
`
	receipt, err := scanHold(g.pool.QueryRow(ctx, insertSQL, uuid.NewString(), req.DealID, req.Amount.String(), req.Currency, req.Reference))
	if err == nil {
		return receipt, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return HoldReceipt{}, fmt.Errorf("ledger: insert hold: %w", err)
	}

	const existingSQL = `
SELECT id::text, deal_id::text, amount::text, currency, created_at
FROM ledger_holds
WHERE reference = $1
`
	receipt, err = scanHold(g.pool.QueryRow(ctx, existingSQL, req.Reference))
	if err != nil {
		return HoldReceipt{}, fmt.Errorf("ledger: load existing hold: %w", err)
	}
	return receipt, nil
}

func (g *PGGateway) FindHold(ctx context.Context, reference string) (HoldReceipt, error) {
	receipt, err := scanHold(g.pool.QueryRow(ctx, `
SELECT id::text, deal_id::text, amount::text, currency, created_at
FROM ledger_holds
WHERE reference = $1
`, reference))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return HoldReceipt{}, ErrHoldNotFound
		}
		return HoldReceipt{}, fmt.Errorf("ledger: find hold: %w", err)
	}
	return receipt, nil
}

func (g *PGGateway) Release(ctx context.Context, req TransferRequest) (Receipt, error) {
	return g.transfer(ctx, EntryRelease, req)
}

func (g *PGGateway) Refund(ctx context.Context, req TransferRequest) (Receipt, error) {
	return g.transfer(ctx, EntryRefund, req)
}

func (g *PGGateway) transfer(ctx context.Context, kind EntryKind, req TransferRequest) (Receipt, error) {
	if !req.Amount.IsPositive() {
		return Receipt{}, ErrInvalidAmount
	}
	if req.Reference == "" {
		return Receipt{}, fmt.Errorf("ledger: %s reference required", kind)
	}

	tx, err := g.pool.Begin(ctx)
	if err != nil {
		return Receipt{}, fmt.Errorf("ledger: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	const existingSQL = `
SELECT id::text, hold_id::text, kind, amount::text, to_user_id::text, reference, created_at
FROM ledger_entries
WHERE reference = $1
`
	existing, err := scanEntry(tx.QueryRow(ctx, existingSQL, req.Reference))
	switch {
	case err == nil:
		return existing, nil
	case errors.Is(err, pgx.ErrNoRows):
	default:
		return Receipt{}, fmt.Errorf("ledger: check existing entry: %w", err)
	}

	var amountText, releasedText, refundedText string
	err = tx.QueryRow(ctx, `
SELECT amount::text, released::text, refunded::text
FROM ledger_holds
WHERE id = $1
FOR UPDATE
`, req.Hold.ID).Scan(&amountText, &releasedText, &refundedText)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Receipt{}, ErrHoldNotFound
		}
		return Receipt{}, fmt.Errorf("ledger: lock hold: %w", err)
	}

	remaining := decimal.RequireFromString(amountText).
		Sub(decimal.RequireFromString(releasedText)).
		Sub(decimal.RequireFromString(refundedText))
	if req.Amount.GreaterThan(remaining) {
		return Receipt{}, fmt.Errorf("%w: requested %s, remaining %s", ErrInsufficientHold, req.Amount, remaining)
	}

	column := "released"
	if kind == EntryRefund {
		column = "refunded"
	}
	if _, err := tx.Exec(ctx, fmt.Sprintf(`UPDATE ledger_holds SET %s = %s + $1::numeric WHERE id = $2`, column, column), req.Amount.String(), req.Hold.ID); err != nil {
		return Receipt{}, fmt.Errorf("ledger: update hold: %w", err)
	}

	const insertSQL = `
INSERT INTO ledger_entries (id, hold_id, kind, amount, to_user_id, reference)
VALUES ($1, $2, $3, $4::numeric, $5, $6)
RETURNING id::text, hold_id::text, kind, amount::text, to_user_id::text, reference, created_at
`
	receipt, err := scanEntry(tx.QueryRow(ctx, insertSQL, uuid.NewString(), req.Hold.ID, string(kind), req.Amount.String(), req.ToUserID, req.Reference))
	if err != nil {
		return Receipt{}, fmt.Errorf("ledger: insert entry: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Receipt{}, fmt.Errorf("ledger: commit: %w", err)
	}
	return receipt, nil
}

func scanHold(row pgx.Row) (HoldReceipt, error) {
	var (
		receipt    HoldReceipt
		amountText string
		createdAt  time.Time
	)
	if err := row.Scan(&receipt.ID, &receipt.DealID, &amountText, &receipt.Currency, &createdAt); err != nil {
		return HoldReceipt{}, err
	}
	amount, err := decimal.NewFromString(amountText)
	if err != nil {
		return HoldReceipt{}, fmt.Errorf("ledger: parse hold amount: %w", err)
	}
	receipt.Amount = amount
	receipt.CreatedAt = createdAt
	return receipt, nil
}

func scanEntry(row pgx.Row) (Receipt, error) {
	var (
		receipt    Receipt
		kind       string
		amountText string
	)
	if err := row.Scan(&receipt.ID, &receipt.HoldID, &kind, &amountText, &receipt.ToUserID, &receipt.Reference, &receipt.CreatedAt); err != nil {
		return Receipt{}, err
	}
	amount, err := decimal.NewFromString(amountText)
	if err != nil {
		return Receipt{}, fmt.Errorf("ledger: parse entry amount: %w", err)
	}
	receipt.Kind = EntryKind(kind)
	receipt.Amount = amount
	return receipt, nil
}
