package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrInsufficientHold is returned when a release or refund exceeds what is left on the hold.
	ErrInsufficientHold = errors.New("ledger: amount exceeds remaining hold")
	// ErrHoldNotFound is returned when the hold receipt does not match a recorded hold.
	ErrHoldNotFound = errors.New("ledger: hold not found")
	// ErrInvalidAmount is returned for non-positive amounts.
	ErrInvalidAmount = errors.New("ledger: amount must be positive")
)

// EntryKind distinguishes the two ways money leaves a hold.
type EntryKind string

const (
	EntryRelease EntryKind = "release"
	EntryRefund  EntryKind = "refund"
)

// HoldReceipt proves escrowed funds were committed against a deal.
type HoldReceipt struct {
	ID        string
	DealID    string
	Amount    decimal.Decimal
	Currency  string
	CreatedAt time.Time
}

// Receipt proves a release or refund was booked against a hold.
type Receipt struct {
	ID        string
	HoldID    string
	Kind      EntryKind
	Amount    decimal.Decimal
	ToUserID  string
	Reference string
	CreatedAt time.Time
}

// HoldRequest asks the gateway to commit Amount against DealID. Reference is
// an idempotency key: repeating it returns the original receipt.
type HoldRequest struct {
	DealID    string
	Amount    decimal.Decimal
	Currency  string
	Reference string
}

// TransferRequest moves Amount out of a hold to ToUserID.
type TransferRequest struct {
	Hold      HoldReceipt
	Amount    decimal.Decimal
	ToUserID  string
	Reference string
}

// Gateway is the fund-custody collaborator. Implementations must treat
// Reference as an idempotency key.
type Gateway interface {
	Hold(ctx context.Context, req HoldRequest) (HoldReceipt, error)
	Release(ctx context.Context, req TransferRequest) (Receipt, error)
	Refund(ctx context.Context, req TransferRequest) (Receipt, error)
	// FindHold returns the hold booked under reference, or ErrHoldNotFound.
	FindHold(ctx context.Context, reference string) (HoldReceipt, error)
}

// IsPermanent reports whether retrying err cannot succeed.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrInsufficientHold) ||
		errors.Is(err, ErrHoldNotFound) ||
		errors.Is(err, ErrInvalidAmount)
}
