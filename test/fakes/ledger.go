package fakes

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"safeswap/ledger"
)

// Ledger is an in-memory ledger.Gateway. Failures are scripted per operation.
type Ledger struct {
	mu sync.Mutex

	// HoldErr, ReleaseErr and RefundErr fail the matching call when set.
	HoldErr    error
	ReleaseErr error
	RefundErr  error
	FindErr    error
	// HoldAckErr books the hold and then fails the call, as when the
	// processor commits but its reply is lost.
	HoldAckErr error
	// Block makes every call wait for ctx to end, emulating a hung gateway.
	Block bool

	HoldCalls    int
	ReleaseCalls int
	RefundCalls  int

	holds    map[string]ledger.HoldReceipt
	entries  map[string]ledger.Receipt
	Releases []ledger.Receipt
	Refunds  []ledger.Receipt
}

func (l *Ledger) init() {
	if l.holds == nil {
		l.holds = make(map[string]ledger.HoldReceipt)
		l.entries = make(map[string]ledger.Receipt)
	}
}

func (l *Ledger) wait(ctx context.Context) error {
	if !l.Block {
		return nil
	}
	<-ctx.Done()
	return ctx.Err()
}

func (l *Ledger) Hold(ctx context.Context, req ledger.HoldRequest) (ledger.HoldReceipt, error) {
	if err := l.wait(ctx); err != nil {
		return ledger.HoldReceipt{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.init()
	l.HoldCalls++
	if l.HoldErr != nil {
		return ledger.HoldReceipt{}, l.HoldErr
	}
	if existing, ok := l.holds[req.Reference]; ok {
		return existing, nil
	}
	receipt := ledger.HoldReceipt{
		ID:        uuid.NewString(),
		DealID:    req.DealID,
		Amount:    req.Amount,
		Currency:  req.Currency,
		CreatedAt: time.Now().UTC(),
	}
	l.holds[req.Reference] = receipt
	if l.HoldAckErr != nil {
		return ledger.HoldReceipt{}, l.HoldAckErr
	}
	return receipt, nil
}

func (l *Ledger) FindHold(ctx context.Context, reference string) (ledger.HoldReceipt, error) {
	if err := l.wait(ctx); err != nil {
		return ledger.HoldReceipt{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.init()
	if l.FindErr != nil {
		return ledger.HoldReceipt{}, l.FindErr
	}
	receipt, ok := l.holds[reference]
	if !ok {
		return ledger.HoldReceipt{}, ledger.ErrHoldNotFound
	}
	return receipt, nil
}

// Holds reports how many distinct holds were booked.
func (l *Ledger) Holds() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.holds)
}

func (l *Ledger) Release(ctx context.Context, req ledger.TransferRequest) (ledger.Receipt, error) {
	if err := l.wait(ctx); err != nil {
		return ledger.Receipt{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ReleaseCalls++
	if l.ReleaseErr != nil {
		return ledger.Receipt{}, l.ReleaseErr
	}
	receipt, fresh, err := l.transfer(req, ledger.EntryRelease)
	if err == nil && fresh {
		l.Releases = append(l.Releases, receipt)
	}
	return receipt, err
}

func (l *Ledger) Refund(ctx context.Context, req ledger.TransferRequest) (ledger.Receipt, error) {
	if err := l.wait(ctx); err != nil {
		return ledger.Receipt{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.RefundCalls++
	if l.RefundErr != nil {
		return ledger.Receipt{}, l.RefundErr
	}
	receipt, fresh, err := l.transfer(req, ledger.EntryRefund)
	if err == nil && fresh {
		l.Refunds = append(l.Refunds, receipt)
	}
	return receipt, err
}

func (l *Ledger) transfer(req ledger.TransferRequest, kind ledger.EntryKind) (ledger.Receipt, bool, error) {
	l.init()
	if existing, ok := l.entries[req.Reference]; ok {
		return existing, false, nil
	}
	if !req.Amount.IsPositive() {
		return ledger.Receipt{}, false, ledger.ErrInvalidAmount
	}
	var hold *ledger.HoldReceipt
	for _, h := range l.holds {
		if h.ID == req.Hold.ID {
			h := h
			hold = &h
			break
		}
	}
	if hold == nil {
		return ledger.Receipt{}, false, fmt.Errorf("%w: %s", ledger.ErrHoldNotFound, req.Hold.ID)
	}
	if req.Amount.GreaterThan(hold.Amount.Sub(l.movedLocked(hold.ID))) {
		return ledger.Receipt{}, false, ledger.ErrInsufficientHold
	}
	receipt := ledger.Receipt{
		ID:        uuid.NewString(),
		HoldID:    hold.ID,
		Kind:      kind,
		Amount:    req.Amount,
		ToUserID:  req.ToUserID,
		Reference: req.Reference,
		CreatedAt: time.Now().UTC(),
	}
	l.entries[req.Reference] = receipt
	return receipt, true, nil
}

func (l *Ledger) movedLocked(holdID string) decimal.Decimal {
	total := decimal.Zero
	for _, e := range l.entries {
		if e.HoldID == holdID {
			total = total.Add(e.Amount)
		}
	}
	return total
}

// Released sums fresh releases to userID.
func (l *Ledger) Released(userID string) decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	total := decimal.Zero
	for _, r := range l.Releases {
		if r.ToUserID == userID {
			total = total.Add(r.Amount)
		}
	}
	return total
}

// Refunded sums fresh refunds to userID.
func (l *Ledger) Refunded(userID string) decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	total := decimal.Zero
	for _, r := range l.Refunds {
		if r.ToUserID == userID {
			total = total.Add(r.Amount)
		}
	}
	return total
}

func (l *Ledger) Calls() (hold, release, refund int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.HoldCalls, l.ReleaseCalls, l.RefundCalls
}
