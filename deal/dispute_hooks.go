package deal

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"safeswap/db"
	"safeswap/ledger"
	"safeswap/lifecycle"
	"safeswap/trust"
)

// The hooks below run inside a transaction owned by the dispute resolver so
// the dispute record and the deal change commit together.

// DisputeScope addresses a whole deal or, when MilestoneID is set, one milestone.
type DisputeScope struct {
	DisputeID   string
	DealID      string
	MilestoneID string
	Actor       lifecycle.Actor
	Reason      string
}

// FaultParty names who a resolution blames.
type FaultParty string

const (
	FaultNone   FaultParty = ""
	FaultBuyer  FaultParty = "buyer"
	FaultSeller FaultParty = "seller"
)

type Resolution struct {
	DisputeID   string
	DealID      string
	MilestoneID string
	Admin       lifecycle.Actor
	// Settlement selects release, refund or split of the disputed amount.
	Settlement Settlement
	// SellerPercent is the seller's share for SettlementSplit, 0..100.
	SellerPercent decimal.Decimal
	AtFault       FaultParty
	Justification string
}

type ResolutionResult struct {
	Deal     Deal
	Disputed decimal.Decimal
	Released decimal.Decimal
	Refunded decimal.Decimal
}

type Dismissal struct {
	DisputeID   string
	DealID      string
	MilestoneID string
	Admin       lifecycle.Actor
	Reason      string
}

// LockTx loads the deal holding its row lock for the rest of tx.
func (s *Service) LockTx(ctx context.Context, tx pgx.Tx, dealID string) (Deal, error) {
	if err := db.SetLockTimeout(ctx, tx, s.lockTimeout); err != nil {
		return Deal{}, err
	}
	return s.repo.GetForUpdate(ctx, tx, dealID)
}

// OpenDisputeTx moves the scope into dispute. Either party may dispute a deal;
// only the buyer may dispute a milestone. Admins may open either.
func (s *Service) OpenDisputeTx(ctx context.Context, tx pgx.Tx, p DisputeScope) (Deal, error) {
	d, err := s.LockTx(ctx, tx, p.DealID)
	if err != nil {
		return Deal{}, err
	}
	now := s.now().UTC()
	c := &changes{}

	if p.MilestoneID == "" {
		if !p.Actor.IsAdmin() && !d.IsParty(p.Actor.ID) {
			return Deal{}, fmt.Errorf("deal: open dispute by %q: %w", p.Actor.ID, lifecycle.ErrUnauthorized)
		}
		if d.hasDisputedMilestone() {
			return Deal{}, fmt.Errorf("deal: deal dispute while a milestone dispute is open: %w", lifecycle.ErrInvalidTransition)
		}
		from := d.Status
		if err := s.advance(&d, ActionOpenDispute, p.Actor, now, c); err != nil {
			return Deal{}, err
		}
		c.events = append(c.events, lifecycle.DealDisputed{
			Transition: lifecycle.Transition{
				DealID:     d.ID,
				FromStatus: string(from),
				ToStatus:   string(d.Status),
				ActorID:    p.Actor.ID,
				At:         now,
			},
			DisputeID: p.DisputeID,
		})
	} else {
		idx := d.milestoneIndex(p.MilestoneID)
		if idx < 0 {
			return Deal{}, fmt.Errorf("deal: milestone %s: %w", p.MilestoneID, lifecycle.ErrNotFound)
		}
		if !p.Actor.IsAdmin() && p.Actor.ID != d.BuyerID {
			return Deal{}, fmt.Errorf("deal: dispute milestone by %q: %w", p.Actor.ID, lifecycle.ErrUnauthorized)
		}
		if d.Status != StatusFunded && d.Status != StatusInProgress {
			return Deal{}, fmt.Errorf("deal: dispute milestone while deal is %s: %w", d.Status, lifecycle.ErrInvalidTransition)
		}
		if _, err := NextMilestoneStatus(d.Milestones[idx].Status, MilestoneActionDispute); err != nil {
			return Deal{}, err
		}
		if d.Status == StatusFunded {
			if err := s.advance(&d, ActionStartWork, p.Actor, now, c); err != nil {
				return Deal{}, err
			}
		}
		if err := s.disputeMilestone(&d, idx, p.DisputeID, p.Actor, p.Reason, now, c); err != nil {
			return Deal{}, err
		}
	}

	d.UpdatedAt = now
	return s.persist(ctx, tx, d, c)
}

// ResolveDisputeTx settles the disputed amount through the ledger and moves a
// disputed deal to its terminal status. Writes after a successful ledger call
// ignore ctx cancellation; the caller must commit with a context that does the same.
func (s *Service) ResolveDisputeTx(ctx context.Context, tx pgx.Tx, r Resolution) (ResolutionResult, error) {
	if !r.Admin.IsAdmin() {
		return ResolutionResult{}, fmt.Errorf("deal: resolve dispute: %w", lifecycle.ErrUnauthorized)
	}
	d, err := s.LockTx(ctx, tx, r.DealID)
	if err != nil {
		return ResolutionResult{}, err
	}

	var scope []int
	if r.MilestoneID != "" {
		idx := d.milestoneIndex(r.MilestoneID)
		if idx < 0 {
			return ResolutionResult{}, fmt.Errorf("deal: milestone %s: %w", r.MilestoneID, lifecycle.ErrNotFound)
		}
		if d.Milestones[idx].Status != MilestoneDisputed {
			return ResolutionResult{}, fmt.Errorf("deal: milestone %s is %s: %w", r.MilestoneID, d.Milestones[idx].Status, lifecycle.ErrInvalidTransition)
		}
		scope = []int{idx}
	} else {
		if d.Status != StatusDisputed {
			return ResolutionResult{}, fmt.Errorf("deal: resolve dispute while deal is %s: %w", d.Status, lifecycle.ErrInvalidTransition)
		}
		for i, m := range d.Milestones {
			if m.Unsettled().IsPositive() {
				scope = append(scope, i)
			}
		}
	}

	funded := d.FundedAt != nil
	disputed := decimal.Zero
	if funded {
		for _, i := range scope {
			disputed = disputed.Add(d.Milestones[i].Unsettled())
		}
	}
	release, refund, err := splitAmount(disputed, r.Settlement, r.SellerPercent)
	if err != nil {
		return ResolutionResult{}, err
	}
	strayRefund := decimal.Zero
	if !funded && d.Status == StatusDisputed {
		if strayRefund, err = s.refundStrayHold(ctx, &d); err != nil {
			return ResolutionResult{}, fmt.Errorf("deal: resolve dispute: %w", err)
		}
	}

	if release.IsPositive() {
		if _, err := s.ledger.Release(ctx, ledger.TransferRequest{
			Hold:      holdOf(&d),
			Amount:    release,
			ToUserID:  d.SellerID,
			Reference: fmt.Sprintf("dispute:%s:release", r.DisputeID),
		}); err != nil {
			return ResolutionResult{}, fmt.Errorf("deal: resolve dispute: %w", err)
		}
	}
	if refund.IsPositive() {
		if _, err := s.ledger.Refund(ctx, ledger.TransferRequest{
			Hold:      holdOf(&d),
			Amount:    refund,
			ToUserID:  d.BuyerID,
			Reference: fmt.Sprintf("dispute:%s:refund", r.DisputeID),
		}); err != nil {
			return ResolutionResult{}, fmt.Errorf("deal: resolve dispute: %w", err)
		}
	}
	ctx = context.WithoutCancel(ctx)

	now := s.now().UTC()
	c := &changes{}
	if funded {
		remaining := release
		for _, i := range scope {
			m := &d.Milestones[i]
			unsettled := m.Unsettled()
			rel := decimal.Min(unsettled, remaining)
			remaining = remaining.Sub(rel)
			ref := unsettled.Sub(rel)

			from := m.Status
			next, err := NextMilestoneStatus(from, MilestoneActionSettle)
			if err != nil {
				return ResolutionResult{}, err
			}
			m.Released = m.Released.Add(rel)
			m.Refunded = m.Refunded.Add(ref)
			m.Settlement = settlementOf(rel, ref)
			m.Status = next
			if m.ApprovedAt == nil {
				m.ApprovedAt = &now
			}

			entry := milestoneEntry(m, from, next, r.Admin, r.Justification, now)
			entry.Type = TimelineMilestoneSettled
			entry.Payload = map[string]any{
				"dispute_id": r.DisputeID,
				"settlement": string(m.Settlement),
				"released":   rel.String(),
				"refunded":   ref.String(),
			}
			c.timeline = append(c.timeline, entry)
			c.events = append(c.events, lifecycle.MilestoneSettled{
				MilestoneTransition: milestoneTransition(m, from, next, r.Admin, now),
				Settlement:          string(m.Settlement),
				Released:            rel,
				Refunded:            ref,
			})
		}
	}

	if d.Status == StatusDisputed {
		action := ActionResolveComplete
		switch {
		case !funded:
			action = ActionResolveCancel
		case r.Settlement == SettlementRefunded:
			action = ActionResolveRefund
		}
		from := d.Status
		if err := s.advance(&d, action, r.Admin, now, c); err != nil {
			return ResolutionResult{}, err
		}
		c.events = append(c.events, lifecycle.DealResolved{
			Transition: lifecycle.Transition{
				DealID:     d.ID,
				FromStatus: string(from),
				ToStatus:   string(d.Status),
				ActorID:    r.Admin.ID,
				At:         now,
			},
			DisputeID: r.DisputeID,
			Outcome:   string(r.Settlement),
		})
	} else if err := s.aggregate(&d, now, c); err != nil {
		return ResolutionResult{}, err
	}

	faultID := ""
	switch r.AtFault {
	case FaultBuyer:
		faultID = d.BuyerID
	case FaultSeller:
		faultID = d.SellerID
	}
	if faultID != "" {
		c.trust = append(c.trust, trust.ApplyParams{
			UserID:  faultID,
			Kind:    trust.EventDisputeAtFault,
			Reason:  fmt.Sprintf("at fault in dispute %s", r.DisputeID),
			DealID:  d.ID,
			ActorID: r.Admin.ID,
		})
	}

	d.UpdatedAt = now
	saved, err := s.persist(ctx, tx, d, c)
	if err != nil {
		return ResolutionResult{}, err
	}
	return ResolutionResult{Deal: saved, Disputed: disputed, Released: release, Refunded: refund.Add(strayRefund)}, nil
}

// DismissDisputeTx closes a milestone dispute without settlement; the
// milestone goes back to completed and awaits approval again.
func (s *Service) DismissDisputeTx(ctx context.Context, tx pgx.Tx, p Dismissal) (Deal, error) {
	if !p.Admin.IsAdmin() {
		return Deal{}, fmt.Errorf("deal: dismiss dispute: %w", lifecycle.ErrUnauthorized)
	}
	if p.MilestoneID == "" {
		return Deal{}, fmt.Errorf("deal: deal disputes must be resolved: %w", lifecycle.ErrInvalidTransition)
	}
	d, err := s.LockTx(ctx, tx, p.DealID)
	if err != nil {
		return Deal{}, err
	}
	if d.Status == StatusDisputed {
		return Deal{}, fmt.Errorf("deal: dismiss while deal is disputed: %w", lifecycle.ErrInvalidTransition)
	}
	idx := d.milestoneIndex(p.MilestoneID)
	if idx < 0 {
		return Deal{}, fmt.Errorf("deal: milestone %s: %w", p.MilestoneID, lifecycle.ErrNotFound)
	}
	m := &d.Milestones[idx]
	from := m.Status
	next, err := NextMilestoneStatus(from, MilestoneActionDismiss)
	if err != nil {
		return Deal{}, err
	}

	now := s.now().UTC()
	m.Status = next
	if m.CompletedAt == nil {
		m.CompletedAt = &now
	}
	d.UpdatedAt = now

	entry := milestoneEntry(m, from, next, p.Admin, p.Reason, now)
	entry.Type = TimelineMilestoneDismissed
	entry.Payload = map[string]any{"dispute_id": p.DisputeID}
	c := &changes{
		timeline: []TimelineEntry{entry},
		events: []lifecycle.Event{lifecycle.MilestoneDismissed{
			MilestoneTransition: milestoneTransition(m, from, next, p.Admin, now),
		}},
	}
	return s.persist(ctx, tx, d, c)
}

// splitAmount divides the disputed amount between seller and buyer. The
// seller's share is rounded to cents and the buyer receives the rest.
func splitAmount(amount decimal.Decimal, settlement Settlement, sellerPercent decimal.Decimal) (release, refund decimal.Decimal, err error) {
	switch settlement {
	case SettlementReleased:
		return amount, decimal.Zero, nil
	case SettlementRefunded:
		return decimal.Zero, amount, nil
	case SettlementSplit:
		hundred := decimal.NewFromInt(100)
		if sellerPercent.IsNegative() || sellerPercent.GreaterThan(hundred) {
			return decimal.Zero, decimal.Zero, lifecycle.Validationf("deal: seller share must be within 0..100, got %s", sellerPercent.String())
		}
		release = amount.Mul(sellerPercent).Div(hundred).Round(2)
		return release, amount.Sub(release), nil
	default:
		return decimal.Zero, decimal.Zero, lifecycle.Validationf("deal: unknown settlement %q", strings.TrimSpace(string(settlement)))
	}
}

func settlementOf(released, refunded decimal.Decimal) Settlement {
	switch {
	case released.IsPositive() && refunded.IsPositive():
		return SettlementSplit
	case released.IsPositive():
		return SettlementReleased
	default:
		return SettlementRefunded
	}
}
