package deal

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"safeswap/db"
	"safeswap/ledger"
	"safeswap/lifecycle"
	"safeswap/trust"
)

// Ledger is the escrow capability the engine needs. *ledger.Client satisfies it.
type Ledger interface {
	Hold(ctx context.Context, req ledger.HoldRequest) (ledger.HoldReceipt, error)
	Release(ctx context.Context, req ledger.TransferRequest) (ledger.Receipt, error)
	Refund(ctx context.Context, req ledger.TransferRequest) (ledger.Receipt, error)
	FindHold(ctx context.Context, reference string) (ledger.HoldReceipt, error)
}

// TrustApplier applies reputation events inside the caller's transaction.
type TrustApplier interface {
	ApplyManyTx(ctx context.Context, tx pgx.Tx, params []trust.ApplyParams) ([]trust.Update, error)
}

// DisputeRecorder creates the dispute record when a buyer disputes a
// milestone through TransitionMilestone.
type DisputeRecorder interface {
	RecordOpened(ctx context.Context, tx pgx.Tx, p OpenedDispute) (string, error)
}

type OpenedDispute struct {
	DealID      string
	MilestoneID string
	Initiator   lifecycle.Actor
	Description string
}

type Options struct {
	// EscrowFeePercent is charged on the deal amount at funding time.
	EscrowFeePercent decimal.Decimal
	LockTimeout      time.Duration
	Logger           *zap.Logger
}

// Service is the deal state machine. Every operation runs in one transaction
// holding the deal row lock; ledger calls happen before any write so a ledger
// failure leaves nothing persisted.
type Service struct {
	pool        db.TxBeginner
	repo        Repository
	ledger      Ledger
	trust       TrustApplier
	events      lifecycle.Emitter
	disputes    DisputeRecorder
	logger      *zap.Logger
	feePercent  decimal.Decimal
	lockTimeout time.Duration
	idGenerator func() string
	now         func() time.Time
}

func NewService(pool db.TxBeginner, repo Repository, l Ledger, t TrustApplier, events lifecycle.Emitter, opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		pool:        pool,
		repo:        repo,
		ledger:      l,
		trust:       t,
		events:      events,
		logger:      logger,
		feePercent:  opts.EscrowFeePercent,
		lockTimeout: opts.LockTimeout,
		idGenerator: uuid.NewString,
		now:         time.Now,
	}
}

func (s *Service) WithDisputeRecorder(r DisputeRecorder) *Service {
	s.disputes = r
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

type TransitionParams struct {
	DealID string
	Actor  lifecycle.Actor
	Action Action
	Reason string
}

type ReviseParams struct {
	DealID     string
	Actor      lifecycle.Actor
	Milestones []MilestoneInput
	Reason     string
}

var currencyPattern = regexp.MustCompile(`^[A-Z]{3}$`)

func (s *Service) Create(ctx context.Context, p CreateParams) (Deal, error) {
	now := s.now().UTC()
	d := Deal{
		ID:          s.idGenerator(),
		BuyerID:     strings.TrimSpace(p.BuyerID),
		SellerID:    strings.TrimSpace(p.SellerID),
		Title:       strings.TrimSpace(p.Title),
		Description: strings.TrimSpace(p.Description),
		Category:    strings.TrimSpace(p.Category),
		Amount:      p.Amount,
		Currency:    strings.ToUpper(strings.TrimSpace(p.Currency)),
		EscrowFee:   decimal.Zero,
		Status:      StatusCreated,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if d.BuyerID == "" {
		return Deal{}, lifecycle.Validationf("deal: buyer id required")
	}
	if d.SellerID == d.BuyerID {
		return Deal{}, lifecycle.Validationf("deal: buyer and seller must differ")
	}
	if d.Title == "" {
		return Deal{}, lifecycle.Validationf("deal: title required")
	}
	if err := validateAmount("deal amount", d.Amount); err != nil {
		return Deal{}, err
	}
	if !currencyPattern.MatchString(d.Currency) {
		return Deal{}, lifecycle.Validationf("deal: currency must be a three-letter code, got %q", p.Currency)
	}

	inputs := p.Milestones
	if len(inputs) == 0 {
		inputs = []MilestoneInput{{Title: d.Title, Amount: d.Amount}}
	}
	milestones, err := s.buildMilestones(d.ID, d.Amount, inputs)
	if err != nil {
		return Deal{}, err
	}
	d.Milestones = milestones

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Deal{}, fmt.Errorf("deal: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	created, err := s.repo.Insert(ctx, tx, d)
	if err != nil {
		return Deal{}, err
	}
	if err := s.repo.AppendTimeline(ctx, tx, TimelineEntry{
		DealID:    created.ID,
		Type:      TimelineDealCreated,
		ToStatus:  string(StatusCreated),
		ActorID:   created.BuyerID,
		Payload:   map[string]any{"amount": created.Amount.String(), "currency": created.Currency},
		CreatedAt: now,
	}); err != nil {
		return Deal{}, err
	}
	if err := s.emit(ctx, tx, lifecycle.DealCreated{
		Transition: lifecycle.Transition{
			DealID:   created.ID,
			ToStatus: string(StatusCreated),
			ActorID:  created.BuyerID,
			At:       now,
		},
		BuyerID:  created.BuyerID,
		SellerID: created.SellerID,
		Amount:   created.Amount,
		Currency: created.Currency,
	}); err != nil {
		return Deal{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Deal{}, fmt.Errorf("deal: commit create: %w", err)
	}
	s.logger.Info("deal created",
		zap.String("deal_id", created.ID),
		zap.String("buyer_id", created.BuyerID),
		zap.String("amount", created.Amount.String()),
		zap.Int("milestones", len(created.Milestones)),
	)
	return created, nil
}

// ReviseMilestones replaces the milestone set while the deal is still created.
func (s *Service) ReviseMilestones(ctx context.Context, p ReviseParams) (Deal, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return Deal{}, err
	}
	defer tx.Rollback(ctx)

	d, err := s.repo.GetForUpdate(ctx, tx, p.DealID)
	if err != nil {
		return Deal{}, err
	}
	if p.Actor.IsAdmin() {
		if !lifecycle.ValidAuditReason(p.Reason) {
			return Deal{}, lifecycle.Validationf("deal: admin override requires a reason of at least %d characters", lifecycle.MinAuditReasonLength)
		}
	} else if p.Actor.ID != d.BuyerID {
		return Deal{}, fmt.Errorf("deal: revise milestones: %w", lifecycle.ErrUnauthorized)
	}
	if d.Status != StatusCreated {
		return Deal{}, fmt.Errorf("deal: revise milestones in %s: %w", d.Status, lifecycle.ErrInvalidTransition)
	}
	if len(p.Milestones) == 0 {
		return Deal{}, lifecycle.Validationf("deal: at least one milestone required")
	}
	milestones, err := s.buildMilestones(d.ID, d.Amount, p.Milestones)
	if err != nil {
		return Deal{}, err
	}

	now := s.now().UTC()
	d.Milestones = milestones
	d.UpdatedAt = now
	c := &changes{}
	c.timeline = append(c.timeline, TimelineEntry{
		DealID:    d.ID,
		Type:      TimelineMilestonesRevised,
		ActorID:   p.Actor.ID,
		Reason:    strings.TrimSpace(p.Reason),
		Payload:   map[string]any{"milestones": len(milestones)},
		CreatedAt: now,
	})
	saved, err := s.persist(ctx, tx, d, c)
	if err != nil {
		return Deal{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Deal{}, fmt.Errorf("deal: commit revision: %w", err)
	}
	return saved, nil
}

// TransitionDeal applies a caller-requested deal action.
func (s *Service) TransitionDeal(ctx context.Context, p TransitionParams) (Deal, error) {
	if !isPublicAction(p.Action) {
		return Deal{}, lifecycle.Validationf("deal: unknown action %q", p.Action)
	}

	tx, err := s.begin(ctx)
	if err != nil {
		return Deal{}, err
	}
	defer tx.Rollback(ctx)

	d, err := s.repo.GetForUpdate(ctx, tx, p.DealID)
	if err != nil {
		return Deal{}, err
	}
	if err := authorizeDeal(&d, p.Actor, p.Action, p.Reason); err != nil {
		return Deal{}, err
	}
	next, err := NextStatus(d.Status, p.Action)
	if err != nil {
		return Deal{}, err
	}

	now := s.now().UTC()
	from := d.Status
	base := lifecycle.Transition{DealID: d.ID, FromStatus: string(from), ToStatus: string(next), ActorID: p.Actor.ID, At: now}
	c := &changes{}
	writeCtx := ctx
	strayRefund := decimal.Zero

	switch p.Action {
	case ActionAccept:
		if d.SellerID == "" {
			if p.Actor.IsAdmin() {
				return Deal{}, lifecycle.Validationf("deal: no seller assigned to accept on behalf of")
			}
			d.SellerID = p.Actor.ID
		}
		c.events = append(c.events, lifecycle.DealAccepted{Transition: base, SellerID: d.SellerID})

	case ActionReject, ActionCancel:
		if p.Action == ActionReject && d.SellerID == "" {
			return Deal{}, lifecycle.Validationf("deal: reject requires an assigned seller")
		}
		strayRefund, err = s.refundStrayHold(ctx, &d)
		if err != nil {
			return Deal{}, fmt.Errorf("deal: %s: %w", p.Action, err)
		}
		if strayRefund.IsPositive() {
			writeCtx = context.WithoutCancel(ctx)
		}
		c.events = append(c.events, lifecycle.DealCancelled{
			Transition: base,
			Action:     string(p.Action),
			Reason:     strings.TrimSpace(p.Reason),
			Refunded:   strayRefund,
		})

	case ActionFund:
		receipt, err := s.ledger.Hold(ctx, ledger.HoldRequest{
			DealID:    d.ID,
			Amount:    d.Amount,
			Currency:  d.Currency,
			Reference: holdReference(d.ID),
		})
		if err != nil {
			return Deal{}, fmt.Errorf("deal: fund: %w", err)
		}
		writeCtx = context.WithoutCancel(ctx)
		d.EscrowFee = d.Amount.Mul(s.feePercent).Div(decimal.NewFromInt(100)).Round(2)
		d.HoldID = receipt.ID
		d.FundedAt = &now
		c.events = append(c.events, lifecycle.DealFunded{Transition: base, Amount: d.Amount, EscrowFee: d.EscrowFee, HoldID: receipt.ID})

	case ActionStartWork:
		c.events = append(c.events, lifecycle.DealWorkStarted{Transition: base})
		startPendingMilestones(&d, p.Actor, now, c)

	case ActionComplete:
		released := decimal.Zero
		for i := range d.Milestones {
			m := &d.Milestones[i]
			amount := m.Unsettled()
			if !amount.IsPositive() {
				continue
			}
			if _, err := s.ledger.Release(ctx, ledger.TransferRequest{
				Hold:      holdOf(&d),
				Amount:    amount,
				ToUserID:  d.SellerID,
				Reference: fmt.Sprintf("%s:%s:complete", d.ID, m.ID),
			}); err != nil {
				return Deal{}, fmt.Errorf("deal: complete: %w", err)
			}
			writeCtx = context.WithoutCancel(ctx)
			m.Released = m.Released.Add(amount)
			released = released.Add(amount)
		}
		d.CompletedAt = &now
		c.trust = append(c.trust,
			trust.ApplyParams{UserID: d.BuyerID, Kind: trust.EventDealCompleted, Reason: "deal completed", DealID: d.ID, ActorID: p.Actor.ID},
			trust.ApplyParams{UserID: d.SellerID, Kind: trust.EventDealCompleted, Reason: "deal completed", DealID: d.ID, ActorID: p.Actor.ID},
		)
		c.events = append(c.events, lifecycle.DealCompleted{Transition: base, Released: released})

	case ActionRefund:
		if d.hasDisputedMilestone() {
			return Deal{}, fmt.Errorf("deal: refund with an open milestone dispute: %w", lifecycle.ErrInvalidTransition)
		}
		held := d.Held()
		if !held.IsPositive() {
			return Deal{}, fmt.Errorf("deal: refund: %w", lifecycle.ErrAlreadySettled)
		}
		if _, err := s.ledger.Refund(ctx, ledger.TransferRequest{
			Hold:      holdOf(&d),
			Amount:    held,
			ToUserID:  d.BuyerID,
			Reference: d.ID + ":refund",
		}); err != nil {
			return Deal{}, fmt.Errorf("deal: refund: %w", err)
		}
		writeCtx = context.WithoutCancel(ctx)
		for i := range d.Milestones {
			m := &d.Milestones[i]
			m.Refunded = m.Refunded.Add(m.Unsettled())
		}
		c.events = append(c.events, lifecycle.DealRefunded{Transition: base, Refunded: held})
	}

	d.Status = next
	d.UpdatedAt = now
	entry := statusEntry(&d, from, next, p.Actor, p.Reason, now)
	if entry.Payload == nil {
		entry.Payload = map[string]any{}
	}
	entry.Payload["action"] = string(p.Action)
	if strayRefund.IsPositive() {
		entry.Payload["refunded_hold"] = strayRefund.String()
	}
	c.timeline = append([]TimelineEntry{entry}, c.timeline...)

	saved, err := s.persist(writeCtx, tx, d, c)
	if err != nil {
		return Deal{}, err
	}
	if err := tx.Commit(writeCtx); err != nil {
		return Deal{}, fmt.Errorf("deal: commit %s: %w", p.Action, err)
	}

	s.logger.Info("deal transitioned",
		zap.String("deal_id", saved.ID),
		zap.String("action", string(p.Action)),
		zap.String("from", string(from)),
		zap.String("to", string(next)),
		zap.String("actor_id", p.Actor.ID),
	)
	return saved, nil
}

func (s *Service) Get(ctx context.Context, dealID string) (Deal, error) {
	return s.repo.Get(ctx, dealID)
}

func (s *Service) ListForUser(ctx context.Context, userID string, filter ListFilter) ([]Deal, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, lifecycle.Validationf("deal: unknown status filter %q", filter.Status)
	}
	return s.repo.ListForUser(ctx, userID, filter)
}

func (s *Service) Timeline(ctx context.Context, dealID string) ([]TimelineEntry, error) {
	return s.repo.Timeline(ctx, dealID)
}

func (s *Service) begin(ctx context.Context) (pgx.Tx, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("deal: begin tx: %w", err)
	}
	if err := db.SetLockTimeout(ctx, tx, s.lockTimeout); err != nil {
		_ = tx.Rollback(ctx)
		return nil, err
	}
	return tx, nil
}

// changes collects the side records of one transition; persist writes them
// after the aggregate.
type changes struct {
	timeline []TimelineEntry
	events   []lifecycle.Event
	trust    []trust.ApplyParams
}

func (s *Service) persist(ctx context.Context, tx pgx.Tx, d Deal, c *changes) (Deal, error) {
	saved, err := s.repo.Save(ctx, tx, d)
	if err != nil {
		return Deal{}, err
	}
	for _, entry := range c.timeline {
		if err := s.repo.AppendTimeline(ctx, tx, entry); err != nil {
			return Deal{}, err
		}
	}
	for _, ev := range c.events {
		if err := s.emit(ctx, tx, ev); err != nil {
			return Deal{}, err
		}
	}
	if len(c.trust) > 0 && s.trust != nil {
		if _, err := s.trust.ApplyManyTx(ctx, tx, c.trust); err != nil {
			return Deal{}, fmt.Errorf("deal: apply trust: %w", err)
		}
	}
	return saved, nil
}

func (s *Service) emit(ctx context.Context, tx pgx.Tx, ev lifecycle.Event) error {
	if s.events == nil {
		return nil
	}
	if err := s.events.Emit(ctx, tx, ev); err != nil {
		return fmt.Errorf("deal: emit %s: %w", ev.Topic(), err)
	}
	return nil
}

func (s *Service) buildMilestones(dealID string, total decimal.Decimal, inputs []MilestoneInput) ([]Milestone, error) {
	out := make([]Milestone, 0, len(inputs))
	seen := make(map[int]struct{}, len(inputs))
	sum := decimal.Zero
	for i, in := range inputs {
		title := strings.TrimSpace(in.Title)
		if title == "" {
			return nil, lifecycle.Validationf("deal: milestone %d title required", i+1)
		}
		if err := validateAmount(fmt.Sprintf("milestone %d amount", i+1), in.Amount); err != nil {
			return nil, err
		}
		order := in.Order
		if order == 0 {
			order = i + 1
		}
		if _, dup := seen[order]; dup {
			return nil, lifecycle.Validationf("deal: duplicate milestone order %d", order)
		}
		seen[order] = struct{}{}
		sum = sum.Add(in.Amount)
		out = append(out, Milestone{
			ID:          s.idGenerator(),
			DealID:      dealID,
			Title:       title,
			Description: strings.TrimSpace(in.Description),
			Amount:      in.Amount,
			Order:       order,
			DueDate:     in.DueDate,
			Status:      MilestonePending,
			Released:    decimal.Zero,
			Refunded:    decimal.Zero,
		})
	}
	if !sum.Equal(total) {
		return nil, lifecycle.Validationf("deal: milestone amounts sum to %s, deal amount is %s", sum.String(), total.String())
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out, nil
}

func validateAmount(field string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return lifecycle.Validationf("deal: %s must be positive", field)
	}
	if !amount.Equal(amount.Round(2)) {
		return lifecycle.Validationf("deal: %s must have at most two decimal places", field)
	}
	return nil
}

func isPublicAction(a Action) bool {
	for _, candidate := range PublicActions {
		if candidate == a {
			return true
		}
	}
	return false
}

// partyOf resolves the actor's relation to the deal. An unassigned deal may be
// accepted by any user other than the buyer.
func partyOf(d *Deal, actor lifecycle.Actor, action Action) party {
	switch {
	case actor.ID == "":
		return partyNone
	case actor.ID == d.BuyerID:
		return partyBuyer
	case d.SellerID != "" && actor.ID == d.SellerID:
		return partySeller
	case d.SellerID == "" && action == ActionAccept && actor.Role == lifecycle.RoleUser:
		return partySeller
	default:
		return partyNone
	}
}

func authorizeDeal(d *Deal, actor lifecycle.Actor, action Action, reason string) error {
	if actor.IsAdmin() {
		if !lifecycle.ValidAuditReason(reason) {
			return lifecycle.Validationf("deal: admin override requires a reason of at least %d characters", lifecycle.MinAuditReasonLength)
		}
		return nil
	}
	if !allowed(dealActionParties[action], partyOf(d, actor, action)) {
		return fmt.Errorf("deal: %s by %q: %w", action, actor.ID, lifecycle.ErrUnauthorized)
	}
	return nil
}

func holdReference(dealID string) string { return dealID + ":hold" }

// refundStrayHold returns funds booked by a fund attempt whose receipt never
// reached the deal. Any unfunded deal past created may have one.
func (s *Service) refundStrayHold(ctx context.Context, d *Deal) (decimal.Decimal, error) {
	if d.Status == StatusCreated || d.FundedAt != nil || d.HoldID != "" {
		return decimal.Zero, nil
	}
	receipt, err := s.ledger.FindHold(ctx, holdReference(d.ID))
	if errors.Is(err, ledger.ErrHoldNotFound) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	if _, err := s.ledger.Refund(ctx, ledger.TransferRequest{
		Hold:      receipt,
		Amount:    receipt.Amount,
		ToUserID:  d.BuyerID,
		Reference: d.ID + ":cancel:refund",
	}); err != nil {
		return decimal.Zero, err
	}
	d.HoldID = receipt.ID
	return receipt.Amount, nil
}

func holdOf(d *Deal) ledger.HoldReceipt {
	return ledger.HoldReceipt{
		ID:       d.HoldID,
		DealID:   d.ID,
		Amount:   d.Amount,
		Currency: d.Currency,
	}
}

func statusEntry(d *Deal, from, to Status, actor lifecycle.Actor, reason string, at time.Time) TimelineEntry {
	entry := TimelineEntry{
		DealID:     d.ID,
		Type:       TimelineDealStatus,
		FromStatus: string(from),
		ToStatus:   string(to),
		ActorID:    actor.ID,
		CreatedAt:  at,
	}
	if actor.IsAdmin() {
		entry.Reason = strings.TrimSpace(reason)
		entry.Payload = map[string]any{"forced": true}
	} else if r := strings.TrimSpace(reason); r != "" {
		entry.Reason = r
	}
	return entry
}

func milestoneEntry(m *Milestone, from, to MilestoneStatus, actor lifecycle.Actor, reason string, at time.Time) TimelineEntry {
	entry := TimelineEntry{
		DealID:      m.DealID,
		MilestoneID: m.ID,
		Type:        TimelineMilestoneStatus,
		FromStatus:  string(from),
		ToStatus:    string(to),
		ActorID:     actor.ID,
		Reason:      strings.TrimSpace(reason),
		CreatedAt:   at,
	}
	if actor.IsAdmin() {
		entry.Payload = map[string]any{"forced": true}
	}
	return entry
}

func startPendingMilestones(d *Deal, actor lifecycle.Actor, now time.Time, c *changes) {
	for i := range d.Milestones {
		m := &d.Milestones[i]
		if m.Status != MilestonePending {
			continue
		}
		m.Status = MilestoneInProgress
		m.StartedAt = &now
		c.timeline = append(c.timeline, milestoneEntry(m, MilestonePending, MilestoneInProgress, actor, "", now))
		c.events = append(c.events, lifecycle.MilestoneStarted{MilestoneTransition: milestoneTransition(m, MilestonePending, MilestoneInProgress, actor, now)})
	}
}

func milestoneTransition(m *Milestone, from, to MilestoneStatus, actor lifecycle.Actor, at time.Time) lifecycle.MilestoneTransition {
	return lifecycle.MilestoneTransition{
		Transition: lifecycle.Transition{
			DealID:     m.DealID,
			FromStatus: string(from),
			ToStatus:   string(to),
			ActorID:    actor.ID,
			At:         at,
		},
		MilestoneID: m.ID,
	}
}
