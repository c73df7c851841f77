package dispute

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"safeswap/db"
	"safeswap/deal"
	"safeswap/lifecycle"
	"safeswap/trust"
)

// Deals is the slice of the deal state machine the resolver drives. All
// methods run inside the resolver's transaction.
type Deals interface {
	LockTx(ctx context.Context, tx pgx.Tx, dealID string) (deal.Deal, error)
	OpenDisputeTx(ctx context.Context, tx pgx.Tx, p deal.DisputeScope) (deal.Deal, error)
	ResolveDisputeTx(ctx context.Context, tx pgx.Tx, r deal.Resolution) (deal.ResolutionResult, error)
	DismissDisputeTx(ctx context.Context, tx pgx.Tx, p deal.Dismissal) (deal.Deal, error)
}

type TrustApplier interface {
	ApplyTx(ctx context.Context, tx pgx.Tx, p trust.ApplyParams) (trust.Update, error)
}

type Service struct {
	pool        db.TxBeginner
	repo        Repository
	deals       Deals
	trust       TrustApplier
	rule        trust.FrequencyRule
	events      lifecycle.Emitter
	logger      *zap.Logger
	idGenerator func() string
	now         func() time.Time
	lockTimeout time.Duration
}

func NewService(pool db.TxBeginner, repo Repository, deals Deals, t TrustApplier, rule trust.FrequencyRule, events lifecycle.Emitter, logger *zap.Logger) *Service {
	if rule == nil {
		rule = trust.NoopFrequencyRule{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		pool:        pool,
		repo:        repo,
		deals:       deals,
		trust:       t,
		rule:        rule,
		events:      events,
		logger:      logger,
		idGenerator: uuid.NewString,
		now:         time.Now,
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// WithLockTimeout bounds how long each dispute transaction waits for row locks.
func (s *Service) WithLockTimeout(d time.Duration) *Service {
	s.lockTimeout = d
	return s
}

func (s *Service) begin(ctx context.Context) (pgx.Tx, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("dispute: begin tx: %w", err)
	}
	if err := db.SetLockTimeout(ctx, tx, s.lockTimeout); err != nil {
		_ = tx.Rollback(ctx)
		return nil, err
	}
	return tx, nil
}

// Open records a dispute and moves the deal or milestone into dispute in one
// transaction.
func (s *Service) Open(ctx context.Context, p OpenParams) (Record, error) {
	reason, err := ParseReason(string(p.Reason))
	if err != nil {
		return Record{}, err
	}
	description := strings.TrimSpace(p.Description)
	if description == "" {
		return Record{}, lifecycle.Validationf("dispute: description required")
	}
	if strings.TrimSpace(p.DealID) == "" {
		return Record{}, lifecycle.Validationf("dispute: deal id required")
	}

	tx, err := s.begin(ctx)
	if err != nil {
		return Record{}, err
	}
	defer tx.Rollback(ctx)

	id := s.idGenerator()
	if _, err := s.deals.OpenDisputeTx(ctx, tx, deal.DisputeScope{
		DisputeID:   id,
		DealID:      p.DealID,
		MilestoneID: p.MilestoneID,
		Actor:       p.Initiator,
		Reason:      description,
	}); err != nil {
		return Record{}, err
	}

	rec, err := s.createTx(ctx, tx, Record{
		ID:          id,
		DealID:      p.DealID,
		MilestoneID: p.MilestoneID,
		InitiatorID: p.Initiator.ID,
		Reason:      reason,
		Description: description,
	}, p.Initiator)
	if err != nil {
		return Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("dispute: commit open: %w", err)
	}
	s.logger.Info("dispute opened",
		zap.String("dispute_id", rec.ID),
		zap.String("deal_id", rec.DealID),
		zap.String("milestone_id", rec.MilestoneID),
		zap.String("initiator_id", rec.InitiatorID),
		zap.String("reason", string(rec.Reason)),
	)
	return rec, nil
}

// RecordOpened creates the record for a milestone disputed through the deal
// state machine. It runs in the deal's transaction.
func (s *Service) RecordOpened(ctx context.Context, tx pgx.Tx, p deal.OpenedDispute) (string, error) {
	rec, err := s.createTx(ctx, tx, Record{
		ID:          s.idGenerator(),
		DealID:      p.DealID,
		MilestoneID: p.MilestoneID,
		InitiatorID: p.Initiator.ID,
		Reason:      ReasonOther,
		Description: p.Description,
	}, p.Initiator)
	if err != nil {
		return "", err
	}
	return rec.ID, nil
}

func (s *Service) createTx(ctx context.Context, tx pgx.Tx, rec Record, initiator lifecycle.Actor) (Record, error) {
	active, err := s.repo.ActiveForScope(ctx, tx, rec.DealID, rec.MilestoneID)
	if err != nil {
		return Record{}, err
	}
	if active {
		return Record{}, fmt.Errorf("dispute: scope already disputed: %w", lifecycle.ErrInvalidTransition)
	}

	now := s.now().UTC()
	rec.Status = StatusOpen
	rec.Released = decimal.Zero
	rec.Refunded = decimal.Zero
	rec.CreatedAt = now
	rec.UpdatedAt = now
	created, err := s.repo.Create(ctx, tx, rec)
	if err != nil {
		return Record{}, err
	}

	if err := s.emit(ctx, tx, lifecycle.DisputeOpened{
		DisputeID:   created.ID,
		DealID:      created.DealID,
		MilestoneID: created.MilestoneID,
		InitiatorID: created.InitiatorID,
		Reason:      string(created.Reason),
		At:          now,
	}); err != nil {
		return Record{}, err
	}

	if initiator.IsAdmin() {
		return created, nil
	}
	flagged, count, err := s.rule.Observe(ctx, initiator.ID)
	if err != nil {
		s.logger.Warn("dispute frequency rule failed", zap.String("user_id", initiator.ID), zap.Error(err))
		return created, nil
	}
	if flagged && s.trust != nil {
		if _, err := s.trust.ApplyTx(ctx, tx, trust.ApplyParams{
			UserID:  initiator.ID,
			Kind:    trust.EventExcessiveDisputes,
			Reason:  fmt.Sprintf("opened %d disputes within the review window", count),
			DealID:  created.DealID,
			ActorID: lifecycle.SystemActor.ID,
		}); err != nil {
			return Record{}, fmt.Errorf("dispute: frequency penalty: %w", err)
		}
		s.logger.Warn("user flagged for excessive disputes", zap.String("user_id", initiator.ID), zap.Int("count", count))
	}
	return created, nil
}

func (s *Service) StartInvestigation(ctx context.Context, disputeID string, admin lifecycle.Actor) (Record, error) {
	return s.review(ctx, disputeID, admin, StatusInvestigating)
}

func (s *Service) RequestResponse(ctx context.Context, disputeID string, admin lifecycle.Actor) (Record, error) {
	return s.review(ctx, disputeID, admin, StatusAwaitingResponse)
}

func (s *Service) review(ctx context.Context, disputeID string, admin lifecycle.Actor, next Status) (Record, error) {
	if !admin.IsAdmin() {
		return Record{}, fmt.Errorf("dispute: review: %w", lifecycle.ErrUnauthorized)
	}
	tx, err := s.begin(ctx)
	if err != nil {
		return Record{}, err
	}
	defer tx.Rollback(ctx)

	rec, err := s.repo.GetForUpdate(ctx, tx, disputeID)
	if err != nil {
		return Record{}, err
	}
	if err := canReview(rec.Status, next); err != nil {
		return Record{}, err
	}
	from := rec.Status
	rec.Status = next
	rec.UpdatedAt = s.now().UTC()
	updated, err := s.repo.Update(ctx, tx, rec)
	if err != nil {
		return Record{}, err
	}
	if err := s.emitStatus(ctx, tx, updated, from, admin); err != nil {
		return Record{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("dispute: commit review: %w", err)
	}
	return updated, nil
}

// AddEvidence appends evidence from either deal party or an admin while the
// dispute is still under review.
func (s *Service) AddEvidence(ctx context.Context, p EvidenceParams) (Evidence, error) {
	description := strings.TrimSpace(p.Description)
	if description == "" {
		return Evidence{}, lifecycle.Validationf("dispute: evidence description required")
	}

	tx, err := s.begin(ctx)
	if err != nil {
		return Evidence{}, err
	}
	defer tx.Rollback(ctx)

	rec, err := s.repo.GetForUpdate(ctx, tx, p.DisputeID)
	if err != nil {
		return Evidence{}, err
	}
	if !p.Actor.IsAdmin() {
		d, err := s.deals.LockTx(ctx, tx, rec.DealID)
		if err != nil {
			return Evidence{}, err
		}
		if !d.IsParty(p.Actor.ID) {
			return Evidence{}, fmt.Errorf("dispute: add evidence: %w", lifecycle.ErrUnauthorized)
		}
	}
	if rec.Status.Terminal() {
		return Evidence{}, fmt.Errorf("dispute: evidence on %s dispute: %w", rec.Status, lifecycle.ErrInvalidTransition)
	}

	ev, err := s.repo.AddEvidence(ctx, tx, Evidence{
		ID:          s.idGenerator(),
		DisputeID:   rec.ID,
		SubmittedBy: p.Actor.ID,
		Description: description,
		URL:         strings.TrimSpace(p.URL),
		CreatedAt:   s.now().UTC(),
	})
	if err != nil {
		return Evidence{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Evidence{}, fmt.Errorf("dispute: commit evidence: %w", err)
	}
	return ev, nil
}

// Resolve binds the dispute to exactly one outcome and settles the disputed
// escrow. It is never reversible.
func (s *Service) Resolve(ctx context.Context, p ResolveParams) (Record, error) {
	if !p.Admin.IsAdmin() {
		return Record{}, fmt.Errorf("dispute: resolve: %w", lifecycle.ErrUnauthorized)
	}
	if !p.Outcome.IsOutcome() {
		return Record{}, lifecycle.Validationf("dispute: unknown outcome %q", p.Outcome)
	}
	justification := strings.TrimSpace(p.Justification)
	if justification == "" {
		return Record{}, lifecycle.Validationf("dispute: justification required")
	}
	sellerPercent := decimal.Zero
	if p.Outcome == StatusResolvedSplit {
		if p.Split == nil {
			return Record{}, lifecycle.Validationf("dispute: split outcome requires a split ratio")
		}
		if err := p.Split.Validate(); err != nil {
			return Record{}, err
		}
		sellerPercent = p.Split.Seller
	} else if p.Split != nil {
		return Record{}, lifecycle.Validationf("dispute: split ratio only applies to %s", StatusResolvedSplit)
	}

	tx, err := s.begin(ctx)
	if err != nil {
		return Record{}, err
	}
	defer tx.Rollback(ctx)

	rec, err := s.repo.GetForUpdate(ctx, tx, p.DisputeID)
	if err != nil {
		return Record{}, err
	}
	if rec.Status.Terminal() {
		return Record{}, fmt.Errorf("dispute: resolve %s dispute: %w", rec.Status, lifecycle.ErrInvalidTransition)
	}
	d, err := s.deals.LockTx(ctx, tx, rec.DealID)
	if err != nil {
		return Record{}, err
	}

	settlement, fault := outcomeEffects(p.Outcome, rec.InitiatorID == d.BuyerID)
	result, err := s.deals.ResolveDisputeTx(ctx, tx, deal.Resolution{
		DisputeID:     rec.ID,
		DealID:        rec.DealID,
		MilestoneID:   rec.MilestoneID,
		Admin:         p.Admin,
		Settlement:    settlement,
		SellerPercent: sellerPercent,
		AtFault:       fault,
		Justification: justification,
	})
	if err != nil {
		return Record{}, err
	}
	// Funds have moved; the rest of the transaction must not be abandoned.
	ctx = context.WithoutCancel(ctx)

	now := s.now().UTC()
	from := rec.Status
	rec.Status = p.Outcome
	rec.Resolution = justification
	rec.ResolverID = p.Admin.ID
	rec.Split = p.Split
	rec.Released = result.Released
	rec.Refunded = result.Refunded
	rec.UpdatedAt = now
	rec.ResolvedAt = &now
	updated, err := s.repo.Update(ctx, tx, rec)
	if err != nil {
		return Record{}, err
	}
	if err := s.emitStatus(ctx, tx, updated, from, p.Admin); err != nil {
		return Record{}, err
	}
	if err := s.emit(ctx, tx, lifecycle.DisputeResolved{
		DisputeID:  updated.ID,
		DealID:     updated.DealID,
		Outcome:    string(updated.Status),
		ResolverID: p.Admin.ID,
		Released:   result.Released,
		Refunded:   result.Refunded,
		At:         now,
	}); err != nil {
		return Record{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("dispute: commit resolution: %w", err)
	}

	s.logger.Info("dispute resolved",
		zap.String("dispute_id", updated.ID),
		zap.String("deal_id", updated.DealID),
		zap.String("outcome", string(updated.Status)),
		zap.String("released", result.Released.String()),
		zap.String("refunded", result.Refunded.String()),
		zap.String("deal_status", string(result.Deal.Status)),
	)
	return updated, nil
}

// Close dismisses a milestone dispute without moving funds.
func (s *Service) Close(ctx context.Context, p CloseParams) (Record, error) {
	if !p.Admin.IsAdmin() {
		return Record{}, fmt.Errorf("dispute: close: %w", lifecycle.ErrUnauthorized)
	}
	if !lifecycle.ValidAuditReason(p.Reason) {
		return Record{}, lifecycle.Validationf("dispute: close reason must be at least %d characters", lifecycle.MinAuditReasonLength)
	}

	tx, err := s.begin(ctx)
	if err != nil {
		return Record{}, err
	}
	defer tx.Rollback(ctx)

	rec, err := s.repo.GetForUpdate(ctx, tx, p.DisputeID)
	if err != nil {
		return Record{}, err
	}
	if rec.Status.Terminal() {
		return Record{}, fmt.Errorf("dispute: close %s dispute: %w", rec.Status, lifecycle.ErrInvalidTransition)
	}
	if _, err := s.deals.DismissDisputeTx(ctx, tx, deal.Dismissal{
		DisputeID:   rec.ID,
		DealID:      rec.DealID,
		MilestoneID: rec.MilestoneID,
		Admin:       p.Admin,
		Reason:      p.Reason,
	}); err != nil {
		return Record{}, err
	}

	now := s.now().UTC()
	from := rec.Status
	rec.Status = StatusClosed
	rec.Resolution = strings.TrimSpace(p.Reason)
	rec.ResolverID = p.Admin.ID
	rec.UpdatedAt = now
	rec.ResolvedAt = &now
	updated, err := s.repo.Update(ctx, tx, rec)
	if err != nil {
		return Record{}, err
	}
	if err := s.emitStatus(ctx, tx, updated, from, p.Admin); err != nil {
		return Record{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("dispute: commit close: %w", err)
	}
	return updated, nil
}

func (s *Service) Get(ctx context.Context, disputeID string) (Record, error) {
	return s.repo.Get(ctx, disputeID)
}

func (s *Service) ListByDeal(ctx context.Context, dealID string) ([]Record, error) {
	return s.repo.ListByDeal(ctx, dealID)
}

// outcomeEffects maps a resolution to the escrow settlement and the party
// penalised for it. A seller win only blames a buyer who raised the dispute.
func outcomeEffects(outcome Status, buyerInitiated bool) (deal.Settlement, deal.FaultParty) {
	switch outcome {
	case StatusResolvedBuyer:
		return deal.SettlementRefunded, deal.FaultSeller
	case StatusResolvedSeller:
		if buyerInitiated {
			return deal.SettlementReleased, deal.FaultBuyer
		}
		return deal.SettlementReleased, deal.FaultNone
	default:
		return deal.SettlementSplit, deal.FaultNone
	}
}

func (s *Service) emitStatus(ctx context.Context, tx pgx.Tx, rec Record, from Status, actor lifecycle.Actor) error {
	return s.emit(ctx, tx, lifecycle.DisputeStatusChanged{
		DisputeID:  rec.ID,
		DealID:     rec.DealID,
		FromStatus: string(from),
		ToStatus:   string(rec.Status),
		ActorID:    actor.ID,
		At:         rec.UpdatedAt,
	})
}

func (s *Service) emit(ctx context.Context, tx pgx.Tx, ev lifecycle.Event) error {
	if s.events == nil {
		return nil
	}
	if err := s.events.Emit(ctx, tx, ev); err != nil {
		return fmt.Errorf("dispute: emit %s: %w", ev.Topic(), err)
	}
	return nil
}
