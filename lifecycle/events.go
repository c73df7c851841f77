package lifecycle

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// Event is the closed set of lifecycle notifications. Consumers switch on the
// concrete type; new variants are added here only.
type Event interface {
	Topic() string
	AggregateID() string
	OccurredAt() time.Time
	isLifecycleEvent()
}

// Emitter records events inside the transaction that commits the transition.
type Emitter interface {
	Emit(ctx context.Context, tx pgx.Tx, ev Event) error
}

// Transition is the envelope every status change carries.
type Transition struct {
	DealID     string    `json:"deal_id"`
	FromStatus string    `json:"from_status"`
	ToStatus   string    `json:"to_status"`
	ActorID    string    `json:"actor_id"`
	At         time.Time `json:"at"`
}

func (t Transition) AggregateID() string   { return t.DealID }
func (t Transition) OccurredAt() time.Time { return t.At }
func (Transition) isLifecycleEvent()       {}

type DealCreated struct {
	Transition
	BuyerID  string          `json:"buyer_id"`
	SellerID string          `json:"seller_id,omitempty"`
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
}

func (DealCreated) Topic() string { return "deal.created" }

type DealAccepted struct {
	Transition
	SellerID string `json:"seller_id"`
}

func (DealAccepted) Topic() string { return "deal.accepted" }

// DealCancelled covers both seller rejection and pre-funding cancellation.
type DealCancelled struct {
	Transition
	Action string `json:"action"`
	Reason string `json:"reason,omitempty"`
	// Refunded is a hold returned to the buyer after a lost fund acknowledgement.
	Refunded decimal.Decimal `json:"refunded"`
}

func (DealCancelled) Topic() string { return "deal.cancelled" }

type DealFunded struct {
	Transition
	Amount    decimal.Decimal `json:"amount"`
	EscrowFee decimal.Decimal `json:"escrow_fee"`
	HoldID    string          `json:"hold_id"`
}

func (DealFunded) Topic() string { return "deal.funded" }

type DealWorkStarted struct {
	Transition
}

func (DealWorkStarted) Topic() string { return "deal.work_started" }

type DealMilestonesCompleted struct {
	Transition
}

func (DealMilestonesCompleted) Topic() string { return "deal.milestones_completed" }

type DealCompleted struct {
	Transition
	Released decimal.Decimal `json:"released"`
}

func (DealCompleted) Topic() string { return "deal.completed" }

type DealDisputed struct {
	Transition
	DisputeID   string `json:"dispute_id"`
	MilestoneID string `json:"milestone_id,omitempty"`
}

func (DealDisputed) Topic() string { return "deal.disputed" }

type DealRefunded struct {
	Transition
	Refunded decimal.Decimal `json:"refunded"`
}

func (DealRefunded) Topic() string { return "deal.refunded" }

// DealResolved is emitted when a dispute resolution moves a disputed deal to
// its terminal status.
type DealResolved struct {
	Transition
	DisputeID string `json:"dispute_id"`
	Outcome   string `json:"outcome"`
}

func (DealResolved) Topic() string { return "deal.resolved" }

// MilestoneTransition is the envelope of milestone status changes. DealID is
// the aggregate id so consumers can order events per deal.
type MilestoneTransition struct {
	Transition
	MilestoneID string `json:"milestone_id"`
}

type MilestoneStarted struct {
	MilestoneTransition
}

func (MilestoneStarted) Topic() string { return "milestone.started" }

type MilestoneCompleted struct {
	MilestoneTransition
	Late bool `json:"late"`
}

func (MilestoneCompleted) Topic() string { return "milestone.completed" }

type MilestoneApproved struct {
	MilestoneTransition
	Released decimal.Decimal `json:"released"`
}

func (MilestoneApproved) Topic() string { return "milestone.approved" }

type MilestoneDisputed struct {
	MilestoneTransition
	Reason string `json:"reason"`
}

func (MilestoneDisputed) Topic() string { return "milestone.disputed" }

// MilestoneSettled is emitted when a dispute resolution settles a milestone.
type MilestoneSettled struct {
	MilestoneTransition
	Settlement string          `json:"settlement"`
	Released   decimal.Decimal `json:"released"`
	Refunded   decimal.Decimal `json:"refunded"`
}

func (MilestoneSettled) Topic() string { return "milestone.settled" }

// MilestoneDismissed is emitted when an admin closes a milestone dispute
// without a settlement.
type MilestoneDismissed struct {
	MilestoneTransition
}

func (MilestoneDismissed) Topic() string { return "milestone.dismissed" }

type DisputeOpened struct {
	DisputeID   string    `json:"dispute_id"`
	DealID      string    `json:"deal_id"`
	MilestoneID string    `json:"milestone_id,omitempty"`
	InitiatorID string    `json:"initiator_id"`
	Reason      string    `json:"reason"`
	At          time.Time `json:"at"`
}

func (DisputeOpened) Topic() string           { return "dispute.opened" }
func (e DisputeOpened) AggregateID() string   { return e.DealID }
func (e DisputeOpened) OccurredAt() time.Time { return e.At }
func (DisputeOpened) isLifecycleEvent()       {}

type DisputeStatusChanged struct {
	DisputeID  string    `json:"dispute_id"`
	DealID     string    `json:"deal_id"`
	FromStatus string    `json:"from_status"`
	ToStatus   string    `json:"to_status"`
	ActorID    string    `json:"actor_id"`
	At         time.Time `json:"at"`
}

func (DisputeStatusChanged) Topic() string           { return "dispute.status_changed" }
func (e DisputeStatusChanged) AggregateID() string   { return e.DealID }
func (e DisputeStatusChanged) OccurredAt() time.Time { return e.At }
func (DisputeStatusChanged) isLifecycleEvent()       {}

type DisputeResolved struct {
	DisputeID  string          `json:"dispute_id"`
	DealID     string          `json:"deal_id"`
	Outcome    string          `json:"outcome"`
	ResolverID string          `json:"resolver_id"`
	Released   decimal.Decimal `json:"released"`
	Refunded   decimal.Decimal `json:"refunded"`
	At         time.Time       `json:"at"`
}

func (DisputeResolved) Topic() string           { return "dispute.resolved" }
func (e DisputeResolved) AggregateID() string   { return e.DealID }
func (e DisputeResolved) OccurredAt() time.Time { return e.At }
func (DisputeResolved) isLifecycleEvent()       {}

type TrustScoreChanged struct {
	UserID        string    `json:"user_id"`
	PreviousScore int       `json:"previous_score"`
	NewScore      int       `json:"new_score"`
	Kind          string    `json:"kind"`
	DealID        string    `json:"deal_id,omitempty"`
	At            time.Time `json:"at"`
}

func (TrustScoreChanged) Topic() string           { return "trust.score_changed" }
func (e TrustScoreChanged) AggregateID() string   { return e.UserID }
func (e TrustScoreChanged) OccurredAt() time.Time { return e.At }
func (TrustScoreChanged) isLifecycleEvent()       {}
