package deal

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of a deal.
type Status string

const (
	StatusCreated            Status = "created"
	StatusAccepted           Status = "accepted"
	StatusFunded             Status = "funded"
	StatusInProgress         Status = "in_progress"
	StatusMilestoneCompleted Status = "milestone_completed"
	StatusCompleted          Status = "completed"
	StatusCancelled          Status = "cancelled"
	StatusDisputed           Status = "disputed"
	StatusRefunded           Status = "refunded"
)

// Statuses lists every deal status.
var Statuses = []Status{
	StatusCreated,
	StatusAccepted,
	StatusFunded,
	StatusInProgress,
	StatusMilestoneCompleted,
	StatusCompleted,
	StatusCancelled,
	StatusDisputed,
	StatusRefunded,
}

// Terminal reports whether no transition may leave s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusRefunded
}

func (s Status) Valid() bool {
	for _, v := range Statuses {
		if v == s {
			return true
		}
	}
	return false
}

// MilestoneStatus is the lifecycle state of a milestone.
type MilestoneStatus string

const (
	MilestonePending    MilestoneStatus = "pending"
	MilestoneInProgress MilestoneStatus = "in_progress"
	MilestoneCompleted  MilestoneStatus = "completed"
	MilestoneApproved   MilestoneStatus = "approved"
	MilestoneDisputed   MilestoneStatus = "disputed"
)

var MilestoneStatuses = []MilestoneStatus{
	MilestonePending,
	MilestoneInProgress,
	MilestoneCompleted,
	MilestoneApproved,
	MilestoneDisputed,
}

// Settlement records how a milestone's funds left escrow through a dispute.
type Settlement string

const (
	SettlementNone     Settlement = ""
	SettlementReleased Settlement = "released"
	SettlementRefunded Settlement = "refunded"
	SettlementSplit    Settlement = "split"
)

type Deal struct {
	ID          string          `json:"id"`
	BuyerID     string          `json:"buyer_id"`
	SellerID    string          `json:"seller_id,omitempty"`
	Title       string          `json:"title"`
	Description string          `json:"description,omitempty"`
	Category    string          `json:"category,omitempty"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	EscrowFee   decimal.Decimal `json:"escrow_fee"`
	Status      Status          `json:"status"`
	HoldID      string          `json:"hold_id,omitempty"`
	Milestones  []Milestone     `json:"milestones"`
	Version     int             `json:"version"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	FundedAt    *time.Time      `json:"funded_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

type Milestone struct {
	ID          string          `json:"id"`
	DealID      string          `json:"deal_id"`
	Title       string          `json:"title"`
	Description string          `json:"description,omitempty"`
	Amount      decimal.Decimal `json:"amount"`
	Order       int             `json:"order"`
	DueDate     *time.Time      `json:"due_date,omitempty"`
	Status      MilestoneStatus `json:"status"`
	Released    decimal.Decimal `json:"released"`
	Refunded    decimal.Decimal `json:"refunded"`
	Settlement  Settlement      `json:"settlement,omitempty"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	ApprovedAt  *time.Time      `json:"approved_at,omitempty"`
}

// Unsettled is the part of the milestone amount still held in escrow.
func (m Milestone) Unsettled() decimal.Decimal {
	return m.Amount.Sub(m.Released).Sub(m.Refunded)
}

func (d *Deal) IsParty(userID string) bool {
	return userID != "" && (userID == d.BuyerID || userID == d.SellerID)
}

func (d *Deal) milestoneIndex(id string) int {
	for i := range d.Milestones {
		if d.Milestones[i].ID == id {
			return i
		}
	}
	return -1
}

// Held is the amount still in escrow. Zero before funding.
func (d *Deal) Held() decimal.Decimal {
	if d.FundedAt == nil {
		return decimal.Zero
	}
	total := decimal.Zero
	for _, m := range d.Milestones {
		total = total.Add(m.Unsettled())
	}
	return total
}

// Released is the total paid out to the seller.
func (d *Deal) Released() decimal.Decimal {
	total := decimal.Zero
	for _, m := range d.Milestones {
		total = total.Add(m.Released)
	}
	return total
}

func (d *Deal) allApproved() bool {
	if len(d.Milestones) == 0 {
		return false
	}
	for _, m := range d.Milestones {
		if m.Status != MilestoneApproved {
			return false
		}
	}
	return true
}

func (d *Deal) hasDisputedMilestone() bool {
	for _, m := range d.Milestones {
		if m.Status == MilestoneDisputed {
			return true
		}
	}
	return false
}

// MilestoneSum is the sum of milestone amounts.
func (d *Deal) MilestoneSum() decimal.Decimal {
	total := decimal.Zero
	for _, m := range d.Milestones {
		total = total.Add(m.Amount)
	}
	return total
}

// TimelineEntry is an append-only audit row written with every committed change.
type TimelineEntry struct {
	ID          int64          `json:"id"`
	DealID      string         `json:"deal_id"`
	MilestoneID string         `json:"milestone_id,omitempty"`
	Type        string         `json:"type"`
	FromStatus  string         `json:"from_status,omitempty"`
	ToStatus    string         `json:"to_status,omitempty"`
	ActorID     string         `json:"actor_id"`
	Reason      string         `json:"reason,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

const (
	TimelineDealCreated        = "DEAL_CREATED"
	TimelineMilestonesRevised  = "MILESTONES_REVISED"
	TimelineDealStatus         = "DEAL_STATUS_CHANGED"
	TimelineMilestoneStatus    = "MILESTONE_STATUS_CHANGED"
	TimelineMilestoneSettled   = "MILESTONE_SETTLED"
	TimelineMilestoneDismissed = "MILESTONE_DISPUTE_DISMISSED"
)

type MilestoneInput struct {
	Title       string          `json:"title"`
	Description string          `json:"description,omitempty"`
	Amount      decimal.Decimal `json:"amount"`
	Order       int             `json:"order,omitempty"`
	DueDate     *time.Time      `json:"due_date,omitempty"`
}

type CreateParams struct {
	BuyerID     string
	SellerID    string
	Title       string
	Description string
	Category    string
	Amount      decimal.Decimal
	Currency    string
	Milestones  []MilestoneInput
}

type ListFilter struct {
	Status Status
	Limit  int
	Offset int
}
