package dispute

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"safeswap/lifecycle"
)

// Status represents the lifecycle of a dispute record.
type Status string

const (
	StatusOpen             Status = "open"
	StatusInvestigating    Status = "investigating"
	StatusAwaitingResponse Status = "awaiting_response"
	StatusResolvedBuyer    Status = "resolved_buyer"
	StatusResolvedSeller   Status = "resolved_seller"
	StatusResolvedSplit    Status = "resolved_split"
	StatusClosed           Status = "closed"
)

var Statuses = []Status{
	StatusOpen,
	StatusInvestigating,
	StatusAwaitingResponse,
	StatusResolvedBuyer,
	StatusResolvedSeller,
	StatusResolvedSplit,
	StatusClosed,
}

func (s Status) Terminal() bool {
	switch s {
	case StatusResolvedBuyer, StatusResolvedSeller, StatusResolvedSplit, StatusClosed:
		return true
	}
	return false
}

// IsOutcome reports whether s is one of the three binding resolutions.
func (s Status) IsOutcome() bool {
	return s == StatusResolvedBuyer || s == StatusResolvedSeller || s == StatusResolvedSplit
}

// Reason is the fixed set of dispute grounds.
type Reason string

const (
	ReasonItemNotReceived Reason = "item_not_received"
	ReasonNotAsDescribed  Reason = "not_as_described"
	ReasonQualityIssues   Reason = "quality_issues"
	ReasonLateDelivery    Reason = "late_delivery"
	ReasonPaymentIssue    Reason = "payment_issue"
	ReasonFraud           Reason = "fraud"
	ReasonOther           Reason = "other"
)

var Reasons = []Reason{
	ReasonItemNotReceived,
	ReasonNotAsDescribed,
	ReasonQualityIssues,
	ReasonLateDelivery,
	ReasonPaymentIssue,
	ReasonFraud,
	ReasonOther,
}

func ParseReason(raw string) (Reason, error) {
	r := Reason(strings.ToLower(strings.TrimSpace(raw)))
	for _, candidate := range Reasons {
		if candidate == r {
			return r, nil
		}
	}
	return "", lifecycle.Validationf("dispute: unknown reason %q", raw)
}

// SplitRatio divides the disputed amount in percent. Seller + Buyer == 100.
type SplitRatio struct {
	Seller decimal.Decimal `json:"seller"`
	Buyer  decimal.Decimal `json:"buyer"`
}

func (r SplitRatio) Validate() error {
	if r.Seller.IsNegative() || r.Buyer.IsNegative() {
		return lifecycle.Validationf("dispute: split shares must not be negative")
	}
	if !r.Seller.Add(r.Buyer).Equal(decimal.NewFromInt(100)) {
		return lifecycle.Validationf("dispute: split shares must sum to 100, got %s/%s", r.Seller.String(), r.Buyer.String())
	}
	return nil
}

// Record mirrors the disputes table.
type Record struct {
	ID          string          `json:"id"`
	DealID      string          `json:"deal_id"`
	MilestoneID string          `json:"milestone_id,omitempty"`
	InitiatorID string          `json:"initiator_id"`
	Reason      Reason          `json:"reason"`
	Description string          `json:"description"`
	Status      Status          `json:"status"`
	Resolution  string          `json:"resolution,omitempty"`
	ResolverID  string          `json:"resolver_id,omitempty"`
	Split       *SplitRatio     `json:"split,omitempty"`
	Released    decimal.Decimal `json:"released"`
	Refunded    decimal.Decimal `json:"refunded"`
	Evidence    []Evidence      `json:"evidence,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	ResolvedAt  *time.Time      `json:"resolved_at,omitempty"`
}

type Evidence struct {
	ID          string    `json:"id"`
	DisputeID   string    `json:"dispute_id"`
	SubmittedBy string    `json:"submitted_by"`
	Description string    `json:"description"`
	URL         string    `json:"url,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

type OpenParams struct {
	DealID      string
	MilestoneID string
	Initiator   lifecycle.Actor
	Reason      Reason
	Description string
}

type ResolveParams struct {
	DisputeID     string
	Admin         lifecycle.Actor
	Outcome       Status
	Justification string
	Split         *SplitRatio
}

type CloseParams struct {
	DisputeID string
	Admin     lifecycle.Actor
	Reason    string
}

type EvidenceParams struct {
	DisputeID   string
	Actor       lifecycle.Actor
	Description string
	URL         string
}
