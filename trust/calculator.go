package trust

import "safeswap/lifecycle"

// EventKind enumerates the reputation events that move a trust score.
type EventKind string

const (
	EventKYCApproved       EventKind = "kyc_approved"
	EventDealCompleted     EventKind = "deal_completed"
	EventMilestoneApproved EventKind = "milestone_approved"
	EventDisputeAtFault    EventKind = "dispute_at_fault"
	EventLateDelivery      EventKind = "late_delivery"
	EventExcessiveDisputes EventKind = "excessive_disputes"
	EventManualAdjustment  EventKind = "manual_adjustment"
)

const (
	MinScore            = 0
	MaxScore            = 100
	InitialScore        = 50
	MaxManualAdjustment = 50
)

var baseDeltas = map[EventKind]int{
	EventKYCApproved:       10,
	EventDealCompleted:     2,
	EventMilestoneApproved: 1,
	EventDisputeAtFault:    -5,
	EventLateDelivery:      -1,
	EventExcessiveDisputes: -5,
}

// Delta returns the signed score change for an event. For fixed kinds the
// magnitude multiplies the base delta (zero counts as one); for manual
// adjustments it is the delta itself.
func Delta(kind EventKind, magnitude int) (int, error) {
	if kind == EventManualAdjustment {
		if magnitude == 0 || magnitude > MaxManualAdjustment || magnitude < -MaxManualAdjustment {
			return 0, lifecycle.Validationf("manual adjustment must be within ±%d and non-zero, got %d", MaxManualAdjustment, magnitude)
		}
		return magnitude, nil
	}
	base, ok := baseDeltas[kind]
	if !ok {
		return 0, lifecycle.Validationf("unknown trust event %q", kind)
	}
	if magnitude < 0 {
		return 0, lifecycle.Validationf("magnitude must not be negative for %s", kind)
	}
	if magnitude == 0 {
		magnitude = 1
	}
	return base * magnitude, nil
}

// Calculate applies an event to the current score and clamps the result.
func Calculate(current int, kind EventKind, magnitude int) (int, error) {
	delta, err := Delta(kind, magnitude)
	if err != nil {
		return current, err
	}
	return Clamp(current + delta), nil
}

func Clamp(score int) int {
	switch {
	case score < MinScore:
		return MinScore
	case score > MaxScore:
		return MaxScore
	default:
		return score
	}
}

func (k EventKind) String() string { return string(k) }
