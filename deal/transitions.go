package deal

import (
	"fmt"

	"safeswap/lifecycle"
)

// Action is a deal-level operation.
type Action string

const (
	ActionAccept    Action = "accept"
	ActionReject    Action = "reject"
	ActionCancel    Action = "cancel"
	ActionFund      Action = "fund"
	ActionStartWork Action = "start_work"
	ActionComplete  Action = "complete"
	ActionRefund    Action = "refund"

	// System actions, reachable only through the engine.
	ActionAggregate       Action = "milestones_approved"
	ActionOpenDispute     Action = "open_dispute"
	ActionResolveComplete Action = "resolve_complete"
	ActionResolveRefund   Action = "resolve_refund"
	ActionResolveCancel   Action = "resolve_cancel"
)

// PublicActions are the actions callers may request through TransitionDeal.
var PublicActions = []Action{
	ActionAccept,
	ActionReject,
	ActionCancel,
	ActionFund,
	ActionStartWork,
	ActionComplete,
	ActionRefund,
}

var allActions = append(append([]Action{}, PublicActions...),
	ActionAggregate,
	ActionOpenDispute,
	ActionResolveComplete,
	ActionResolveRefund,
	ActionResolveCancel,
)

func ParseAction(raw string) (Action, error) {
	for _, a := range PublicActions {
		if string(a) == raw {
			return a, nil
		}
	}
	return "", lifecycle.Validationf("deal: unknown action %q", raw)
}

var dealTransitions = map[Status]map[Action]Status{
	StatusCreated: {
		ActionAccept: StatusAccepted,
		ActionReject: StatusCancelled,
		ActionCancel: StatusCancelled,
	},
	StatusAccepted: {
		ActionFund:        StatusFunded,
		ActionCancel:      StatusCancelled,
		ActionOpenDispute: StatusDisputed,
	},
	StatusFunded: {
		ActionStartWork:   StatusInProgress,
		ActionRefund:      StatusRefunded,
		ActionOpenDispute: StatusDisputed,
	},
	StatusInProgress: {
		ActionAggregate:   StatusMilestoneCompleted,
		ActionRefund:      StatusRefunded,
		ActionOpenDispute: StatusDisputed,
	},
	StatusMilestoneCompleted: {
		ActionComplete:    StatusCompleted,
		ActionRefund:      StatusRefunded,
		ActionOpenDispute: StatusDisputed,
	},
	StatusDisputed: {
		ActionResolveComplete: StatusCompleted,
		ActionResolveRefund:   StatusRefunded,
		ActionResolveCancel:   StatusCancelled,
	},
	StatusCompleted: {},
	StatusCancelled: {},
	StatusRefunded:  {},
}

// NextStatus looks up the transition table. Re-entrant and unknown pairs fail
// with ErrInvalidTransition.
func NextStatus(from Status, action Action) (Status, error) {
	next, ok := dealTransitions[from][action]
	if !ok {
		return from, fmt.Errorf("deal: %s from %s: %w", action, from, lifecycle.ErrInvalidTransition)
	}
	return next, nil
}

// MilestoneAction is a milestone-level operation.
type MilestoneAction string

const (
	MilestoneActionStart    MilestoneAction = "start"
	MilestoneActionComplete MilestoneAction = "complete"
	MilestoneActionApprove  MilestoneAction = "approve"
	MilestoneActionDispute  MilestoneAction = "dispute"

	// System actions driven by dispute outcomes.
	MilestoneActionSettle  MilestoneAction = "settle"
	MilestoneActionDismiss MilestoneAction = "dismiss"
)

var PublicMilestoneActions = []MilestoneAction{
	MilestoneActionStart,
	MilestoneActionComplete,
	MilestoneActionApprove,
	MilestoneActionDispute,
}

var allMilestoneActions = append(append([]MilestoneAction{}, PublicMilestoneActions...),
	MilestoneActionSettle,
	MilestoneActionDismiss,
)

func ParseMilestoneAction(raw string) (MilestoneAction, error) {
	for _, a := range PublicMilestoneActions {
		if string(a) == raw {
			return a, nil
		}
	}
	return "", lifecycle.Validationf("deal: unknown milestone action %q", raw)
}

var milestoneTransitions = map[MilestoneStatus]map[MilestoneAction]MilestoneStatus{
	MilestonePending: {
		MilestoneActionStart:    MilestoneInProgress,
		MilestoneActionComplete: MilestoneCompleted,
		MilestoneActionSettle:   MilestoneApproved,
	},
	MilestoneInProgress: {
		MilestoneActionComplete: MilestoneCompleted,
		MilestoneActionDispute:  MilestoneDisputed,
		MilestoneActionSettle:   MilestoneApproved,
	},
	MilestoneCompleted: {
		MilestoneActionApprove: MilestoneApproved,
		MilestoneActionDispute: MilestoneDisputed,
		MilestoneActionSettle:  MilestoneApproved,
	},
	MilestoneDisputed: {
		MilestoneActionSettle:  MilestoneApproved,
		MilestoneActionDismiss: MilestoneCompleted,
	},
	MilestoneApproved: {},
}

func NextMilestoneStatus(from MilestoneStatus, action MilestoneAction) (MilestoneStatus, error) {
	next, ok := milestoneTransitions[from][action]
	if !ok {
		return from, fmt.Errorf("deal: milestone %s from %s: %w", action, from, lifecycle.ErrInvalidTransition)
	}
	return next, nil
}

// party is the relation of an actor to a deal.
type party int

const (
	partyNone party = iota
	partyBuyer
	partySeller
)

// dealActionParties lists which party may invoke each public action. Admins
// may invoke any action with an audit reason.
var dealActionParties = map[Action][]party{
	ActionAccept:    {partySeller},
	ActionReject:    {partySeller},
	ActionCancel:    {partyBuyer, partySeller},
	ActionFund:      {partyBuyer},
	ActionStartWork: {partySeller},
	ActionComplete:  {partyBuyer, partySeller},
	ActionRefund:    nil,
}

var milestoneActionParties = map[MilestoneAction][]party{
	MilestoneActionStart:    {partySeller},
	MilestoneActionComplete: {partySeller},
	MilestoneActionApprove:  {partyBuyer},
	MilestoneActionDispute:  {partyBuyer},
}

func allowed(parties []party, p party) bool {
	for _, candidate := range parties {
		if candidate == p {
			return true
		}
	}
	return false
}
