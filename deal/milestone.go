package deal

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"safeswap/ledger"
	"safeswap/lifecycle"
	"safeswap/trust"
)

type MilestoneTransitionParams struct {
	MilestoneID string
	Actor       lifecycle.Actor
	Action      MilestoneAction
	Reason      string
}

// TransitionMilestone applies a milestone action under the parent deal's lock.
// A milestone action on a funded deal moves the deal to in_progress, and the
// aggregation check runs after every transition.
func (s *Service) TransitionMilestone(ctx context.Context, p MilestoneTransitionParams) (Milestone, error) {
	if !isPublicMilestoneAction(p.Action) {
		return Milestone{}, lifecycle.Validationf("deal: unknown milestone action %q", p.Action)
	}
	if p.Action == MilestoneActionDispute && strings.TrimSpace(p.Reason) == "" {
		return Milestone{}, lifecycle.Validationf("deal: dispute reason required")
	}

	dealID, err := s.repo.DealIDForMilestone(ctx, p.MilestoneID)
	if err != nil {
		return Milestone{}, err
	}

	tx, err := s.begin(ctx)
	if err != nil {
		return Milestone{}, err
	}
	defer tx.Rollback(ctx)

	d, err := s.repo.GetForUpdate(ctx, tx, dealID)
	if err != nil {
		return Milestone{}, err
	}
	idx := d.milestoneIndex(p.MilestoneID)
	if idx < 0 {
		return Milestone{}, fmt.Errorf("deal: milestone %s: %w", p.MilestoneID, lifecycle.ErrNotFound)
	}
	if err := authorizeMilestone(&d, p.Actor, p.Action, p.Reason); err != nil {
		return Milestone{}, err
	}

	m := &d.Milestones[idx]
	if p.Action == MilestoneActionApprove && m.Status == MilestoneApproved {
		return Milestone{}, fmt.Errorf("deal: milestone %s: %w", m.ID, lifecycle.ErrAlreadySettled)
	}
	if d.Status != StatusFunded && d.Status != StatusInProgress {
		return Milestone{}, fmt.Errorf("deal: milestone %s while deal is %s: %w", p.Action, d.Status, lifecycle.ErrInvalidTransition)
	}
	next, err := NextMilestoneStatus(m.Status, p.Action)
	if err != nil {
		return Milestone{}, err
	}

	now := s.now().UTC()
	c := &changes{}
	writeCtx := ctx

	if d.Status == StatusFunded {
		if err := s.advance(&d, ActionStartWork, p.Actor, now, c); err != nil {
			return Milestone{}, err
		}
		c.events = append(c.events, lifecycle.DealWorkStarted{Transition: lifecycle.Transition{
			DealID:     d.ID,
			FromStatus: string(StatusFunded),
			ToStatus:   string(StatusInProgress),
			ActorID:    p.Actor.ID,
			At:         now,
		}})
	}

	from := m.Status
	mt := milestoneTransition(m, from, next, p.Actor, now)

	switch p.Action {
	case MilestoneActionStart:
		m.StartedAt = &now
		c.events = append(c.events, lifecycle.MilestoneStarted{MilestoneTransition: mt})

	case MilestoneActionComplete:
		if m.StartedAt == nil {
			m.StartedAt = &now
		}
		m.CompletedAt = &now
		late := m.DueDate != nil && now.After(*m.DueDate)
		if late {
			c.trust = append(c.trust, trust.ApplyParams{
				UserID:  d.SellerID,
				Kind:    trust.EventLateDelivery,
				Reason:  fmt.Sprintf("milestone %q delivered after due date", m.Title),
				DealID:  d.ID,
				ActorID: p.Actor.ID,
			})
		}
		c.events = append(c.events, lifecycle.MilestoneCompleted{MilestoneTransition: mt, Late: late})

	case MilestoneActionApprove:
		amount := m.Unsettled()
		if !amount.IsPositive() {
			return Milestone{}, fmt.Errorf("deal: milestone %s: %w", m.ID, lifecycle.ErrAlreadySettled)
		}
		if _, err := s.ledger.Release(ctx, ledger.TransferRequest{
			Hold:      holdOf(&d),
			Amount:    amount,
			ToUserID:  d.SellerID,
			Reference: fmt.Sprintf("%s:%s:release", d.ID, m.ID),
		}); err != nil {
			return Milestone{}, fmt.Errorf("deal: approve milestone: %w", err)
		}
		writeCtx = context.WithoutCancel(ctx)
		m.Released = m.Released.Add(amount)
		m.ApprovedAt = &now
		c.trust = append(c.trust, trust.ApplyParams{
			UserID:  d.SellerID,
			Kind:    trust.EventMilestoneApproved,
			Reason:  fmt.Sprintf("milestone %q approved", m.Title),
			DealID:  d.ID,
			ActorID: p.Actor.ID,
		})
		c.events = append(c.events, lifecycle.MilestoneApproved{MilestoneTransition: mt, Released: amount})

	case MilestoneActionDispute:
		if s.disputes == nil {
			return Milestone{}, errors.New("deal: dispute recorder not configured")
		}
		disputeID, err := s.disputes.RecordOpened(ctx, tx, OpenedDispute{
			DealID:      d.ID,
			MilestoneID: m.ID,
			Initiator:   p.Actor,
			Description: strings.TrimSpace(p.Reason),
		})
		if err != nil {
			return Milestone{}, err
		}
		if err := s.disputeMilestone(&d, idx, disputeID, p.Actor, p.Reason, now, c); err != nil {
			return Milestone{}, err
		}
	}

	if p.Action != MilestoneActionDispute {
		m.Status = next
		c.timeline = append(c.timeline, milestoneEntry(m, from, next, p.Actor, p.Reason, now))
	}
	if err := s.aggregate(&d, now, c); err != nil {
		return Milestone{}, err
	}
	d.UpdatedAt = now

	saved, err := s.persist(writeCtx, tx, d, c)
	if err != nil {
		return Milestone{}, err
	}
	if err := tx.Commit(writeCtx); err != nil {
		return Milestone{}, fmt.Errorf("deal: commit milestone %s: %w", p.Action, err)
	}

	s.logger.Info("milestone transitioned",
		zap.String("deal_id", saved.ID),
		zap.String("milestone_id", p.MilestoneID),
		zap.String("action", string(p.Action)),
		zap.String("from", string(from)),
		zap.String("to", string(next)),
		zap.String("deal_status", string(saved.Status)),
	)
	return saved.Milestones[saved.milestoneIndex(p.MilestoneID)], nil
}

// disputeMilestone freezes the milestone's funds. When it is the last
// milestone still holding funds the whole deal becomes disputed.
func (s *Service) disputeMilestone(d *Deal, idx int, disputeID string, actor lifecycle.Actor, reason string, now time.Time, c *changes) error {
	m := &d.Milestones[idx]
	from := m.Status
	next, err := NextMilestoneStatus(from, MilestoneActionDispute)
	if err != nil {
		return err
	}
	m.Status = next
	c.timeline = append(c.timeline, milestoneEntry(m, from, next, actor, reason, now))
	c.events = append(c.events, lifecycle.MilestoneDisputed{
		MilestoneTransition: milestoneTransition(m, from, next, actor, now),
		Reason:              strings.TrimSpace(reason),
	})

	if !lastUnsettled(d, idx) {
		return nil
	}
	dealFrom := d.Status
	if err := s.advance(d, ActionOpenDispute, actor, now, c); err != nil {
		return err
	}
	c.events = append(c.events, lifecycle.DealDisputed{
		Transition: lifecycle.Transition{
			DealID:     d.ID,
			FromStatus: string(dealFrom),
			ToStatus:   string(d.Status),
			ActorID:    actor.ID,
			At:         now,
		},
		DisputeID:   disputeID,
		MilestoneID: m.ID,
	})
	return nil
}

// aggregate advances in_progress to milestone_completed exactly when every
// milestone is approved.
func (s *Service) aggregate(d *Deal, now time.Time, c *changes) error {
	if d.Status != StatusInProgress || !d.allApproved() {
		return nil
	}
	if err := s.advance(d, ActionAggregate, lifecycle.SystemActor, now, c); err != nil {
		return err
	}
	c.events = append(c.events, lifecycle.DealMilestonesCompleted{Transition: lifecycle.Transition{
		DealID:     d.ID,
		FromStatus: string(StatusInProgress),
		ToStatus:   string(StatusMilestoneCompleted),
		ActorID:    lifecycle.SystemActor.ID,
		At:         now,
	}})
	return nil
}

// advance moves the deal through the table and records the timeline entry.
// Callers add the typed event.
func (s *Service) advance(d *Deal, action Action, actor lifecycle.Actor, now time.Time, c *changes) error {
	from := d.Status
	next, err := NextStatus(from, action)
	if err != nil {
		return err
	}
	d.Status = next
	d.UpdatedAt = now
	if next == StatusCompleted {
		d.CompletedAt = &now
	}
	entry := statusEntry(d, from, next, actor, "", now)
	entry.Payload = map[string]any{"trigger": string(action)}
	c.timeline = append(c.timeline, entry)
	return nil
}

func lastUnsettled(d *Deal, idx int) bool {
	for i, m := range d.Milestones {
		if i == idx {
			continue
		}
		if m.Unsettled().IsPositive() {
			return false
		}
	}
	return true
}

func isPublicMilestoneAction(a MilestoneAction) bool {
	for _, candidate := range PublicMilestoneActions {
		if candidate == a {
			return true
		}
	}
	return false
}

func authorizeMilestone(d *Deal, actor lifecycle.Actor, action MilestoneAction, reason string) error {
	if actor.IsAdmin() {
		if !lifecycle.ValidAuditReason(reason) {
			return lifecycle.Validationf("deal: admin override requires a reason of at least %d characters", lifecycle.MinAuditReasonLength)
		}
		return nil
	}
	if !allowed(milestoneActionParties[action], partyOf(d, actor, "")) {
		return fmt.Errorf("deal: milestone %s by %q: %w", action, actor.ID, lifecycle.ErrUnauthorized)
	}
	return nil
}
