package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"safeswap/deal"
	"safeswap/dispute"
	"safeswap/lifecycle"
	"safeswap/test/infra"
)

// Parties is the fixed cast the actors play.
type Parties struct {
	Buyer  lifecycle.Actor
	Seller lifecycle.Actor
	Admin  lifecycle.Actor
}

// Registry tracks deals created during the run.
type Registry struct {
	mu  sync.Mutex
	ids []string
}

func (r *Registry) Add(id string) {
	r.mu.Lock()
	r.ids = append(r.ids, id)
	r.mu.Unlock()
}

func (r *Registry) Pick() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.ids) == 0 {
		return "", false
	}
	return r.ids[rand.Intn(len(r.ids))], true
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ids)
}

// Stats counts outcomes by error kind. Rejections are expected under
// contention; the oracles decide whether the database stayed consistent.
type Stats struct {
	mu       sync.Mutex
	ok       atomic.Int64
	rejected map[lifecycle.Kind]int64
}

func (s *Stats) record(err error) {
	if err == nil {
		s.ok.Add(1)
		return
	}
	s.mu.Lock()
	if s.rejected == nil {
		s.rejected = make(map[lifecycle.Kind]int64)
	}
	s.rejected[lifecycle.KindOf(err)]++
	s.mu.Unlock()
}

func (s *Stats) Succeeded() int64 { return s.ok.Load() }

func (s *Stats) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fmt.Sprintf("ok=%d rejected=%v", s.ok.Load(), s.rejected)
}

type step func(ctx context.Context) error

func loop(ctx context.Context, stop <-chan struct{}, stats *Stats, pause time.Duration, fn step) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-stop:
			return nil
		default:
		}
		err := fn(ctx)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil
		}
		stats.record(err)
		time.Sleep(pause + time.Duration(rand.Int63n(int64(pause))))
	}
}

// Creator opens deals with one to three milestones and registers them.
func Creator(ctx context.Context, st *infra.Stack, p Parties, reg *Registry, stats *Stats, stop <-chan struct{}) error {
	return loop(ctx, stop, stats, 40*time.Millisecond, func(ctx context.Context) error {
		n := 1 + rand.Intn(3)
		inputs := make([]deal.MilestoneInput, n)
		total := decimal.Zero
		for i := range inputs {
			amount := decimal.NewFromInt(int64(50 + rand.Intn(450)))
			inputs[i] = deal.MilestoneInput{Title: fmt.Sprintf("phase %d", i+1), Amount: amount}
			total = total.Add(amount)
		}
		d, err := st.Deals.Create(ctx, deal.CreateParams{
			BuyerID:    p.Buyer.ID,
			SellerID:   p.Seller.ID,
			Title:      "stress deal",
			Amount:     total,
			Currency:   "USD",
			Milestones: inputs,
		})
		if err != nil {
			return err
		}
		reg.Add(d.ID)
		return nil
	})
}

// Seller accepts deals, starts work and completes milestones.
func Seller(ctx context.Context, st *infra.Stack, p Parties, reg *Registry, stats *Stats, stop <-chan struct{}) error {
	return loop(ctx, stop, stats, 20*time.Millisecond, func(ctx context.Context) error {
		id, ok := reg.Pick()
		if !ok {
			return nil
		}
		d, err := st.Deals.Get(ctx, id)
		if err != nil {
			return err
		}
		switch d.Status {
		case deal.StatusCreated:
			_, err = st.Deals.TransitionDeal(ctx, deal.TransitionParams{DealID: id, Actor: p.Seller, Action: deal.ActionAccept})
		case deal.StatusFunded:
			_, err = st.Deals.TransitionDeal(ctx, deal.TransitionParams{DealID: id, Actor: p.Seller, Action: deal.ActionStartWork})
		case deal.StatusInProgress:
			m, found := pickMilestone(d, deal.MilestoneInProgress, deal.MilestonePending)
			if !found {
				return nil
			}
			_, err = st.Deals.TransitionMilestone(ctx, deal.MilestoneTransitionParams{MilestoneID: m.ID, Actor: p.Seller, Action: deal.MilestoneActionComplete})
		}
		return err
	})
}

// Buyer funds accepted deals, approves delivered milestones and sometimes
// disputes them instead.
func Buyer(ctx context.Context, st *infra.Stack, p Parties, reg *Registry, stats *Stats, stop <-chan struct{}) error {
	return loop(ctx, stop, stats, 20*time.Millisecond, func(ctx context.Context) error {
		id, ok := reg.Pick()
		if !ok {
			return nil
		}
		d, err := st.Deals.Get(ctx, id)
		if err != nil {
			return err
		}
		switch d.Status {
		case deal.StatusCreated:
			if rand.Intn(10) == 0 {
				_, err = st.Deals.TransitionDeal(ctx, deal.TransitionParams{DealID: id, Actor: p.Buyer, Action: deal.ActionCancel})
			}
		case deal.StatusAccepted:
			_, err = st.Deals.TransitionDeal(ctx, deal.TransitionParams{DealID: id, Actor: p.Buyer, Action: deal.ActionFund})
		case deal.StatusInProgress, deal.StatusMilestoneCompleted:
			m, found := pickMilestone(d, deal.MilestoneCompleted)
			if !found {
				return nil
			}
			action, reason := deal.MilestoneActionApprove, ""
			if rand.Intn(4) == 0 {
				action, reason = deal.MilestoneActionDispute, "delivery does not match the brief"
			}
			_, err = st.Deals.TransitionMilestone(ctx, deal.MilestoneTransitionParams{MilestoneID: m.ID, Actor: p.Buyer, Action: action, Reason: reason})
		}
		return err
	})
}

// Admin works the dispute queue and resolves each dispute with a random
// outcome.
func Admin(ctx context.Context, st *infra.Stack, p Parties, reg *Registry, stats *Stats, stop <-chan struct{}) error {
	outcomes := []dispute.Status{dispute.StatusResolvedBuyer, dispute.StatusResolvedSeller, dispute.StatusResolvedSplit}
	return loop(ctx, stop, stats, 30*time.Millisecond, func(ctx context.Context) error {
		id, ok := reg.Pick()
		if !ok {
			return nil
		}
		records, err := st.Disputes.ListByDeal(ctx, id)
		if err != nil {
			return err
		}
		for _, rec := range records {
			if rec.Status.Terminal() {
				continue
			}
			params := dispute.ResolveParams{
				DisputeID:     rec.ID,
				Admin:         p.Admin,
				Outcome:       outcomes[rand.Intn(len(outcomes))],
				Justification: "reviewed the submitted evidence",
			}
			if params.Outcome == dispute.StatusResolvedSplit {
				params.Split = &dispute.SplitRatio{Seller: decimal.NewFromInt(70), Buyer: decimal.NewFromInt(30)}
			}
			_, err := st.Disputes.Resolve(ctx, params)
			return err
		}
		return nil
	})
}

func pickMilestone(d deal.Deal, statuses ...deal.MilestoneStatus) (deal.Milestone, bool) {
	var candidates []deal.Milestone
	for _, m := range d.Milestones {
		for _, s := range statuses {
			if m.Status == s {
				candidates = append(candidates, m)
			}
		}
	}
	if len(candidates) == 0 {
		return deal.Milestone{}, false
	}
	return candidates[rand.Intn(len(candidates))], true
}
