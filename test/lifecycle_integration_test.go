package test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"safeswap/auth"
	"safeswap/deal"
	"safeswap/dispute"
	"safeswap/lifecycle"
	"safeswap/outbox"
	"safeswap/test/infra"
)

type capturePublisher struct {
	mu     sync.Mutex
	topics []string
}

func (p *capturePublisher) Publish(_ context.Context, msg outbox.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, msg.Topic)
	return nil
}

func (p *capturePublisher) Close() error { return nil }

func (p *capturePublisher) count(topic string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, t := range p.topics {
		if t == topic {
			n++
		}
	}
	return n
}

func TestMilestoneLifecycle_Integration(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pool := harness(t, ctx)
	st := infra.NewStack(pool, infra.StackOptions{})
	buyer := seedActor(t, ctx, st, auth.RoleUser)
	seller := seedActor(t, ctx, st, auth.RoleUser)

	d, err := st.Deals.Create(ctx, deal.CreateParams{
		BuyerID:  buyer.ID,
		SellerID: seller.ID,
		Title:    "Storefront build",
		Amount:   decimal.NewFromInt(1000),
		Currency: "USD",
		Milestones: []deal.MilestoneInput{
			{Title: "design", Amount: decimal.NewFromInt(600)},
			{Title: "build", Amount: decimal.NewFromInt(400)},
		},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	for _, step := range []struct {
		actor  lifecycle.Actor
		action deal.Action
	}{
		{seller, deal.ActionAccept},
		{buyer, deal.ActionFund},
		{buyer, deal.ActionFund},
		{seller, deal.ActionStartWork},
	} {
		_, err := st.Deals.TransitionDeal(ctx, deal.TransitionParams{DealID: d.ID, Actor: step.actor, Action: step.action})
		if err != nil && !(step.action == deal.ActionFund && lifecycle.KindOf(err) == lifecycle.KindInvalidTransition) {
			t.Fatalf("%s: %v", step.action, err)
		}
	}

	var holds int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM ledger_holds WHERE deal_id = $1`, d.ID).Scan(&holds); err != nil {
		t.Fatalf("count holds: %v", err)
	}
	if holds != 1 {
		t.Fatalf("holds = %d, want 1", holds)
	}

	d, err = st.Deals.Get(ctx, d.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	for _, m := range d.Milestones {
		if _, err := st.Deals.TransitionMilestone(ctx, deal.MilestoneTransitionParams{MilestoneID: m.ID, Actor: seller, Action: deal.MilestoneActionComplete}); err != nil {
			t.Fatalf("complete %s: %v", m.Title, err)
		}
		if _, err := st.Deals.TransitionMilestone(ctx, deal.MilestoneTransitionParams{MilestoneID: m.ID, Actor: buyer, Action: deal.MilestoneActionApprove}); err != nil {
			t.Fatalf("approve %s: %v", m.Title, err)
		}
	}

	d = mustGetDeal(t, ctx, st, d.ID)
	if d.Status != deal.StatusMilestoneCompleted {
		t.Fatalf("status = %s, want %s", d.Status, deal.StatusMilestoneCompleted)
	}
	if _, err := st.Deals.TransitionDeal(ctx, deal.TransitionParams{DealID: d.ID, Actor: buyer, Action: deal.ActionComplete}); err != nil {
		t.Fatalf("complete deal: %v", err)
	}

	var released string
	if err := pool.QueryRow(ctx, `SELECT released::text FROM ledger_holds WHERE deal_id = $1`, d.ID).Scan(&released); err != nil {
		t.Fatalf("load hold: %v", err)
	}
	if !decimal.RequireFromString(released).Equal(decimal.NewFromInt(1000)) {
		t.Fatalf("released = %s, want 1000", released)
	}

	timeline, err := st.Deals.Timeline(ctx, d.ID)
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}
	if len(timeline) == 0 || timeline[0].Type != deal.TimelineDealCreated {
		t.Fatalf("timeline does not start with creation: %+v", timeline)
	}
	if _, err := pool.Exec(ctx, `DELETE FROM timeline_events WHERE deal_id = $1`, d.ID); err == nil {
		t.Fatalf("timeline delete succeeded; expected append-only rejection")
	}

	if score, err := st.Trust.Score(ctx, seller.ID); err != nil || score <= 50 {
		t.Fatalf("seller score = %d, %v; want above initial", score, err)
	}

	pub := &capturePublisher{}
	relay := outbox.NewRelay(pool, outbox.NewStore(), pub, outbox.RelayOptions{BatchSize: 500})
	res, err := relay.Drain(ctx)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if res.Published == 0 || pub.count("deal.funded") != 1 || pub.count("deal.completed") != 1 {
		t.Fatalf("published %+v topics %v", res, pub.topics)
	}
	again, err := relay.Drain(ctx)
	if err != nil {
		t.Fatalf("second drain: %v", err)
	}
	if again.Published != 0 {
		t.Fatalf("second drain republished %d messages", again.Published)
	}
}

func TestDisputeSplit_Integration(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pool := harness(t, ctx)
	st := infra.NewStack(pool, infra.StackOptions{})
	buyer := seedActor(t, ctx, st, auth.RoleUser)
	seller := seedActor(t, ctx, st, auth.RoleUser)
	admin := seedActor(t, ctx, st, auth.RoleAdmin)

	d, err := st.Deals.Create(ctx, deal.CreateParams{
		BuyerID:  buyer.ID,
		SellerID: seller.ID,
		Title:    "Translation",
		Amount:   decimal.NewFromInt(500),
		Currency: "EUR",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	for _, step := range []struct {
		actor  lifecycle.Actor
		action deal.Action
	}{
		{seller, deal.ActionAccept},
		{buyer, deal.ActionFund},
		{seller, deal.ActionStartWork},
	} {
		if _, err := st.Deals.TransitionDeal(ctx, deal.TransitionParams{DealID: d.ID, Actor: step.actor, Action: step.action}); err != nil {
			t.Fatalf("%s: %v", step.action, err)
		}
	}

	rec, err := st.Disputes.Open(ctx, dispute.OpenParams{
		DealID:      d.ID,
		Initiator:   buyer,
		Reason:      dispute.ReasonQualityIssues,
		Description: "half of the pages are untranslated",
	})
	if err != nil {
		t.Fatalf("open dispute: %v", err)
	}
	if _, err := st.Disputes.Open(ctx, dispute.OpenParams{
		DealID:      d.ID,
		Initiator:   seller,
		Reason:      dispute.ReasonOther,
		Description: "counter claim",
	}); err == nil {
		t.Fatalf("second active dispute on the same scope was accepted")
	}

	if _, err := st.Disputes.AddEvidence(ctx, dispute.EvidenceParams{DisputeID: rec.ID, Actor: buyer, Description: "diff of delivered files"}); err != nil {
		t.Fatalf("evidence: %v", err)
	}

	resolved, err := st.Disputes.Resolve(ctx, dispute.ResolveParams{
		DisputeID:     rec.ID,
		Admin:         admin,
		Outcome:       dispute.StatusResolvedSplit,
		Justification: "work partially delivered",
		Split:         &dispute.SplitRatio{Seller: decimal.NewFromInt(60), Buyer: decimal.NewFromInt(40)},
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !resolved.Released.Equal(decimal.NewFromInt(300)) || !resolved.Refunded.Equal(decimal.NewFromInt(200)) {
		t.Fatalf("released %s refunded %s, want 300/200", resolved.Released, resolved.Refunded)
	}

	var entries int
	if err := pool.QueryRow(ctx, `
SELECT COUNT(*) FROM ledger_entries e JOIN ledger_holds h ON h.id = e.hold_id WHERE h.deal_id = $1`, d.ID).Scan(&entries); err != nil {
		t.Fatalf("count entries: %v", err)
	}
	if entries != 2 {
		t.Fatalf("ledger entries = %d, want 2", entries)
	}

	if d = mustGetDeal(t, ctx, st, d.ID); d.Status != deal.StatusCompleted {
		t.Fatalf("deal status = %s, want completed", d.Status)
	}
}

func TestKYCApproval_Integration(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	pool := harness(t, ctx)
	st := infra.NewStack(pool, infra.StackOptions{})
	user := seedActor(t, ctx, st, auth.RoleUser)
	admin := seedActor(t, ctx, st, auth.RoleAdmin)

	kyc := auth.NewKYCService(pool, st.Users, st.Trust, nil)
	if _, err := kyc.Submit(ctx, user.ID); err != nil {
		t.Fatalf("submit: %v", err)
	}
	u, err := kyc.Review(ctx, admin, user.ID, auth.KYCDecisionApprove, "")
	if err != nil {
		t.Fatalf("review: %v", err)
	}
	if u.KYCStatus != auth.KYCApproved || u.KYCReviewer == nil || *u.KYCReviewer != admin.ID {
		t.Fatalf("user after review: %+v", u)
	}
	if _, err := kyc.Submit(ctx, user.ID); err == nil {
		t.Fatalf("resubmission after approval was accepted")
	}
	if score, err := st.Trust.Score(ctx, user.ID); err != nil || score != 60 {
		t.Fatalf("score = %d, %v; want 60", score, err)
	}
}

func mustGetDeal(t *testing.T, ctx context.Context, st *infra.Stack, id string) deal.Deal {
	t.Helper()
	d, err := st.Deals.Get(ctx, id)
	if err != nil {
		t.Fatalf("get deal %s: %v", id, err)
	}
	return d
}
