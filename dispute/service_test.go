package dispute_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"safeswap/deal"
	"safeswap/dispute"
	"safeswap/lifecycle"
	"safeswap/test/fakes"
	"safeswap/trust"
)

var (
	buyer    = lifecycle.Actor{ID: "buyer-1", Role: lifecycle.RoleUser}
	seller   = lifecycle.Actor{ID: "seller-1", Role: lifecycle.RoleUser}
	outsider = lifecycle.Actor{ID: "outsider-1", Role: lifecycle.RoleUser}
	admin    = lifecycle.Actor{ID: "admin-1", Role: lifecycle.RoleAdmin}
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func fundedDeal(t *testing.T, e *fakes.Engine, amount string, milestones ...string) deal.Deal {
	t.Helper()
	ctx := context.Background()
	inputs := make([]deal.MilestoneInput, 0, len(milestones))
	for i, m := range milestones {
		inputs = append(inputs, deal.MilestoneInput{Title: "part " + string(rune('1'+i)), Amount: dec(m)})
	}
	d, err := e.DealService.Create(ctx, deal.CreateParams{
		BuyerID: buyer.ID, SellerID: seller.ID, Title: "Website build", Amount: dec(amount), Currency: "USD", Milestones: inputs,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	for _, step := range []struct {
		actor  lifecycle.Actor
		action deal.Action
	}{{seller, deal.ActionAccept}, {buyer, deal.ActionFund}} {
		if d, err = e.DealService.TransitionDeal(ctx, deal.TransitionParams{DealID: d.ID, Actor: step.actor, Action: step.action}); err != nil {
			t.Fatalf("%s: %v", step.action, err)
		}
	}
	return d
}

func scoreOf(t *testing.T, e *fakes.Engine, userID string) int {
	t.Helper()
	score, err := e.TrustService.Score(context.Background(), userID)
	if err != nil {
		t.Fatalf("score %s: %v", userID, err)
	}
	return score
}

func TestSplitResolution(t *testing.T) {
	e := fakes.NewEngine(fakes.EngineOptions{})
	ctx := context.Background()
	d := fundedDeal(t, e, "500")

	rec, err := e.DisputeService.Open(ctx, dispute.OpenParams{
		DealID: d.ID, Initiator: buyer, Reason: dispute.ReasonQualityIssues, Description: "delivered pages are broken",
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if rec.Status != dispute.StatusOpen {
		t.Fatalf("expected open dispute, got %s", rec.Status)
	}
	disputed, _ := e.DealService.Get(ctx, d.ID)
	if disputed.Status != deal.StatusDisputed {
		t.Fatalf("expected disputed deal, got %s", disputed.Status)
	}

	if _, err := e.DisputeService.StartInvestigation(ctx, rec.ID, admin); err != nil {
		t.Fatalf("investigate: %v", err)
	}
	resolved, err := e.DisputeService.Resolve(ctx, dispute.ResolveParams{
		DisputeID:     rec.ID,
		Admin:         admin,
		Outcome:       dispute.StatusResolvedSplit,
		Justification: "partial delivery accepted by both sides",
		Split:         &dispute.SplitRatio{Seller: dec("60"), Buyer: dec("40")},
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.Status != dispute.StatusResolvedSplit || resolved.ResolvedAt == nil {
		t.Fatalf("expected resolved_split with timestamp, got %+v", resolved)
	}
	if !resolved.Released.Equal(dec("300")) || !resolved.Refunded.Equal(dec("200")) {
		t.Fatalf("expected 300/200 split, got %s/%s", resolved.Released, resolved.Refunded)
	}
	if got := e.Ledger.Released(seller.ID); !got.Equal(dec("300")) {
		t.Fatalf("ledger released %s to seller", got)
	}
	if got := e.Ledger.Refunded(buyer.ID); !got.Equal(dec("200")) {
		t.Fatalf("ledger refunded %s to buyer", got)
	}

	final, _ := e.DealService.Get(ctx, d.ID)
	if final.Status != deal.StatusCompleted {
		t.Fatalf("expected completed deal, got %s", final.Status)
	}
	if !final.Held().IsZero() {
		t.Fatalf("escrow must be fully settled, %s still held", final.Held())
	}
	if final.Milestones[0].Settlement != deal.SettlementSplit {
		t.Fatalf("expected split settlement, got %q", final.Milestones[0].Settlement)
	}
	if scoreOf(t, e, buyer.ID) != trust.InitialScore || scoreOf(t, e, seller.ID) != trust.InitialScore {
		t.Fatalf("a split assigns no fault")
	}

	if _, err := e.DisputeService.Resolve(ctx, dispute.ResolveParams{
		DisputeID: rec.ID, Admin: admin, Outcome: dispute.StatusResolvedBuyer, Justification: "second thoughts",
	}); !errors.Is(err, lifecycle.ErrInvalidTransition) {
		t.Fatalf("resolution must be final, got %v", err)
	}
}

func TestResolvedBuyerRefundsAndPenalisesSeller(t *testing.T) {
	e := fakes.NewEngine(fakes.EngineOptions{})
	ctx := context.Background()
	d := fundedDeal(t, e, "800", "300", "500")

	first := d.Milestones[0].ID
	if _, err := e.DealService.TransitionMilestone(ctx, deal.MilestoneTransitionParams{MilestoneID: first, Actor: seller, Action: deal.MilestoneActionComplete}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, err := e.DealService.TransitionMilestone(ctx, deal.MilestoneTransitionParams{MilestoneID: first, Actor: buyer, Action: deal.MilestoneActionApprove}); err != nil {
		t.Fatalf("approve: %v", err)
	}

	rec, err := e.DisputeService.Open(ctx, dispute.OpenParams{
		DealID: d.ID, Initiator: buyer, Reason: dispute.ReasonItemNotReceived, Description: "second part never arrived",
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	resolved, err := e.DisputeService.Resolve(ctx, dispute.ResolveParams{
		DisputeID: rec.ID, Admin: admin, Outcome: dispute.StatusResolvedBuyer, Justification: "no proof of delivery",
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !resolved.Refunded.Equal(dec("500")) || !resolved.Released.IsZero() {
		t.Fatalf("expected only the unsettled 500 refunded, got %s/%s", resolved.Released, resolved.Refunded)
	}
	final, _ := e.DealService.Get(ctx, d.ID)
	if final.Status != deal.StatusRefunded {
		t.Fatalf("expected refunded deal, got %s", final.Status)
	}
	// +1 for the approved milestone, -5 at fault.
	if got := scoreOf(t, e, seller.ID); got != trust.InitialScore+1-5 {
		t.Fatalf("unexpected seller score %d", got)
	}
	if got := scoreOf(t, e, buyer.ID); got != trust.InitialScore {
		t.Fatalf("buyer must not be penalised, got %d", got)
	}
}

func TestResolvedBuyerOnLastMilestoneRefundsDeal(t *testing.T) {
	e := fakes.NewEngine(fakes.EngineOptions{})
	ctx := context.Background()
	d := fundedDeal(t, e, "1000", "600", "400")
	first, second := d.Milestones[0].ID, d.Milestones[1].ID

	for _, step := range []struct {
		id     string
		actor  lifecycle.Actor
		action deal.MilestoneAction
	}{
		{first, seller, deal.MilestoneActionComplete},
		{first, buyer, deal.MilestoneActionApprove},
		{second, seller, deal.MilestoneActionComplete},
	} {
		if _, err := e.DealService.TransitionMilestone(ctx, deal.MilestoneTransitionParams{MilestoneID: step.id, Actor: step.actor, Action: step.action}); err != nil {
			t.Fatalf("%s: %v", step.action, err)
		}
	}

	rec, err := e.DisputeService.Open(ctx, dispute.OpenParams{
		DealID: d.ID, MilestoneID: second, Initiator: buyer, Reason: dispute.ReasonNotAsDescribed, Description: "final delivery is the wrong format",
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if got, _ := e.DealService.Get(ctx, d.ID); got.Status != deal.StatusDisputed {
		t.Fatalf("last unsettled milestone dispute must freeze the deal, got %s", got.Status)
	}
	if _, err := e.DisputeService.Resolve(ctx, dispute.ResolveParams{
		DisputeID: rec.ID, Admin: admin, Outcome: dispute.StatusResolvedBuyer, Justification: "delivery did not match the brief",
	}); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	final, _ := e.DealService.Get(ctx, d.ID)
	if final.Status != deal.StatusRefunded {
		t.Fatalf("a ruling for the buyer must refund the deal, got %s", final.Status)
	}
	if got := e.Ledger.Refunded(buyer.ID); !got.Equal(dec("400")) {
		t.Fatalf("expected 400 refunded to buyer, got %s", got)
	}
	if got := e.Ledger.Released(seller.ID); !got.Equal(dec("600")) {
		t.Fatalf("approved milestone must stay with the seller, got %s", got)
	}
}

func TestResolveUnfundedDealReturnsStrayHold(t *testing.T) {
	e := fakes.NewEngine(fakes.EngineOptions{})
	ctx := context.Background()
	d, err := e.DealService.Create(ctx, deal.CreateParams{
		BuyerID: buyer.ID, SellerID: seller.ID, Title: "Voice over", Amount: dec("200"), Currency: "USD",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := e.DealService.TransitionDeal(ctx, deal.TransitionParams{DealID: d.ID, Actor: seller, Action: deal.ActionAccept}); err != nil {
		t.Fatalf("accept: %v", err)
	}
	e.Ledger.HoldAckErr = errors.New("reply lost")
	if _, err := e.DealService.TransitionDeal(ctx, deal.TransitionParams{DealID: d.ID, Actor: buyer, Action: deal.ActionFund}); !errors.Is(err, lifecycle.ErrLedger) {
		t.Fatalf("expected ledger error, got %v", err)
	}
	e.Ledger.HoldAckErr = nil

	rec, err := e.DisputeService.Open(ctx, dispute.OpenParams{
		DealID: d.ID, Initiator: buyer, Reason: dispute.ReasonPaymentIssue, Description: "charged but the deal shows unfunded",
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	resolved, err := e.DisputeService.Resolve(ctx, dispute.ResolveParams{
		DisputeID: rec.ID, Admin: admin, Outcome: dispute.StatusResolvedBuyer, Justification: "return the orphaned charge",
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !resolved.Refunded.Equal(dec("200")) {
		t.Fatalf("expected the stray 200 hold refunded, got %s", resolved.Refunded)
	}
	if final, _ := e.DealService.Get(ctx, d.ID); final.Status != deal.StatusCancelled {
		t.Fatalf("an unfunded deal resolves to cancelled, got %s", final.Status)
	}
	if got := e.Ledger.Refunded(buyer.ID); !got.Equal(dec("200")) {
		t.Fatalf("expected 200 returned to buyer, got %s", got)
	}
}

func TestResolvedSellerPenalisesInitiatingBuyer(t *testing.T) {
	e := fakes.NewEngine(fakes.EngineOptions{})
	ctx := context.Background()
	d := fundedDeal(t, e, "120")

	rec, err := e.DisputeService.Open(ctx, dispute.OpenParams{
		DealID: d.ID, Initiator: buyer, Reason: dispute.ReasonNotAsDescribed, Description: "colour is wrong",
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := e.DisputeService.Resolve(ctx, dispute.ResolveParams{
		DisputeID: rec.ID, Admin: admin, Outcome: dispute.StatusResolvedSeller, Justification: "matches the listing photos",
	}); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got := e.Ledger.Released(seller.ID); !got.Equal(dec("120")) {
		t.Fatalf("expected full release, got %s", got)
	}
	if got := scoreOf(t, e, buyer.ID); got != trust.InitialScore-5 {
		t.Fatalf("expected buyer penalty, got %d", got)
	}
	final, _ := e.DealService.Get(ctx, d.ID)
	if final.Status != deal.StatusCompleted {
		t.Fatalf("expected completed deal, got %s", final.Status)
	}
}

func TestResolveValidation(t *testing.T) {
	e := fakes.NewEngine(fakes.EngineOptions{})
	ctx := context.Background()
	d := fundedDeal(t, e, "100")
	rec, err := e.DisputeService.Open(ctx, dispute.OpenParams{DealID: d.ID, Initiator: seller, Reason: dispute.ReasonPaymentIssue, Description: "buyer disputes payment"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	cases := []struct {
		name   string
		params dispute.ResolveParams
		want   error
	}{
		{"non admin", dispute.ResolveParams{DisputeID: rec.ID, Admin: buyer, Outcome: dispute.StatusResolvedBuyer, Justification: "x"}, lifecycle.ErrUnauthorized},
		{"unknown outcome", dispute.ResolveParams{DisputeID: rec.ID, Admin: admin, Outcome: dispute.StatusClosed, Justification: "x"}, lifecycle.ErrValidation},
		{"missing justification", dispute.ResolveParams{DisputeID: rec.ID, Admin: admin, Outcome: dispute.StatusResolvedBuyer}, lifecycle.ErrValidation},
		{"split without ratio", dispute.ResolveParams{DisputeID: rec.ID, Admin: admin, Outcome: dispute.StatusResolvedSplit, Justification: "x"}, lifecycle.ErrValidation},
		{"ratio not 100", dispute.ResolveParams{DisputeID: rec.ID, Admin: admin, Outcome: dispute.StatusResolvedSplit, Justification: "x",
			Split: &dispute.SplitRatio{Seller: dec("70"), Buyer: dec("40")}}, lifecycle.ErrValidation},
		{"ratio on non split", dispute.ResolveParams{DisputeID: rec.ID, Admin: admin, Outcome: dispute.StatusResolvedBuyer, Justification: "x",
			Split: &dispute.SplitRatio{Seller: dec("50"), Buyer: dec("50")}}, lifecycle.ErrValidation},
	}
	for _, tc := range cases {
		if _, err := e.DisputeService.Resolve(ctx, tc.params); !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}
	if _, release, refund := e.Ledger.Calls(); release+refund != 0 {
		t.Fatalf("rejected resolutions must not move funds")
	}
}

func TestOpenValidationAndScope(t *testing.T) {
	e := fakes.NewEngine(fakes.EngineOptions{})
	ctx := context.Background()
	d := fundedDeal(t, e, "200", "100", "100")

	if _, err := e.DisputeService.Open(ctx, dispute.OpenParams{DealID: d.ID, Initiator: buyer, Reason: "angry", Description: "x"}); !errors.Is(err, lifecycle.ErrValidation) {
		t.Fatalf("unknown reason must be rejected, got %v", err)
	}
	if _, err := e.DisputeService.Open(ctx, dispute.OpenParams{DealID: d.ID, Initiator: buyer, Reason: dispute.ReasonFraud}); !errors.Is(err, lifecycle.ErrValidation) {
		t.Fatalf("description is required, got %v", err)
	}
	if _, err := e.DisputeService.Open(ctx, dispute.OpenParams{DealID: d.ID, Initiator: outsider, Reason: dispute.ReasonFraud, Description: "scam"}); !errors.Is(err, lifecycle.ErrUnauthorized) {
		t.Fatalf("outsiders may not dispute, got %v", err)
	}
	if _, err := e.DisputeService.Open(ctx, dispute.OpenParams{DealID: d.ID, MilestoneID: d.Milestones[0].ID, Initiator: seller, Reason: dispute.ReasonOther, Description: "x"}); !errors.Is(err, lifecycle.ErrUnauthorized) {
		t.Fatalf("only the buyer disputes a milestone, got %v", err)
	}

	m := d.Milestones[0].ID
	if _, err := e.DealService.TransitionMilestone(ctx, deal.MilestoneTransitionParams{MilestoneID: m, Actor: seller, Action: deal.MilestoneActionComplete}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	rec, err := e.DisputeService.Open(ctx, dispute.OpenParams{DealID: d.ID, MilestoneID: m, Initiator: buyer, Reason: dispute.ReasonQualityIssues, Description: "blurry scans"})
	if err != nil {
		t.Fatalf("open milestone dispute: %v", err)
	}
	if rec.MilestoneID != m {
		t.Fatalf("expected milestone scope, got %+v", rec)
	}
	if _, err := e.DisputeService.Open(ctx, dispute.OpenParams{DealID: d.ID, MilestoneID: m, Initiator: buyer, Reason: dispute.ReasonFraud, Description: "again"}); !errors.Is(err, lifecycle.ErrInvalidTransition) {
		t.Fatalf("one active dispute per scope, got %v", err)
	}
	if _, err := e.DisputeService.Open(ctx, dispute.OpenParams{DealID: d.ID, Initiator: seller, Reason: dispute.ReasonOther, Description: "whole deal"}); !errors.Is(err, lifecycle.ErrInvalidTransition) {
		t.Fatalf("deal dispute blocked while a milestone is disputed, got %v", err)
	}

	current, _ := e.DealService.Get(ctx, d.ID)
	if current.Status != deal.StatusInProgress {
		t.Fatalf("deal stays in_progress while other milestones are unsettled, got %s", current.Status)
	}
	if e.Events.Count("milestone.disputed") != 1 || e.Events.Count("dispute.opened") != 1 {
		t.Fatalf("unexpected events: %v", e.Events.Topics())
	}
}

func TestMilestoneDisputeViaStateMachineCreatesRecord(t *testing.T) {
	e := fakes.NewEngine(fakes.EngineOptions{})
	ctx := context.Background()
	d := fundedDeal(t, e, "60", "20", "40")
	m := d.Milestones[1].ID

	if _, err := e.DealService.TransitionMilestone(ctx, deal.MilestoneTransitionParams{MilestoneID: m, Actor: seller, Action: deal.MilestoneActionStart}); err != nil {
		t.Fatalf("start: %v", err)
	}
	disputed, err := e.DealService.TransitionMilestone(ctx, deal.MilestoneTransitionParams{MilestoneID: m, Actor: buyer, Action: deal.MilestoneActionDispute, Reason: "work stalled for two weeks"})
	if err != nil {
		t.Fatalf("dispute milestone: %v", err)
	}
	if disputed.Status != deal.MilestoneDisputed {
		t.Fatalf("expected disputed milestone, got %s", disputed.Status)
	}
	records, err := e.DisputeService.ListByDeal(ctx, d.ID)
	if err != nil || len(records) != 1 {
		t.Fatalf("expected one dispute record, got %d (%v)", len(records), err)
	}
	if records[0].MilestoneID != m || records[0].Reason != dispute.ReasonOther || records[0].Description != "work stalled for two weeks" {
		t.Fatalf("unexpected record: %+v", records[0])
	}
}

func TestCloseDismissesMilestoneDispute(t *testing.T) {
	e := fakes.NewEngine(fakes.EngineOptions{})
	ctx := context.Background()
	d := fundedDeal(t, e, "300", "100", "200")
	m := d.Milestones[0].ID
	if _, err := e.DealService.TransitionMilestone(ctx, deal.MilestoneTransitionParams{MilestoneID: m, Actor: seller, Action: deal.MilestoneActionComplete}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	rec, err := e.DisputeService.Open(ctx, dispute.OpenParams{DealID: d.ID, MilestoneID: m, Initiator: buyer, Reason: dispute.ReasonNotAsDescribed, Description: "wrong format"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	if _, err := e.DisputeService.Close(ctx, dispute.CloseParams{DisputeID: rec.ID, Admin: admin, Reason: "short"}); !errors.Is(err, lifecycle.ErrValidation) {
		t.Fatalf("close needs an audit reason, got %v", err)
	}
	closed, err := e.DisputeService.Close(ctx, dispute.CloseParams{DisputeID: rec.ID, Admin: admin, Reason: "buyer confirmed the format is fine"})
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if closed.Status != dispute.StatusClosed {
		t.Fatalf("expected closed, got %s", closed.Status)
	}
	current, _ := e.DealService.Get(ctx, d.ID)
	if current.Milestones[0].Status != deal.MilestoneCompleted {
		t.Fatalf("dismissed milestone returns to completed, got %s", current.Milestones[0].Status)
	}
	if hold, release, refund := e.Ledger.Calls(); hold != 1 || release != 0 || refund != 0 {
		t.Fatalf("close must not move funds: %d/%d/%d", hold, release, refund)
	}
	if _, err := e.DealService.TransitionMilestone(ctx, deal.MilestoneTransitionParams{MilestoneID: m, Actor: buyer, Action: deal.MilestoneActionApprove}); err != nil {
		t.Fatalf("approve after dismissal: %v", err)
	}
}

func TestReviewTransitionsAndEvidence(t *testing.T) {
	e := fakes.NewEngine(fakes.EngineOptions{})
	ctx := context.Background()
	d := fundedDeal(t, e, "90")
	rec, err := e.DisputeService.Open(ctx, dispute.OpenParams{DealID: d.ID, Initiator: buyer, Reason: dispute.ReasonLateDelivery, Description: "three weeks late"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	if _, err := e.DisputeService.RequestResponse(ctx, rec.ID, admin); !errors.Is(err, lifecycle.ErrInvalidTransition) {
		t.Fatalf("request response needs an investigation first, got %v", err)
	}
	if _, err := e.DisputeService.StartInvestigation(ctx, rec.ID, seller); !errors.Is(err, lifecycle.ErrUnauthorized) {
		t.Fatalf("review is admin only, got %v", err)
	}
	if _, err := e.DisputeService.StartInvestigation(ctx, rec.ID, admin); err != nil {
		t.Fatalf("investigate: %v", err)
	}
	waiting, err := e.DisputeService.RequestResponse(ctx, rec.ID, admin)
	if err != nil || waiting.Status != dispute.StatusAwaitingResponse {
		t.Fatalf("request response: %v %s", err, waiting.Status)
	}

	if _, err := e.DisputeService.AddEvidence(ctx, dispute.EvidenceParams{DisputeID: rec.ID, Actor: outsider, Description: "hearsay"}); !errors.Is(err, lifecycle.ErrUnauthorized) {
		t.Fatalf("outsider evidence must be rejected, got %v", err)
	}
	if _, err := e.DisputeService.AddEvidence(ctx, dispute.EvidenceParams{DisputeID: rec.ID, Actor: seller, Description: "courier receipt", URL: "https://files.example/receipt.pdf"}); err != nil {
		t.Fatalf("seller evidence: %v", err)
	}
	got, _ := e.DisputeService.Get(ctx, rec.ID)
	if len(got.Evidence) != 1 || got.Evidence[0].SubmittedBy != seller.ID {
		t.Fatalf("expected seller evidence, got %+v", got.Evidence)
	}

	if _, err := e.DisputeService.Resolve(ctx, dispute.ResolveParams{DisputeID: rec.ID, Admin: admin, Outcome: dispute.StatusResolvedSeller, Justification: "receipt proves delivery"}); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if _, err := e.DisputeService.AddEvidence(ctx, dispute.EvidenceParams{DisputeID: rec.ID, Actor: buyer, Description: "too late"}); !errors.Is(err, lifecycle.ErrInvalidTransition) {
		t.Fatalf("evidence after resolution must be rejected, got %v", err)
	}
	if n := e.Events.Count("dispute.status_changed"); n != 3 {
		t.Fatalf("expected three status changes, got %d", n)
	}
}

func TestDisputeTransactionsBoundLockWaits(t *testing.T) {
	e := fakes.NewEngine(fakes.EngineOptions{})
	e.DisputeService.WithLockTimeout(250 * time.Millisecond)
	ctx := context.Background()
	d := fundedDeal(t, e, "90")

	rec, err := e.DisputeService.Open(ctx, dispute.OpenParams{DealID: d.ID, Initiator: buyer, Reason: dispute.ReasonFraud, Description: "account was hijacked"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := e.DisputeService.StartInvestigation(ctx, rec.ID, admin); err != nil {
		t.Fatalf("investigate: %v", err)
	}
	if _, err := e.DisputeService.AddEvidence(ctx, dispute.EvidenceParams{DisputeID: rec.ID, Actor: buyer, Description: "login alert"}); err != nil {
		t.Fatalf("evidence: %v", err)
	}
	if _, err := e.DisputeService.Resolve(ctx, dispute.ResolveParams{DisputeID: rec.ID, Admin: admin, Outcome: dispute.StatusResolvedBuyer, Justification: "hijack confirmed by support"}); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	stmts := e.Pool.Statements()
	if len(stmts) != 4 {
		t.Fatalf("expected one lock timeout per dispute transaction, got %q", stmts)
	}
	for _, stmt := range stmts {
		if stmt != "SET LOCAL lock_timeout = '250ms'" {
			t.Fatalf("unexpected statement %q", stmt)
		}
	}
}

func TestFrequencyRulePenalisesInitiator(t *testing.T) {
	e := fakes.NewEngine(fakes.EngineOptions{})
	ctx := context.Background()
	e.Frequency.Flag = true
	d := fundedDeal(t, e, "40")

	if _, err := e.DisputeService.Open(ctx, dispute.OpenParams{DealID: d.ID, Initiator: seller, Reason: dispute.ReasonPaymentIssue, Description: "chargeback threat"}); err != nil {
		t.Fatalf("open: %v", err)
	}
	if got := scoreOf(t, e, seller.ID); got != trust.InitialScore-5 {
		t.Fatalf("expected excessive dispute penalty, got %d", got)
	}
	var found bool
	for _, upd := range e.Trust.Updates() {
		if upd.UserID == seller.ID && upd.Kind == trust.EventExcessiveDisputes {
			found = true
		}
	}
	if !found {
		t.Fatalf("missing excessive_disputes update")
	}
}

func TestAdminOpenedDisputeSkipsFrequencyRule(t *testing.T) {
	e := fakes.NewEngine(fakes.EngineOptions{})
	ctx := context.Background()
	e.Frequency.Flag = true
	d := fundedDeal(t, e, "40")

	if _, err := e.DisputeService.Open(ctx, dispute.OpenParams{DealID: d.ID, Initiator: admin, Reason: dispute.ReasonFraud, Description: "flagged by risk team"}); err != nil {
		t.Fatalf("open: %v", err)
	}
	if len(e.Frequency.Counts) != 0 {
		t.Fatalf("admins are not counted, got %v", e.Frequency.Counts)
	}
}
