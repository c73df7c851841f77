package trust_test

import (
	"context"
	"errors"
	"testing"

	"safeswap/lifecycle"
	"safeswap/test/fakes"
	"safeswap/trust"
)

var admin = lifecycle.Actor{ID: "admin-1", Role: lifecycle.RoleAdmin}

func newService() (*trust.Service, *fakes.TrustStore, *fakes.Events, *fakes.Pool) {
	store := fakes.NewTrustStore()
	events := &fakes.Events{}
	pool := &fakes.Pool{}
	return trust.NewService(pool, store, events, nil), store, events, pool
}

func TestAdjust(t *testing.T) {
	svc, store, events, _ := newService()
	ctx := context.Background()
	store.Seed("user-1", 70)

	upd, err := svc.Adjust(ctx, admin, trust.AdjustParams{UserID: "user-1", Delta: 40, Reason: "verified business account"})
	if err != nil {
		t.Fatalf("adjust: %v", err)
	}
	if upd.PreviousScore != 70 || upd.NewScore != trust.MaxScore {
		t.Fatalf("expected 70 -> 100, got %d -> %d", upd.PreviousScore, upd.NewScore)
	}
	if upd.Kind != trust.EventManualAdjustment || upd.ActorID != admin.ID {
		t.Fatalf("unexpected update: %+v", upd)
	}
	if events.Count("trust.score_changed") != 1 {
		t.Fatalf("expected a score change event, got %v", events.Topics())
	}
	history, _ := svc.History(ctx, "user-1", 10)
	if len(history) != 1 || history[0].ID != upd.ID {
		t.Fatalf("expected update in history, got %+v", history)
	}
}

func TestAdjustValidation(t *testing.T) {
	svc, _, _, pool := newService()
	ctx := context.Background()

	cases := []struct {
		name  string
		actor lifecycle.Actor
		p     trust.AdjustParams
		want  error
	}{
		{"not admin", lifecycle.Actor{ID: "u", Role: lifecycle.RoleUser}, trust.AdjustParams{UserID: "user-1", Delta: 5, Reason: "looks trustworthy"}, lifecycle.ErrUnauthorized},
		{"short reason", admin, trust.AdjustParams{UserID: "user-1", Delta: 5, Reason: "ok"}, lifecycle.ErrValidation},
		{"zero delta", admin, trust.AdjustParams{UserID: "user-1", Reason: "nothing to change"}, lifecycle.ErrValidation},
		{"too large", admin, trust.AdjustParams{UserID: "user-1", Delta: 51, Reason: "huge correction"}, lifecycle.ErrValidation},
		{"missing user", admin, trust.AdjustParams{Delta: 5, Reason: "who is this for"}, lifecycle.ErrValidation},
	}
	for _, tc := range cases {
		if _, err := svc.Adjust(ctx, tc.actor, tc.p); !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}
	if begun, _, _ := pool.Stats(); begun != 0 {
		t.Fatalf("rejected adjustments must not open transactions")
	}
}

func TestApplyManyTxOrdersByUser(t *testing.T) {
	svc, store, _, pool := newService()
	ctx := context.Background()

	tx, err := pool.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	updates, err := svc.ApplyManyTx(ctx, tx, []trust.ApplyParams{
		{UserID: "zed", Kind: trust.EventDealCompleted, Reason: "deal completed", DealID: "deal-1"},
		{UserID: "amy", Kind: trust.EventDealCompleted, Reason: "deal completed", DealID: "deal-1"},
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if updates[0].UserID != "amy" || updates[1].UserID != "zed" {
		t.Fatalf("expected updates ordered by user id, got %s, %s", updates[0].UserID, updates[1].UserID)
	}
	if got, _ := store.Score(ctx, "zed"); got != trust.InitialScore+2 {
		t.Fatalf("expected 52, got %d", got)
	}
	if updates[0].DealID == nil || *updates[0].DealID != "deal-1" {
		t.Fatalf("expected deal reference on update")
	}
}

func TestApplyTxRollsBackWithTransaction(t *testing.T) {
	svc, store, events, pool := newService()
	ctx := context.Background()

	tx, _ := pool.Begin(ctx)
	if _, err := svc.ApplyTx(ctx, tx, trust.ApplyParams{UserID: "user-1", Kind: trust.EventKYCApproved, Reason: "kyc approved"}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if err := tx.Rollback(ctx); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if got, _ := store.Score(ctx, "user-1"); got != trust.InitialScore {
		t.Fatalf("rolled back update must not stick, got %d", got)
	}
	if len(store.Updates()) != 0 || len(events.All()) != 0 {
		t.Fatalf("rolled back update must leave no history or events")
	}
}
