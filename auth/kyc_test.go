package auth

import (
	"context"
	"errors"
	"testing"

	"safeswap/lifecycle"
	"safeswap/test/fakes"
	"safeswap/trust"
)

var kycAdmin = lifecycle.Actor{ID: "admin-1", Role: lifecycle.RoleAdmin}

func newKYCFixture(t *testing.T) (*KYCService, *fakeRepository, *fakes.TrustStore, User) {
	t.Helper()
	repo := newFakeRepository()
	store := fakes.NewTrustStore()
	pool := &fakes.Pool{}
	trustSvc := trust.NewService(pool, store, &fakes.Events{}, nil)
	user, err := NewService(repo, "test-secret").Register(context.Background(), RegisterRequest{
		Email: "seller@example.com", Password: "strongpassword", FullName: "Sam Seller",
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	return NewKYCService(pool, repo, trustSvc, nil), repo, store, *user
}

func TestKYCApprovalGrantsBonusOnce(t *testing.T) {
	svc, _, store, user := newKYCFixture(t)
	ctx := context.Background()

	if _, err := svc.Review(ctx, kycAdmin, user.ID, KYCDecisionApprove, ""); !errors.Is(err, lifecycle.ErrInvalidTransition) {
		t.Fatalf("review before submission must fail, got %v", err)
	}
	if _, err := svc.Submit(ctx, user.ID); err != nil {
		t.Fatalf("submit: %v", err)
	}
	approved, err := svc.Review(ctx, kycAdmin, user.ID, KYCDecisionApprove, "documents match")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if approved.KYCStatus != KYCApproved || approved.KYCReviewer == nil || *approved.KYCReviewer != kycAdmin.ID {
		t.Fatalf("unexpected approved user: %+v", approved)
	}
	if score, _ := store.Score(ctx, user.ID); score != trust.InitialScore+10 {
		t.Fatalf("expected +10 trust, got %d", score)
	}

	if _, err := svc.Submit(ctx, user.ID); !errors.Is(err, lifecycle.ErrInvalidTransition) {
		t.Fatalf("approved users cannot resubmit, got %v", err)
	}
	if _, err := svc.Review(ctx, kycAdmin, user.ID, KYCDecisionApprove, ""); !errors.Is(err, lifecycle.ErrInvalidTransition) {
		t.Fatalf("second approval must fail, got %v", err)
	}
	if n := len(store.Updates()); n != 1 {
		t.Fatalf("expected exactly one trust update, got %d", n)
	}
}

func TestKYCRejectionAndResubmission(t *testing.T) {
	svc, repo, store, user := newKYCFixture(t)
	ctx := context.Background()

	if _, err := svc.Submit(ctx, user.ID); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := svc.Review(ctx, kycAdmin, user.ID, KYCDecisionReject, " "); !errors.Is(err, lifecycle.ErrValidation) {
		t.Fatalf("rejection needs a note, got %v", err)
	}
	if _, err := svc.Review(ctx, lifecycle.Actor{ID: user.ID, Role: lifecycle.RoleUser}, user.ID, KYCDecisionApprove, ""); !errors.Is(err, lifecycle.ErrUnauthorized) {
		t.Fatalf("users cannot review, got %v", err)
	}
	rejected, err := svc.Review(ctx, kycAdmin, user.ID, KYCDecisionReject, "passport photo unreadable")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if rejected.KYCStatus != KYCRejected {
		t.Fatalf("expected rejected, got %s", rejected.KYCStatus)
	}
	if len(store.Updates()) != 0 {
		t.Fatalf("rejection must not change trust")
	}

	if _, err := svc.Submit(ctx, user.ID); err != nil {
		t.Fatalf("resubmit after rejection: %v", err)
	}
	stored, _ := repo.GetUserByID(ctx, user.ID)
	if stored.KYCStatus != KYCPending || stored.KYCNote != "" {
		t.Fatalf("expected clean pending state, got %+v", stored)
	}
}
