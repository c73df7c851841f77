package auth

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"safeswap/db"
	"safeswap/lifecycle"
	"safeswap/trust"
)

// TrustApplier applies a reputation event inside the caller's transaction.
type TrustApplier interface {
	ApplyTx(ctx context.Context, tx pgx.Tx, p trust.ApplyParams) (trust.Update, error)
}

// KYCService moves users through identity verification. Approval is final and
// grants the KYC trust bonus exactly once.
type KYCService struct {
	pool   db.TxBeginner
	repo   Repository
	trust  TrustApplier
	logger *zap.Logger
	now    func() time.Time
}

func NewKYCService(pool db.TxBeginner, repo Repository, t TrustApplier, logger *zap.Logger) *KYCService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KYCService{pool: pool, repo: repo, trust: t, logger: logger, now: time.Now}
}

// Submit marks the user's documents as awaiting review.
func (s *KYCService) Submit(ctx context.Context, userID string) (User, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return User{}, fmt.Errorf("auth: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	user, err := s.repo.LockUser(ctx, tx, userID)
	if err != nil {
		return User{}, err
	}
	switch user.KYCStatus {
	case KYCNone, KYCRejected:
	default:
		return User{}, fmt.Errorf("auth: kyc submit while %s: %w", user.KYCStatus, lifecycle.ErrInvalidTransition)
	}
	if err := s.repo.UpdateKYC(ctx, tx, UpdateKYCParams{UserID: user.ID, Status: KYCPending}); err != nil {
		return User{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return User{}, fmt.Errorf("auth: commit kyc submit: %w", err)
	}
	user.KYCStatus = KYCPending
	user.KYCNote = ""
	user.KYCReviewer = nil
	user.KYCReviewed = nil
	return user, nil
}

// Review records an admin decision on a pending submission. Rejections need a
// note for the user.
func (s *KYCService) Review(ctx context.Context, admin lifecycle.Actor, userID string, decision KYCDecision, note string) (User, error) {
	if !admin.IsAdmin() {
		return User{}, fmt.Errorf("auth: kyc review: %w", lifecycle.ErrUnauthorized)
	}
	note = strings.TrimSpace(note)
	var next KYCStatus
	switch decision {
	case KYCDecisionApprove:
		next = KYCApproved
	case KYCDecisionReject:
		if note == "" {
			return User{}, lifecycle.Validationf("auth: rejection note required")
		}
		next = KYCRejected
	default:
		return User{}, lifecycle.Validationf("auth: unknown kyc decision %q", decision)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return User{}, fmt.Errorf("auth: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	user, err := s.repo.LockUser(ctx, tx, userID)
	if err != nil {
		return User{}, err
	}
	if user.KYCStatus != KYCPending {
		return User{}, fmt.Errorf("auth: kyc review while %s: %w", user.KYCStatus, lifecycle.ErrInvalidTransition)
	}

	now := s.now().UTC()
	reviewer := admin.ID
	if err := s.repo.UpdateKYC(ctx, tx, UpdateKYCParams{
		UserID:     user.ID,
		Status:     next,
		Note:       note,
		ReviewerID: &reviewer,
		ReviewedAt: &now,
	}); err != nil {
		return User{}, err
	}
	if next == KYCApproved {
		if _, err := s.trust.ApplyTx(ctx, tx, trust.ApplyParams{
			UserID:  user.ID,
			Kind:    trust.EventKYCApproved,
			Reason:  "identity verified",
			ActorID: admin.ID,
		}); err != nil {
			return User{}, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return User{}, fmt.Errorf("auth: commit kyc review: %w", err)
	}

	user.KYCStatus = next
	user.KYCNote = note
	user.KYCReviewer = &reviewer
	user.KYCReviewed = &now
	s.logger.Info("kyc reviewed",
		zap.String("user_id", user.ID),
		zap.String("admin_id", admin.ID),
		zap.String("status", string(next)),
	)
	return user, nil
}
