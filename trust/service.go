package trust

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"safeswap/db"
	"safeswap/lifecycle"
)

// Service applies reputation events. Every change is serialized per user by
// the score row lock and recorded as an immutable Update.
type Service struct {
	pool        db.TxBeginner
	repo        Repository
	events      lifecycle.Emitter
	logger      *zap.Logger
	idGenerator func() string
	now         func() time.Time
}

func NewService(pool db.TxBeginner, repo Repository, events lifecycle.Emitter, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		pool:        pool,
		repo:        repo,
		events:      events,
		logger:      logger,
		idGenerator: uuid.NewString,
		now:         time.Now,
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// ApplyTx applies one event against the latest committed score inside tx.
func (s *Service) ApplyTx(ctx context.Context, tx pgx.Tx, p ApplyParams) (Update, error) {
	if p.UserID == "" {
		return Update{}, lifecycle.Validationf("trust: user id required")
	}

	current, err := s.repo.LockScore(ctx, tx, p.UserID)
	if err != nil {
		return Update{}, err
	}
	next, err := Calculate(current, p.Kind, p.Magnitude)
	if err != nil {
		return Update{}, fmt.Errorf("trust: apply %s: %w", p.Kind, err)
	}

	upd := Update{
		ID:            s.idGenerator(),
		UserID:        p.UserID,
		PreviousScore: current,
		NewScore:      next,
		Kind:          p.Kind,
		Reason:        p.Reason,
		ActorID:       p.ActorID,
		CreatedAt:     s.now().UTC(),
	}
	if p.DealID != "" {
		dealID := p.DealID
		upd.DealID = &dealID
	}

	stored, err := s.repo.Append(ctx, tx, upd)
	if err != nil {
		return Update{}, err
	}

	if s.events != nil {
		ev := lifecycle.TrustScoreChanged{
			UserID:        stored.UserID,
			PreviousScore: stored.PreviousScore,
			NewScore:      stored.NewScore,
			Kind:          string(stored.Kind),
			DealID:        p.DealID,
			At:            stored.CreatedAt,
		}
		if err := s.events.Emit(ctx, tx, ev); err != nil {
			return Update{}, fmt.Errorf("trust: emit score change: %w", err)
		}
	}
	return stored, nil
}

// ApplyManyTx applies events in user-id order so concurrent transactions
// touching the same users acquire score locks in the same order.
func (s *Service) ApplyManyTx(ctx context.Context, tx pgx.Tx, params []ApplyParams) ([]Update, error) {
	ordered := make([]ApplyParams, len(params))
	copy(ordered, params)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].UserID < ordered[j].UserID })

	out := make([]Update, 0, len(ordered))
	for _, p := range ordered {
		upd, err := s.ApplyTx(ctx, tx, p)
		if err != nil {
			return nil, err
		}
		out = append(out, upd)
	}
	return out, nil
}

// Adjust records a manual admin adjustment in its own transaction.
func (s *Service) Adjust(ctx context.Context, admin lifecycle.Actor, p AdjustParams) (Update, error) {
	if !admin.IsAdmin() {
		return Update{}, fmt.Errorf("trust: adjust: %w", lifecycle.ErrUnauthorized)
	}
	if strings.TrimSpace(p.UserID) == "" {
		return Update{}, lifecycle.Validationf("trust: user id required")
	}
	if !lifecycle.ValidAuditReason(p.Reason) {
		return Update{}, lifecycle.Validationf("trust: adjustment reason must be at least %d characters", lifecycle.MinAuditReasonLength)
	}
	if _, err := Delta(EventManualAdjustment, p.Delta); err != nil {
		return Update{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Update{}, fmt.Errorf("trust: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	upd, err := s.ApplyTx(ctx, tx, ApplyParams{
		UserID:    p.UserID,
		Kind:      EventManualAdjustment,
		Magnitude: p.Delta,
		Reason:    strings.TrimSpace(p.Reason),
		ActorID:   admin.ID,
	})
	if err != nil {
		return Update{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Update{}, fmt.Errorf("trust: commit adjustment: %w", err)
	}

	s.logger.Info("trust score adjusted",
		zap.String("user_id", upd.UserID),
		zap.String("admin_id", admin.ID),
		zap.Int("previous", upd.PreviousScore),
		zap.Int("new", upd.NewScore),
	)
	return upd, nil
}

func (s *Service) Score(ctx context.Context, userID string) (int, error) {
	return s.repo.Score(ctx, userID)
}

func (s *Service) History(ctx context.Context, userID string, limit int) ([]Update, error) {
	return s.repo.History(ctx, userID, limit)
}
