package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"safeswap/db"
)

const (
	defaultBatchSize   = 100
	defaultMaxAttempts = 10
)

type RelayOptions struct {
	BatchSize   int
	MaxAttempts int
	Logger      *zap.Logger
}

// DrainResult counts what one Drain pass did.
type DrainResult struct {
	Published int
	Failed    int
	Dead      int
}

// Relay moves committed outbox rows to the publisher. Delivery is at least
// once: a crash between publish and commit republishes the batch.
type Relay struct {
	pool        db.TxBeginner
	store       Store
	publisher   Publisher
	batchSize   int
	maxAttempts int
	logger      *zap.Logger
	now         func() time.Time
}

func NewRelay(pool db.TxBeginner, store Store, publisher Publisher, opts RelayOptions) *Relay {
	r := &Relay{
		pool:        pool,
		store:       store,
		publisher:   publisher,
		batchSize:   opts.BatchSize,
		maxAttempts: opts.MaxAttempts,
		logger:      opts.Logger,
		now:         time.Now,
	}
	if r.batchSize <= 0 {
		r.batchSize = defaultBatchSize
	}
	if r.maxAttempts <= 0 {
		r.maxAttempts = defaultMaxAttempts
	}
	if r.logger == nil {
		r.logger = zap.NewNop()
	}
	return r
}

// Drain claims one batch, publishes it in order and settles every row in the
// same transaction.
func (r *Relay) Drain(ctx context.Context) (DrainResult, error) {
	var res DrainResult

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return res, fmt.Errorf("outbox: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	batch, err := r.store.Claim(ctx, tx, r.batchSize)
	if err != nil {
		return res, err
	}
	if len(batch) == 0 {
		return res, nil
	}

	for _, msg := range batch {
		pubErr := r.publisher.Publish(ctx, msg)
		if pubErr == nil {
			if err := r.store.MarkPublished(ctx, tx, msg.ID, r.now().UTC()); err != nil {
				return res, err
			}
			res.Published++
			continue
		}
		if errors.Is(pubErr, ErrPublisherUnavailable) {
			// Broker is down; leave the rest untouched for the next pass.
			break
		}

		attempts := msg.Attempts + 1
		dead := attempts >= r.maxAttempts
		if err := r.store.MarkFailed(ctx, tx, msg.ID, attempts, dead, pubErr.Error()); err != nil {
			return res, err
		}
		res.Failed++
		if dead {
			res.Dead++
			r.logger.Error("outbox message dead-lettered",
				zap.String("message_id", msg.ID),
				zap.String("topic", msg.Topic),
				zap.Int("attempts", attempts),
				zap.Error(pubErr),
			)
		} else {
			r.logger.Warn("outbox publish failed",
				zap.String("message_id", msg.ID),
				zap.String("topic", msg.Topic),
				zap.Int("attempts", attempts),
				zap.Error(pubErr),
			)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return DrainResult{}, fmt.Errorf("outbox: commit drain: %w", err)
	}
	if res.Published > 0 || res.Failed > 0 {
		r.logger.Info("outbox drained",
			zap.Int("published", res.Published),
			zap.Int("failed", res.Failed),
			zap.Int("dead", res.Dead),
		)
	}
	return res, nil
}
