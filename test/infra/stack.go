package infra

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"safeswap/auth"
	"safeswap/deal"
	"safeswap/dispute"
	"safeswap/ledger"
	"safeswap/lifecycle"
	"safeswap/outbox"
	"safeswap/trust"
)

// Stack is the engine wired over a migrated database, the same way cmd/api
// wires it, minus the HTTP surface and the broker.
type Stack struct {
	Pool     *pgxpool.Pool
	Deals    *deal.Service
	Disputes *dispute.Service
	Trust    *trust.Service
	Users    *auth.PGRepository
	Outbox   *outbox.Writer
}

type StackOptions struct {
	LedgerTimeout time.Duration
	LockTimeout   time.Duration
	Frequency     trust.FrequencyRule
	Logger        *zap.Logger
}

func NewStack(pool *pgxpool.Pool, opts StackOptions) *Stack {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	rule := opts.Frequency
	if rule == nil {
		rule = trust.NoopFrequencyRule{}
	}
	if opts.LedgerTimeout <= 0 {
		opts.LedgerTimeout = 2 * time.Second
	}

	events := outbox.NewWriter()
	client := ledger.NewClient(ledger.NewPGGateway(pool), ledger.ClientOptions{
		Timeout:        opts.LedgerTimeout,
		MaxRetries:     2,
		InitialBackoff: 20 * time.Millisecond,
		Logger:         logger,
	})
	trustSvc := trust.NewService(pool, trust.NewRepository(pool), events, logger)
	deals := deal.NewService(pool, deal.NewRepository(pool), client, trustSvc, events, deal.Options{
		EscrowFeePercent: decimal.RequireFromString("2.5"),
		LockTimeout:      opts.LockTimeout,
		Logger:           logger,
	})
	disputes := dispute.NewService(pool, dispute.NewRepository(pool), deals, trustSvc, rule, events, logger).
		WithLockTimeout(opts.LockTimeout)
	deals.WithDisputeRecorder(disputes)

	return &Stack{
		Pool:     pool,
		Deals:    deals,
		Disputes: disputes,
		Trust:    trustSvc,
		Users:    auth.NewRepository(pool),
		Outbox:   events,
	}
}

// SeedUser inserts a user with the given role and returns it as an actor.
func (s *Stack) SeedUser(ctx context.Context, role auth.Role) (lifecycle.Actor, error) {
	u, err := s.Users.CreateUser(ctx, auth.CreateUserParams{
		Email:        fmt.Sprintf("%s-%d-%d@safeswap.test", role, time.Now().UnixNano(), rand.Int63()),
		FullName:     "Seeded " + string(role),
		PasswordHash: "not-a-real-hash",
		Role:         role,
	})
	if err != nil {
		return lifecycle.Actor{}, err
	}
	return u.Actor(), nil
}
