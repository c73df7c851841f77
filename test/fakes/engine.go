package fakes

import (
	"time"

	"github.com/shopspring/decimal"

	"safeswap/deal"
	"safeswap/dispute"
	"safeswap/ledger"
	"safeswap/trust"
)

// Engine wires the real services over the in-memory stores.
type Engine struct {
	Pool      *Pool
	Deals     *DealStore
	Disputes  *DisputeStore
	Trust     *TrustStore
	Ledger    *Ledger
	Events    *Events
	Frequency *FrequencyRule

	DealService    *deal.Service
	DisputeService *dispute.Service
	TrustService   *trust.Service
}

type EngineOptions struct {
	LedgerTimeout    time.Duration
	LedgerMaxRetries int
	EscrowFeePercent decimal.Decimal
	Now              func() time.Time
}

func NewEngine(opts EngineOptions) *Engine {
	e := &Engine{
		Pool:      &Pool{},
		Deals:     NewDealStore(),
		Disputes:  NewDisputeStore(),
		Trust:     NewTrustStore(),
		Ledger:    &Ledger{},
		Events:    &Events{},
		Frequency: &FrequencyRule{},
	}
	if opts.LedgerTimeout <= 0 {
		opts.LedgerTimeout = time.Second
	}
	client := ledger.NewClient(e.Ledger, ledger.ClientOptions{
		Timeout:        opts.LedgerTimeout,
		MaxRetries:     opts.LedgerMaxRetries,
		InitialBackoff: time.Millisecond,
	})

	e.TrustService = trust.NewService(e.Pool, e.Trust, e.Events, nil)
	e.DealService = deal.NewService(e.Pool, e.Deals, client, e.TrustService, e.Events, deal.Options{
		EscrowFeePercent: opts.EscrowFeePercent,
	})
	e.DisputeService = dispute.NewService(e.Pool, e.Disputes, e.DealService, e.TrustService, e.Frequency, e.Events, nil)
	e.DealService.WithDisputeRecorder(e.DisputeService)

	if opts.Now != nil {
		e.TrustService.WithClock(opts.Now)
		e.DealService.WithClock(opts.Now)
		e.DisputeService.WithClock(opts.Now)
	}
	return e
}
