package ledger

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"safeswap/lifecycle"
)

const (
	defaultTimeout        = 5 * time.Second
	defaultMaxRetries     = 3
	defaultInitialBackoff = 200 * time.Millisecond
)

// ClientOptions tunes the retry envelope around a Gateway.
type ClientOptions struct {
	Timeout        time.Duration
	MaxRetries     int
	InitialBackoff time.Duration
	Logger         *zap.Logger
}

// Client bounds every gateway call by a timeout and retries transient
// failures with exponential backoff. Failures surface as *lifecycle.LedgerError.
type Client struct {
	gw             Gateway
	timeout        time.Duration
	maxRetries     int
	initialBackoff time.Duration
	logger         *zap.Logger
}

func NewClient(gw Gateway, opts ClientOptions) *Client {
	c := &Client{
		gw:             gw,
		timeout:        opts.Timeout,
		maxRetries:     opts.MaxRetries,
		initialBackoff: opts.InitialBackoff,
		logger:         opts.Logger,
	}
	if c.timeout <= 0 {
		c.timeout = defaultTimeout
	}
	if c.maxRetries < 0 {
		c.maxRetries = defaultMaxRetries
	}
	if c.initialBackoff <= 0 {
		c.initialBackoff = defaultInitialBackoff
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	return c
}

func (c *Client) Hold(ctx context.Context, req HoldRequest) (HoldReceipt, error) {
	var out HoldReceipt
	err := c.do(ctx, "hold", req.Reference, func(ctx context.Context) error {
		receipt, err := c.gw.Hold(ctx, req)
		if err != nil {
			return err
		}
		out = receipt
		return nil
	})
	return out, err
}

func (c *Client) Release(ctx context.Context, req TransferRequest) (Receipt, error) {
	var out Receipt
	err := c.do(ctx, "release", req.Reference, func(ctx context.Context) error {
		receipt, err := c.gw.Release(ctx, req)
		if err != nil {
			return err
		}
		out = receipt
		return nil
	})
	return out, err
}

func (c *Client) Refund(ctx context.Context, req TransferRequest) (Receipt, error) {
	var out Receipt
	err := c.do(ctx, "refund", req.Reference, func(ctx context.Context) error {
		receipt, err := c.gw.Refund(ctx, req)
		if err != nil {
			return err
		}
		out = receipt
		return nil
	})
	return out, err
}

func (c *Client) FindHold(ctx context.Context, reference string) (HoldReceipt, error) {
	var out HoldReceipt
	err := c.do(ctx, "find_hold", reference, func(ctx context.Context) error {
		receipt, err := c.gw.FindHold(ctx, reference)
		if err != nil {
			return err
		}
		out = receipt
		return nil
	})
	return out, err
}

func (c *Client) do(ctx context.Context, op, reference string, fn func(context.Context) error) error {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = c.initialBackoff
	expo.MaxElapsedTime = 0
	expo.Reset()
	policy := backoff.WithContext(backoff.WithMaxRetries(expo, uint64(c.maxRetries)), ctx)

	attempts := 0
	permanent := false
	err := backoff.RetryNotify(func() error {
		attempts++
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		err := fn(callCtx)
		if err != nil && IsPermanent(err) {
			permanent = true
			return backoff.Permanent(err)
		}
		return err
	}, policy, func(err error, wait time.Duration) {
		c.logger.Warn("ledger call failed; retrying",
			zap.String("op", op),
			zap.String("reference", reference),
			zap.Int("attempt", attempts),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
	})
	if err == nil {
		return nil
	}

	ledgerErr := &lifecycle.LedgerError{
		Op:        op,
		Attempts:  attempts,
		Exhausted: !permanent && attempts > c.maxRetries,
		Err:       err,
	}
	if ledgerErr.Exhausted {
		c.logger.Error("ledger call exhausted retries; escalating",
			zap.String("op", op),
			zap.String("reference", reference),
			zap.Int("attempts", attempts),
			zap.Error(err),
		)
	}
	return ledgerErr
}
