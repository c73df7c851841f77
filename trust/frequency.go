package trust

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// FrequencyRule decides whether a user opens disputes often enough to be
// penalised. It is policy: callers log rule failures and carry on.
type FrequencyRule interface {
	Observe(ctx context.Context, userID string) (flagged bool, count int, err error)
}

// NoopFrequencyRule never flags anyone.
type NoopFrequencyRule struct{}

func (NoopFrequencyRule) Observe(context.Context, string) (bool, int, error) { return false, 0, nil }

var disputeWindowScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return current
`)

// RedisFrequencyRule counts disputes per user in a fixed window that starts
// with the first dispute and flags users above threshold.
type RedisFrequencyRule struct {
	client    redis.UniversalClient
	prefix    string
	threshold int
	window    time.Duration
}

func NewRedisFrequencyRule(client redis.UniversalClient, prefix string, threshold int, window time.Duration) *RedisFrequencyRule {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = "safeswap:disputes"
	}
	return &RedisFrequencyRule{
		client:    client,
		prefix:    prefix,
		threshold: threshold,
		window:    window,
	}
}

func (r *RedisFrequencyRule) Observe(ctx context.Context, userID string) (bool, int, error) {
	if r == nil || r.client == nil || r.threshold <= 0 || r.window <= 0 {
		return false, 0, nil
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return false, 0, nil
	}

	windowMs := r.window.Milliseconds()
	if windowMs < 1000 {
		windowMs = 1000
	}
	key := fmt.Sprintf("%s:%s", r.prefix, userID)
	count, err := disputeWindowScript.Run(ctx, r.client, []string{key}, windowMs).Int()
	if err != nil {
		return false, 0, fmt.Errorf("trust: dispute window: %w", err)
	}
	return count > r.threshold, count, nil
}
