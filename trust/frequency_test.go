package trust

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestRedisFrequencyRuleDisabled(t *testing.T) {
	rules := []*RedisFrequencyRule{
		nil,
		NewRedisFrequencyRule(nil, "", 3, time.Hour),
		NewRedisFrequencyRule(redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"}), "x", 0, time.Hour),
	}
	for i, rule := range rules {
		flagged, count, err := rule.Observe(context.Background(), "user-1")
		if err != nil || flagged || count != 0 {
			t.Fatalf("rule %d: expected disabled rule, got %v %d %v", i, flagged, count, err)
		}
	}
}

func TestRedisFrequencyRuleSurfacesErrors(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	rule := NewRedisFrequencyRule(client, "test:disputes:", 2, time.Minute)
	if rule.prefix != "test:disputes" {
		t.Fatalf("expected trailing colon trimmed, got %q", rule.prefix)
	}
	if _, _, err := rule.Observe(context.Background(), "user-1"); err == nil {
		t.Fatalf("expected error from unreachable redis")
	}
}
