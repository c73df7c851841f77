package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range keys {
		unsetEnvWithCleanup(t, key)
	}

	cfg, err := Load(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.ServerPort != "8080" || cfg.EventExchange != "safeswap.events" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.LedgerTimeout != 5*time.Second || cfg.LedgerMaxRetries != 3 {
		t.Fatalf("unexpected ledger defaults: %s %d", cfg.LedgerTimeout, cfg.LedgerMaxRetries)
	}
	if cfg.EscrowFeePercent.String() != "2.5" {
		t.Fatalf("expected default fee 2.5, got %s", cfg.EscrowFeePercent)
	}
	if cfg.OutboxSchedule != "@every 5s" || cfg.OutboxBatchSize != 100 || cfg.OutboxMaxAttempts != 10 {
		t.Fatalf("unexpected outbox defaults: %+v", cfg)
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	setEnvWithCleanup(t, "SERVER_PORT", "9090")
	setEnvWithCleanup(t, "LEDGER_TIMEOUT", "750ms")
	setEnvWithCleanup(t, "LEDGER_MAX_RETRIES", "0")
	setEnvWithCleanup(t, "ESCROW_FEE_PERCENT", "1.75")
	setEnvWithCleanup(t, "DISPUTE_WINDOW", "48h")

	cfg, err := Load(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.ServerPort != "9090" {
		t.Fatalf("expected port from env, got %q", cfg.ServerPort)
	}
	if cfg.LedgerTimeout != 750*time.Millisecond || cfg.LedgerMaxRetries != 0 {
		t.Fatalf("unexpected ledger settings: %s %d", cfg.LedgerTimeout, cfg.LedgerMaxRetries)
	}
	if cfg.EscrowFeePercent.String() != "1.75" {
		t.Fatalf("expected fee 1.75, got %s", cfg.EscrowFeePercent)
	}
	if cfg.DisputeWindow != 48*time.Hour {
		t.Fatalf("expected 48h window, got %s", cfg.DisputeWindow)
	}
}

func TestLoadCoercesInvalidValues(t *testing.T) {
	setEnvWithCleanup(t, "ESCROW_FEE_PERCENT", "150")
	setEnvWithCleanup(t, "LEDGER_MAX_RETRIES", "-4")
	setEnvWithCleanup(t, "OUTBOX_BATCH_SIZE", "0")
	setEnvWithCleanup(t, "LEDGER_TIMEOUT", "-1s")

	cfg, err := Load(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.EscrowFeePercent.String() != "2.5" {
		t.Fatalf("expected fee coerced to default, got %s", cfg.EscrowFeePercent)
	}
	if cfg.LedgerMaxRetries != 3 || cfg.OutboxBatchSize != 100 || cfg.LedgerTimeout != 5*time.Second {
		t.Fatalf("expected coerced defaults, got %+v", cfg)
	}
}

func TestLoadReadsDotEnvFile(t *testing.T) {
	unsetEnvWithCleanup(t, "DATABASE_URL")
	unsetEnvWithCleanup(t, "JWT_SECRET")
	dir := t.TempDir()
	content := "DATABASE_URL=postgres://safeswap@localhost/safeswap\nJWT_SECRET=0123456789abcdef0123\n"
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte(content), 0o600); err != nil {
		t.Fatalf("write .env: %v", err)
	}

	cfg, err := Load(dir, nil)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.DatabaseURL != "postgres://safeswap@localhost/safeswap" {
		t.Fatalf("expected database url from .env, got %q", cfg.DatabaseURL)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	if err := (Config{}).Validate(); err == nil {
		t.Fatalf("expected missing settings to fail validation")
	}
	if err := (Config{DatabaseURL: "postgres://x", JWTSecret: "short"}).Validate(); err == nil {
		t.Fatalf("expected short secret to fail validation")
	}
}

func setEnvWithCleanup(t *testing.T, key, value string) {
	t.Helper()
	prev, hadPrev := os.LookupEnv(key)
	if err := os.Setenv(key, value); err != nil {
		t.Fatalf("setenv %s: %v", key, err)
	}
	t.Cleanup(func() {
		if hadPrev {
			_ = os.Setenv(key, prev)
		} else {
			_ = os.Unsetenv(key)
		}
	})
}

func unsetEnvWithCleanup(t *testing.T, key string) {
	t.Helper()
	prev, hadPrev := os.LookupEnv(key)
	_ = os.Unsetenv(key)
	t.Cleanup(func() {
		if hadPrev {
			_ = os.Setenv(key, prev)
		}
	})
}
