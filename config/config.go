// Package config loads service settings from the environment and an optional
// .env file.
package config

import (
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Config holds every setting the API process needs.
type Config struct {
	ServerPort    string `mapstructure:"SERVER_PORT"`
	DatabaseURL   string `mapstructure:"DATABASE_URL"`
	JWTSecret     string `mapstructure:"JWT_SECRET"`
	RabbitMQURL   string `mapstructure:"RABBITMQ_URL"`
	EventExchange string `mapstructure:"EVENT_EXCHANGE"`
	RedisURL      string `mapstructure:"REDIS_URL"`
	LogLevel      string `mapstructure:"LOG_LEVEL"`
	LogFile       string `mapstructure:"LOG_FILE"`

	LedgerTimeout        time.Duration `mapstructure:"LEDGER_TIMEOUT"`
	LedgerMaxRetries     int           `mapstructure:"LEDGER_MAX_RETRIES"`
	LedgerBackoffInitial time.Duration `mapstructure:"LEDGER_BACKOFF_INITIAL"`
	LockTimeout          time.Duration `mapstructure:"LOCK_TIMEOUT"`

	EscrowFeePercent decimal.Decimal `mapstructure:"-"`
	DisputeThreshold int             `mapstructure:"DISPUTE_THRESHOLD"`
	DisputeWindow    time.Duration   `mapstructure:"DISPUTE_WINDOW"`

	OutboxSchedule    string `mapstructure:"OUTBOX_SCHEDULE"`
	OutboxBatchSize   int    `mapstructure:"OUTBOX_BATCH_SIZE"`
	OutboxMaxAttempts int    `mapstructure:"OUTBOX_MAX_ATTEMPTS"`
}

const (
	defaultServerPort       = "8080"
	defaultEventExchange    = "safeswap.events"
	defaultLogLevel         = "info"
	defaultLedgerTimeout    = 5 * time.Second
	defaultLedgerMaxRetries = 3
	defaultLedgerBackoff    = 200 * time.Millisecond
	defaultLockTimeout      = 3 * time.Second
	defaultEscrowFeePercent = "2.5"
	defaultDisputeThreshold = 3
	defaultDisputeWindow    = 30 * 24 * time.Hour
	defaultOutboxSchedule   = "@every 5s"
	defaultOutboxBatchSize  = 100
	defaultOutboxAttempts   = 10
)

var keys = []string{
	"SERVER_PORT", "DATABASE_URL", "JWT_SECRET", "RABBITMQ_URL", "EVENT_EXCHANGE", "REDIS_URL",
	"LOG_LEVEL", "LOG_FILE", "LEDGER_TIMEOUT", "LEDGER_MAX_RETRIES", "LEDGER_BACKOFF_INITIAL",
	"LOCK_TIMEOUT", "ESCROW_FEE_PERCENT", "DISPUTE_THRESHOLD", "DISPUTE_WINDOW",
	"OUTBOX_SCHEDULE", "OUTBOX_BATCH_SIZE", "OUTBOX_MAX_ATTEMPTS",
}

// Load reads configuration from environment variables, falling back to a
// .env file in path when present. Out-of-range values are replaced by their
// defaults and reported through logger.
func Load(path string, logger *zap.Logger) (Config, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("SERVER_PORT", defaultServerPort)
	v.SetDefault("EVENT_EXCHANGE", defaultEventExchange)
	v.SetDefault("LOG_LEVEL", defaultLogLevel)
	v.SetDefault("LEDGER_TIMEOUT", defaultLedgerTimeout)
	v.SetDefault("LEDGER_MAX_RETRIES", defaultLedgerMaxRetries)
	v.SetDefault("LEDGER_BACKOFF_INITIAL", defaultLedgerBackoff)
	v.SetDefault("LOCK_TIMEOUT", defaultLockTimeout)
	v.SetDefault("ESCROW_FEE_PERCENT", defaultEscrowFeePercent)
	v.SetDefault("DISPUTE_THRESHOLD", defaultDisputeThreshold)
	v.SetDefault("DISPUTE_WINDOW", defaultDisputeWindow)
	v.SetDefault("OUTBOX_SCHEDULE", defaultOutboxSchedule)
	v.SetDefault("OUTBOX_BATCH_SIZE", defaultOutboxBatchSize)
	v.SetDefault("OUTBOX_MAX_ATTEMPTS", defaultOutboxAttempts)
	for _, key := range keys {
		_ = v.BindEnv(key)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			logger.Warn("failed to read config file; using environment values", zap.Error(err))
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	cfg.coerce(v.GetString("ESCROW_FEE_PERCENT"), logger)
	return cfg, nil
}

func (c *Config) coerce(rawFee string, logger *zap.Logger) {
	c.ServerPort = strings.TrimSpace(c.ServerPort)
	if c.ServerPort == "" {
		c.ServerPort = defaultServerPort
	}
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	c.RedisURL = strings.TrimSpace(c.RedisURL)
	c.RabbitMQURL = strings.TrimSpace(c.RabbitMQURL)

	fee, err := decimal.NewFromString(strings.TrimSpace(rawFee))
	if err != nil || fee.IsNegative() || fee.GreaterThan(decimal.NewFromInt(100)) {
		logger.Warn("invalid ESCROW_FEE_PERCENT; using default", zap.String("value", rawFee), zap.String("default", defaultEscrowFeePercent))
		fee = decimal.RequireFromString(defaultEscrowFeePercent)
	}
	c.EscrowFeePercent = fee

	if c.LedgerTimeout <= 0 {
		logger.Warn("invalid LEDGER_TIMEOUT; using default", zap.Duration("value", c.LedgerTimeout))
		c.LedgerTimeout = defaultLedgerTimeout
	}
	if c.LedgerMaxRetries < 0 {
		logger.Warn("invalid LEDGER_MAX_RETRIES; using default", zap.Int("value", c.LedgerMaxRetries))
		c.LedgerMaxRetries = defaultLedgerMaxRetries
	}
	if c.LedgerBackoffInitial <= 0 {
		logger.Warn("invalid LEDGER_BACKOFF_INITIAL; using default", zap.Duration("value", c.LedgerBackoffInitial))
		c.LedgerBackoffInitial = defaultLedgerBackoff
	}
	if c.LockTimeout < 0 {
		logger.Warn("invalid LOCK_TIMEOUT; using default", zap.Duration("value", c.LockTimeout))
		c.LockTimeout = defaultLockTimeout
	}
	if c.DisputeThreshold < 0 {
		logger.Warn("invalid DISPUTE_THRESHOLD; using default", zap.Int("value", c.DisputeThreshold))
		c.DisputeThreshold = defaultDisputeThreshold
	}
	if c.DisputeWindow <= 0 {
		logger.Warn("invalid DISPUTE_WINDOW; using default", zap.Duration("value", c.DisputeWindow))
		c.DisputeWindow = defaultDisputeWindow
	}
	if strings.TrimSpace(c.OutboxSchedule) == "" {
		c.OutboxSchedule = defaultOutboxSchedule
	}
	if c.OutboxBatchSize <= 0 {
		logger.Warn("invalid OUTBOX_BATCH_SIZE; using default", zap.Int("value", c.OutboxBatchSize))
		c.OutboxBatchSize = defaultOutboxBatchSize
	}
	if c.OutboxMaxAttempts <= 0 {
		logger.Warn("invalid OUTBOX_MAX_ATTEMPTS; using default", zap.Int("value", c.OutboxMaxAttempts))
		c.OutboxMaxAttempts = defaultOutboxAttempts
	}
}

// Validate reports settings the API cannot start without.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.DatabaseURL) == "" {
		errs = append(errs, errors.New("config: DATABASE_URL is required"))
	}
	if len(c.JWTSecret) < 16 {
		errs = append(errs, errors.New("config: JWT_SECRET must be at least 16 characters"))
	}
	return errors.Join(errs...)
}
