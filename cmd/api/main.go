package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	flag "github.com/spf13/pflag"
	"go.uber.org/zap"

	"safeswap/auth"
	"safeswap/config"
	"safeswap/db"
	"safeswap/deal"
	"safeswap/dispute"
	"safeswap/ledger"
	"safeswap/logging"
	"safeswap/outbox"
	"safeswap/trust"
)

func main() {
	configPath := flag.StringP("config", "c", "", "path to a config file (env vars still win)")
	addr := flag.String("addr", "", "listen address; defaults to :SERVER_PORT")
	flag.Parse()

	bootLogger := logging.Must(logging.Options{Level: os.Getenv("LOG_LEVEL")})
	cfg, err := config.Load(*configPath, bootLogger)
	if err != nil {
		bootLogger.Fatal("config load failed", zap.Error(err))
	}
	if err := cfg.Validate(); err != nil {
		bootLogger.Fatal("config invalid", zap.Error(err))
	}

	logger := logging.Must(logging.Options{Level: cfg.LogLevel, File: cfg.LogFile})
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *addr, logger); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
}

func run(ctx context.Context, cfg config.Config, addr string, logger *zap.Logger) error {
	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("bootstrap database pool: %w", err)
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	logger.Info("database connected")

	events := outbox.NewWriter()
	ledgerClient := ledger.NewClient(ledger.NewPGGateway(pool), ledger.ClientOptions{
		Timeout:        cfg.LedgerTimeout,
		MaxRetries:     cfg.LedgerMaxRetries,
		InitialBackoff: cfg.LedgerBackoffInitial,
		Logger:         logger.Named("ledger"),
	})

	rule, closeRedis := frequencyRule(ctx, cfg, logger)
	defer closeRedis()

	trustService := trust.NewService(pool, trust.NewRepository(pool), events, logger.Named("trust"))
	dealService := deal.NewService(pool, deal.NewRepository(pool), ledgerClient, trustService, events, deal.Options{
		EscrowFeePercent: cfg.EscrowFeePercent,
		LockTimeout:      cfg.LockTimeout,
		Logger:           logger.Named("deal"),
	})
	disputeService := dispute.NewService(pool, dispute.NewRepository(pool), dealService, trustService, rule, events, logger.Named("dispute")).
		WithLockTimeout(cfg.LockTimeout)
	dealService.WithDisputeRecorder(disputeService)

	users := auth.NewRepository(pool)
	authService := auth.NewService(users, cfg.JWTSecret)
	kycService := auth.NewKYCService(pool, users, trustService, logger.Named("kyc"))

	publisher := eventPublisher(cfg, logger)
	defer publisher.Close()
	relay := outbox.NewRelay(pool, outbox.NewStore(), publisher, outbox.RelayOptions{
		BatchSize:   cfg.OutboxBatchSize,
		MaxAttempts: cfg.OutboxMaxAttempts,
		Logger:      logger.Named("outbox"),
	})
	scheduler := outbox.NewScheduler(relay, cfg.OutboxSchedule, logger.Named("outbox"))
	if err := scheduler.Start(); err != nil {
		return fmt.Errorf("start outbox scheduler: %w", err)
	}
	defer func() { <-scheduler.Stop().Done() }()

	server := &Server{
		dealService:    dealService,
		disputeService: disputeService,
		trustService:   trustService,
		authService:    authService,
		kycService:     kycService,
		logger:         logger.Named("http"),
	}

	if addr == "" {
		addr = ":" + cfg.ServerPort
	}
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// frequencyRule connects the dispute-frequency counter to Redis. Without
// Redis the rule is disabled rather than failing startup.
func frequencyRule(ctx context.Context, cfg config.Config, logger *zap.Logger) (trust.FrequencyRule, func()) {
	noop := func() {}
	if strings.TrimSpace(cfg.RedisURL) == "" {
		logger.Warn("redis url missing; dispute frequency rule disabled")
		return trust.NoopFrequencyRule{}, noop
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Warn("redis url parse failed; dispute frequency rule disabled", zap.Error(err))
		return trust.NoopFrequencyRule{}, noop
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis ping failed; dispute frequency rule disabled", zap.Error(err))
		_ = client.Close()
		return trust.NoopFrequencyRule{}, noop
	}
	logger.Info("redis connected")
	return trust.NewRedisFrequencyRule(client, "safeswap:disputes", cfg.DisputeThreshold, cfg.DisputeWindow), func() { _ = client.Close() }
}

// eventPublisher dials RabbitMQ and falls back to a publisher that keeps
// outbox rows pending until the process is restarted with a broker.
func eventPublisher(cfg config.Config, logger *zap.Logger) outbox.Publisher {
	if strings.TrimSpace(cfg.RabbitMQURL) == "" {
		logger.Warn("rabbitmq url missing; events stay in the outbox")
		return outbox.NewLogPublisher(logger.Named("outbox"))
	}
	pub, err := outbox.NewAMQPPublisher(cfg.RabbitMQURL, cfg.EventExchange, logger.Named("outbox"))
	if err != nil {
		logger.Warn("rabbitmq producer unavailable; events stay in the outbox", zap.Error(err))
		return outbox.NewLogPublisher(logger.Named("outbox"))
	}
	logger.Info("rabbitmq producer connected", zap.String("exchange", cfg.EventExchange))
	return pub
}
