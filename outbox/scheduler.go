package outbox

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const DefaultSchedule = "@every 5s"

// Scheduler runs the relay on a cron schedule. Overlapping runs are skipped.
type Scheduler struct {
	cron    *cron.Cron
	relay   *Relay
	spec    string
	timeout time.Duration
	logger  *zap.Logger
}

func NewScheduler(relay *Relay, spec string, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if spec == "" {
		spec = DefaultSchedule
	}
	cronLogger := cronLogger{logger: logger.Sugar()}
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))
	return &Scheduler{
		cron:    c,
		relay:   relay,
		spec:    spec,
		timeout: 30 * time.Second,
		logger:  logger,
	}
}

// Start registers the drain job and starts the scheduler.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.spec, s.run); err != nil {
		s.logger.Error("failed to schedule outbox relay", zap.String("schedule", s.spec), zap.Error(err))
		return err
	}
	s.logger.Info("scheduled outbox relay", zap.String("schedule", s.spec))
	s.cron.Start()
	return nil
}

// Stop stops scheduling; the returned context is done when the running job finishes.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

func (s *Scheduler) run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if _, err := s.relay.Drain(ctx); err != nil {
		s.logger.Error("outbox drain failed", zap.Error(err))
	}
}

type cronLogger struct {
	logger *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Errorw(msg, append(keysAndValues, "error", err)...)
}
