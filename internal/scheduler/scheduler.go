// Package scheduler runs the periodic approval timeout sweep and the retry
// of failed postings.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/pesio-ai/be-gl-autoposting/internal/pkg/logger"
	"github.com/pesio-ai/be-gl-autoposting/internal/service"
)

// TimeoutSweeper expires or escalates overdue approvals.
type TimeoutSweeper interface {
	ProcessTimeouts(ctx context.Context) (*service.TimeoutSweepResult, error)
}

// FailedRetrier reprocesses failed postings.
type FailedRetrier interface {
	RetryFailedTransactions(ctx context.Context, limit int, olderThan time.Duration) (int, error)
}

// Config holds the cron specs and retry window. An empty spec disables its job.
type Config struct {
	TimeoutSweepCron string
	RetryCron        string
	RetryOlderThan   time.Duration
	RetryBatchSize   int
	JobTimeout       time.Duration
}

// Scheduler owns the cron runner.
type Scheduler struct {
	cron    *cron.Cron
	cfg     Config
	sweeper TimeoutSweeper
	retrier FailedRetrier
	log     *logger.Logger
}

// New registers the jobs. Overlapping runs of the same job are skipped.
func New(cfg Config, sweeper TimeoutSweeper, retrier FailedRetrier, log *logger.Logger) (*Scheduler, error) {
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 5 * time.Minute
	}
	if cfg.RetryBatchSize <= 0 {
		cfg.RetryBatchSize = 100
	}

	log = log.Component("scheduler")
	cl := cronLogger{log: log}
	c := cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	s := &Scheduler{
		cron:    c,
		cfg:     cfg,
		sweeper: sweeper,
		retrier: retrier,
		log:     log,
	}

	if cfg.TimeoutSweepCron != "" {
		if _, err := s.cron.AddFunc(cfg.TimeoutSweepCron, s.job(s.RunTimeoutSweep)); err != nil {
			return nil, fmt.Errorf("invalid timeout sweep schedule %q: %w", cfg.TimeoutSweepCron, err)
		}
	}
	if cfg.RetryCron != "" {
		if _, err := s.cron.AddFunc(cfg.RetryCron, s.job(s.RunRetry)); err != nil {
			return nil, fmt.Errorf("invalid retry schedule %q: %w", cfg.RetryCron, err)
		}
	}
	return s, nil
}

// Jobs reports how many jobs are registered.
func (s *Scheduler) Jobs() int {
	return len(s.cron.Entries())
}

// Start runs the scheduler in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info().
		Str("timeout_sweep", s.cfg.TimeoutSweepCron).
		Str("retry", s.cfg.RetryCron).
		Msg("Scheduler started")
}

// Stop stops scheduling and waits for running jobs or ctx.
func (s *Scheduler) Stop(ctx context.Context) {
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
		s.log.Warn().Msg("Scheduler stop timed out with jobs still running")
	}
}

func (s *Scheduler) job(run func(ctx context.Context) error) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.JobTimeout)
		defer cancel()
		_ = run(ctx)
	}
}

// RunTimeoutSweep runs one approval timeout sweep.
func (s *Scheduler) RunTimeoutSweep(ctx context.Context) error {
	res, err := s.sweeper.ProcessTimeouts(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("Approval timeout sweep failed")
		return err
	}
	if res.Escalated+res.Expired+res.TimedOutWorkflows > 0 {
		s.log.Info().
			Int("escalated", res.Escalated).
			Int("expired", res.Expired).
			Int("timed_out_workflows", res.TimedOutWorkflows).
			Msg("Approval timeout sweep completed")
	}
	return nil
}

// RunRetry retries one batch of failed postings.
func (s *Scheduler) RunRetry(ctx context.Context) error {
	recovered, err := s.retrier.RetryFailedTransactions(ctx, s.cfg.RetryBatchSize, s.cfg.RetryOlderThan)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed transaction retry failed")
		return err
	}
	if recovered > 0 {
		s.log.Info().Int("recovered", recovered).Msg("Failed transactions retried")
	}
	return nil
}

// cronLogger adapts the service logger to cron.Logger.
type cronLogger struct {
	log *logger.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
