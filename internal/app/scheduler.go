/**
 * @description
 * Cron scheduler for the service's background jobs: the reconciliation pass over
 * stranded execution attempts and the card stack expiry sweep.
 */
package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

const jobTimeout = 2 * time.Minute

// SchedulerConfig holds the cron expressions of the scheduled jobs.
type SchedulerConfig struct {
	ReconcileSchedule  string
	ExpirySchedule     string
	ReconcileBatchSize int
}

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron    *cron.Cron
	service *Service
	logger  *slog.Logger
	config  SchedulerConfig
}

// NewScheduler creates a new scheduler instance. Overlapping runs of a job are skipped.
func NewScheduler(service *Service, logger *slog.Logger, cfg SchedulerConfig) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))

	return &Scheduler{
		cron:    c,
		service: service,
		logger:  logger,
		config:  cfg,
	}
}

// Start registers the jobs and starts the cron scheduler.
func (s *Scheduler) Start() {
	s.schedule("reconcile", s.config.ReconcileSchedule, s.RunReconcile)
	s.schedule("card stack expiry", s.config.ExpirySchedule, s.RunExpiry)
	s.cron.Start()
}

func (s *Scheduler) schedule(name, spec string, job func()) {
	if spec == "" {
		s.logger.Info("job disabled", "job", name)
		return
	}
	if _, err := s.cron.AddFunc(spec, job); err != nil {
		s.logger.Error("failed to schedule job", "job", name, "schedule", spec, "error", err)
		return
	}
	s.logger.Info("scheduled job", "job", name, "schedule", spec)
}

// RunReconcile runs one reconciliation pass.
func (s *Scheduler) RunReconcile() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	result, err := s.service.ReconcileExecutions(ctx, s.config.ReconcileBatchSize)
	if err != nil {
		s.logger.Error("reconcile job failed", "error", err)
		return
	}
	if result.Processed > 0 {
		s.logger.Info("reconcile job finished",
			"processed", result.Processed,
			"settled", result.Settled,
			"resumed", result.Resumed,
			"pull_failed", result.PullFailed,
			"released", result.Released,
			"still_pending", result.StillPending,
			"failed", result.Failed,
		)
	}
}

// RunExpiry expires card stacks past their expiry.
func (s *Scheduler) RunExpiry() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	if _, err := s.service.ExpireCardStacks(ctx); err != nil {
		s.logger.Error("expiry job failed", "error", err)
	}
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
