/**
 * @description
 * Cron scheduler setup for the reconciliation jobs.
 */
package scheduler

import (
	"context"

	"github.com/coduy96/taophim-sub000/internal/config"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron   *cron.Cron
	jobs   *Jobs
	logger *zap.Logger
	config config.Config
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(jobs *Jobs, logger *zap.Logger, cfg config.Config) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	cronLogger := cron.PrintfLogger(zap.NewStdLog(logger.Named("cron")))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))

	return &Scheduler{
		cron:   c,
		jobs:   jobs,
		logger: logger,
		config: cfg,
	}
}

// Start registers the jobs and starts the cron scheduler. A job with an empty
// or invalid schedule is logged and skipped.
func (s *Scheduler) Start() {
	s.register("dispatch reconciliation", s.config.ReconcileSchedule, s.jobs.ReconcileDispatches)
	s.register("payment expiry", s.config.PaymentExpirySchedule, s.jobs.ExpirePaymentRequests)
	s.register("ledger audit", s.config.LedgerAuditSchedule, s.jobs.AuditLedger)

	s.cron.Start()
}

func (s *Scheduler) register(name, schedule string, job func()) {
	if schedule == "" {
		s.logger.Info("job disabled", zap.String("job", name))
		return
	}
	if _, err := s.cron.AddFunc(schedule, job); err != nil {
		s.logger.Error("failed to schedule job", zap.String("job", name), zap.String("schedule", schedule), zap.Error(err))
		return
	}
	s.logger.Info("scheduled job", zap.String("job", name), zap.String("schedule", schedule))
}

// Entries reports how many jobs are registered.
func (s *Scheduler) Entries() int {
	return len(s.cron.Entries())
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
