/**
 * @description
 * Scheduled job implementations for the settlement service. Each job runs one
 * reconciliation sweep against the service and logs what it changed.
 */
package scheduler

import (
	"context"
	"time"

	"github.com/coduy96/taophim-sub000/internal/app"
	"go.uber.org/zap"
)

const defaultJobTimeout = 5 * time.Minute

// Reconciler defines the sweeps the jobs trigger.
type Reconciler interface {
	ReconcileDispatches(ctx context.Context, report *app.ReconcileReport) error
	ExpirePaymentRequests(ctx context.Context, report *app.ReconcileReport) error
	AuditLedger(ctx context.Context, report *app.ReconcileReport) error
}

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	reconciler Reconciler
	logger     *zap.Logger
	timeout    time.Duration
}

// NewJobs creates a new Jobs runner.
func NewJobs(reconciler Reconciler, logger *zap.Logger) *Jobs {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Jobs{
		reconciler: reconciler,
		logger:     logger.Named("jobs"),
		timeout:    defaultJobTimeout,
	}
}

// ReconcileDispatches fails stale placeholder jobs and cancels abandoned orders.
func (j *Jobs) ReconcileDispatches() {
	j.logger.Info("starting dispatch reconciliation job")
	report, err := j.run(j.reconciler.ReconcileDispatches)
	if err != nil {
		j.logger.Error("dispatch reconciliation failed", zap.Error(err))
		return
	}
	j.logger.Info("dispatch reconciliation job finished",
		zap.Int("stale_jobs_failed", report.StaleJobsFailed),
		zap.Int("orders_cancelled", report.OrdersCancelled),
		zap.Int("errors", report.Errors),
	)
}

// ExpirePaymentRequests cancels top-ups whose checkout link has lapsed.
func (j *Jobs) ExpirePaymentRequests() {
	j.logger.Info("starting payment expiry job")
	report, err := j.run(j.reconciler.ExpirePaymentRequests)
	if err != nil {
		j.logger.Error("payment expiry failed", zap.Error(err))
		return
	}
	j.logger.Info("payment expiry job finished",
		zap.Int("payment_requests_expired", report.PaymentRequestsExpired),
		zap.Int("errors", report.Errors),
	)
}

// AuditLedger reports accounts whose ledger no longer reproduces their balances.
func (j *Jobs) AuditLedger() {
	j.logger.Info("starting ledger audit job")
	report, err := j.run(j.reconciler.AuditLedger)
	if err != nil {
		j.logger.Error("ledger audit failed", zap.Error(err))
		return
	}
	if report.LedgerDiscrepancies > 0 {
		j.logger.Warn("ledger audit found discrepancies", zap.Int("accounts", report.LedgerDiscrepancies))
		return
	}
	j.logger.Info("ledger audit job finished")
}

func (j *Jobs) run(sweep func(context.Context, *app.ReconcileReport) error) (app.ReconcileReport, error) {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	var report app.ReconcileReport
	err := sweep(ctx, &report)
	return report, err
}
