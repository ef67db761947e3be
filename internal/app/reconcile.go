/**
 * @description
 * The reconciliation sweep resolves rows that no callback will ever settle:
 * dispatches the provider never confirmed, pending orders nobody retried, and
 * payment links that expired. The ledger audit re-derives every account from
 * its entries and reports the accounts that no longer add up.
 *
 * @notes
 * - Every row is re-checked under its lock before it is changed, so the sweep
 *   is safe to run concurrently with callbacks and with itself.
 */

package app

import (
	"context"
	"errors"

	"github.com/coduy96/taophim-sub000/internal/domain"
	"github.com/coduy96/taophim-sub000/internal/metrics"
	"github.com/coduy96/taophim-sub000/internal/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	reconcileBatchSize    = 100
	staleDispatchDetail   = "dispatch was never confirmed by the provider"
	abandonedOrderMessage = "Your order could not be started and the Xu were returned to your balance."
)

// ReconcileReport counts what one sweep changed.
type ReconcileReport struct {
	StaleJobsFailed        int `json:"stale_jobs_failed"`
	OrdersCancelled        int `json:"orders_cancelled"`
	PaymentRequestsExpired int `json:"payment_requests_expired"`
	LedgerDiscrepancies    int `json:"ledger_discrepancies"`
	Errors                 int `json:"errors"`
}

// Reconcile runs every sweep once.
func (s *Service) Reconcile(ctx context.Context) (ReconcileReport, error) {
	var report ReconcileReport
	var errs []error

	if err := s.ReconcileDispatches(ctx, &report); err != nil {
		errs = append(errs, err)
	}
	if err := s.ExpirePaymentRequests(ctx, &report); err != nil {
		errs = append(errs, err)
	}
	if err := s.AuditLedger(ctx, &report); err != nil {
		errs = append(errs, err)
	}

	s.logger.Info("reconciliation finished",
		zap.Int("stale_jobs_failed", report.StaleJobsFailed),
		zap.Int("orders_cancelled", report.OrdersCancelled),
		zap.Int("payment_requests_expired", report.PaymentRequestsExpired),
		zap.Int("ledger_discrepancies", report.LedgerDiscrepancies),
		zap.Int("errors", report.Errors),
	)
	return report, errors.Join(errs...)
}

// ReconcileDispatches fails placeholder jobs past the dispatch grace period
// and cancels pending orders that have nothing left in flight.
func (s *Service) ReconcileDispatches(ctx context.Context, report *ReconcileReport) error {
	now := s.now()

	stale, err := s.repo.FindStaleDispatches(ctx, now.Add(-s.settings.DispatchGrace), reconcileBatchSize)
	if err != nil {
		return classify("reconcile.stale_dispatches", err)
	}
	for _, job := range stale {
		if err := s.resolveStaleDispatch(ctx, job.OrderID, job.ID, report); err != nil {
			report.Errors++
			s.logger.Error("failed to resolve stale dispatch", zap.String("job_id", job.ID.String()), zap.Error(err))
		}
	}

	abandoned, err := s.repo.FindAbandonedOrders(ctx, now.Add(-s.settings.PendingOrderTTL), reconcileBatchSize)
	if err != nil {
		return classify("reconcile.abandoned_orders", err)
	}
	for _, order := range abandoned {
		if err := s.resolveAbandonedOrder(ctx, order.ID, report); err != nil {
			report.Errors++
			s.logger.Error("failed to cancel abandoned order", zap.String("order_id", order.ID.String()), zap.Error(err))
		}
	}
	return nil
}

func (s *Service) resolveStaleDispatch(ctx context.Context, orderID, jobID uuid.UUID, report *ReconcileReport) error {
	var events []domain.SettlementEvent
	var failed, cancelled bool

	err := s.repo.WithTx(ctx, func(tx store.Tx) error {
		events, failed, cancelled = nil, false, false

		order, jobs, err := lockOrderWithJobs(ctx, tx, orderID)
		if err != nil {
			return err
		}
		var job *domain.JobRecord
		for i := range jobs {
			if jobs[i].ID == jobID {
				job = &jobs[i]
			}
		}
		if job == nil || job.Status != domain.JobStatusPending || !job.HasPlaceholder() {
			return nil
		}

		detail := staleDispatchDetail
		if job.ErrorDetail != nil && *job.ErrorDetail != "" {
			detail = staleDispatchDetail + ": " + *job.ErrorDetail
		}
		job.Status = domain.JobStatusFailed
		job.ErrorDetail = &detail
		if err := tx.UpdateJobRecord(ctx, job); err != nil {
			return err
		}
		failed = true

		if order.Status != domain.OrderStatusPending || hasLiveJob(jobs, job.ID) {
			return nil
		}
		event, err := s.cancelAndRelease(ctx, tx, order, abandonedOrderMessage)
		if err != nil {
			return err
		}
		events = append(events, *event)
		cancelled = true
		return nil
	})
	if err != nil {
		return classify("reconcile.stale_dispatch", err)
	}

	if failed {
		report.StaleJobsFailed++
		metrics.ReconcileActions.WithLabelValues("stale_job_failed").Inc()
		s.logger.Warn("stale dispatch failed", zap.String("job_id", jobID.String()), zap.String("order_id", orderID.String()))
	}
	if cancelled {
		report.OrdersCancelled++
		metrics.ReconcileActions.WithLabelValues("order_cancelled").Inc()
	}
	s.notifyAll(events)
	return nil
}

func (s *Service) resolveAbandonedOrder(ctx context.Context, orderID uuid.UUID, report *ReconcileReport) error {
	var events []domain.SettlementEvent

	err := s.repo.WithTx(ctx, func(tx store.Tx) error {
		events = nil

		order, jobs, err := lockOrderWithJobs(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if order.Status != domain.OrderStatusPending || hasLiveJob(jobs, uuid.Nil) {
			return nil
		}
		event, err := s.cancelAndRelease(ctx, tx, order, abandonedOrderMessage)
		if err != nil {
			return err
		}
		events = append(events, *event)
		return nil
	})
	if err != nil {
		return classify("reconcile.abandoned_order", err)
	}

	if len(events) > 0 {
		report.OrdersCancelled++
		metrics.ReconcileActions.WithLabelValues("order_cancelled").Inc()
		s.logger.Info("abandoned order cancelled", zap.String("order_id", orderID.String()))
	}
	s.notifyAll(events)
	return nil
}

// ExpirePaymentRequests cancels pending top-ups once the payment link has
// expired and the grace for late gateway callbacks has passed as well.
func (s *Service) ExpirePaymentRequests(ctx context.Context, report *ReconcileReport) error {
	cutoff := s.now().Add(-(s.settings.PaymentRequestTTL + s.settings.PaymentExpiryGrace))
	expired, err := s.repo.FindExpiredPaymentRequests(ctx, cutoff, reconcileBatchSize)
	if err != nil {
		return classify("reconcile.expired_payments", err)
	}

	for _, candidate := range expired {
		var changed bool
		err := s.repo.WithTx(ctx, func(tx store.Tx) error {
			changed = false
			req, err := tx.GetPaymentRequestForUpdate(ctx, candidate.ID)
			if err != nil {
				return err
			}
			if req.Status != domain.PaymentStatusPending {
				return nil
			}
			req.Status = domain.PaymentStatusCancelled
			changed = true
			return tx.UpdatePaymentRequest(ctx, req)
		})
		if err != nil {
			report.Errors++
			s.logger.Error("failed to expire payment request", zap.String("payment_request_id", candidate.ID.String()), zap.Error(err))
			continue
		}
		if changed {
			report.PaymentRequestsExpired++
			metrics.ReconcileActions.WithLabelValues("payment_expired").Inc()
		}
	}
	return nil
}

// AuditLedger reports accounts whose entries do not reproduce balance + frozen.
func (s *Service) AuditLedger(ctx context.Context, report *ReconcileReport) error {
	discrepancies, err := s.repo.FindLedgerDiscrepancies(ctx, reconcileBatchSize)
	if err != nil {
		return classify("reconcile.ledger_audit", err)
	}
	for _, d := range discrepancies {
		report.LedgerDiscrepancies++
		metrics.LedgerDiscrepancies.Inc()
		s.logger.Error("ledger discrepancy detected",
			zap.String("account_id", d.AccountID.String()),
			zap.Int64("balance", d.Balance),
			zap.Int64("frozen", d.Frozen),
			zap.Int64("deposits", d.Totals.Deposits),
			zap.Int64("expenses", d.Totals.Expenses),
			zap.Int64("refunds", d.Totals.Refunds),
		)
	}
	return nil
}
