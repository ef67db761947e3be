/**
 * @description
 * Settlement of verified callbacks. Each handler check-and-sets the terminal
 * status of its anchor row (JobRecord or PaymentRequest) inside one
 * transaction together with the ledger mutation, so a redelivered callback
 * finds the row terminal and changes nothing.
 *
 * @notes
 * - Lock order: JobRecord, Order, Account on the job path; PaymentRequest,
 *   Account on the payment path.
 * - Provider error text is kept on the job record only. Users are notified
 *   with a generic message.
 */

package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/coduy96/taophim-sub000/internal/domain"
	"github.com/coduy96/taophim-sub000/internal/metrics"
	"github.com/coduy96/taophim-sub000/internal/store"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// SettlementOutcome describes what a callback did.
type SettlementOutcome string

const (
	OutcomeSettled          SettlementOutcome = "settled"
	OutcomeDuplicate        SettlementOutcome = "duplicate"
	OutcomeUnknown          SettlementOutcome = "unknown"
	OutcomeOrderClosed      SettlementOutcome = "order_closed"
	OutcomeCredited         SettlementOutcome = "credited"
	OutcomeCancelled        SettlementOutcome = "cancelled"
	OutcomeAlreadyCancelled SettlementOutcome = "already_cancelled"
)

// Job result statuses reported by the provider.
const (
	JobResultOK    = "OK"
	JobResultError = "ERROR"
)

const genericFailureMessage = "Video generation failed. Your Xu have been returned to your balance."

// JobResult is a verified job-provider callback.
type JobResult struct {
	RequestID string
	JobHint   *uuid.UUID
	Status    string
	VideoURL  string
	Error     string
}

func (r JobResult) succeeded() bool {
	return r.Status == JobResultOK && r.VideoURL != ""
}

func (r JobResult) failureDetail() string {
	switch {
	case r.Status == JobResultOK:
		return "provider reported success without a video url"
	case r.Error != "":
		return r.Error
	default:
		return "provider reported an error"
	}
}

// HandleJobResult settles the order behind a verified job callback.
func (s *Service) HandleJobResult(ctx context.Context, result JobResult) (SettlementOutcome, error) {
	op := "settlement.job"
	if result.RequestID == "" {
		return "", domain.NewValidationError(op, "missing request id")
	}
	if result.Status != JobResultOK && result.Status != JobResultError {
		return "", domain.NewValidationError(op, fmt.Sprintf("unknown job status %q", result.Status))
	}

	log := s.logger.With(zap.String("external_request_id", result.RequestID))
	outcome := OutcomeSettled
	var events []domain.SettlementEvent

	err := s.repo.WithTx(ctx, func(tx store.Tx) error {
		outcome = OutcomeSettled
		events = nil

		job, err := s.lockJobForResult(ctx, tx, result, log)
		if err != nil {
			return err
		}
		if job == nil {
			outcome = OutcomeUnknown
			return nil
		}
		if job.Status.IsTerminal() {
			outcome = OutcomeDuplicate
			return nil
		}

		order, err := tx.GetOrderForUpdate(ctx, job.OrderID)
		if err != nil {
			return err
		}

		if order.Status.IsTerminal() {
			// The order was closed locally (cancel or sweep) before the provider
			// answered. Record the job result without moving money again.
			outcome = OutcomeOrderClosed
			log.Warn("job result arrived for a closed order",
				zap.String("order_id", order.ID.String()),
				zap.String("order_status", string(order.Status)),
			)
			return s.closeJob(ctx, tx, job, result)
		}

		if order.Status == domain.OrderStatusPending {
			if _, err := s.orders.Transition(ctx, tx, order, domain.OrderStatusProcessing); err != nil {
				return err
			}
		}

		if err := s.closeJob(ctx, tx, job, result); err != nil {
			return err
		}

		if result.succeeded() {
			if _, err := s.orders.Transition(ctx, tx, order, domain.OrderStatusCompleted); err != nil {
				return err
			}
			account, err := s.ledger.SettleComplete(ctx, tx, order.AccountID, order.TotalCost, order.ID)
			if err != nil {
				return err
			}
			events = append(events, *orderEvent(domain.EventOrderCompleted, account, order, job.ResultRef, "Your video is ready.", s.now()))
			return nil
		}

		event, err := s.cancelAndRelease(ctx, tx, order, genericFailureMessage)
		if err != nil {
			return err
		}
		events = append(events, *event)
		return nil
	})
	if err != nil {
		return "", classify(op, err)
	}

	switch {
	case outcome != OutcomeSettled:
		log.Info("job callback produced no settlement", zap.String("outcome", string(outcome)))
	case result.succeeded():
		metrics.Settlements.WithLabelValues(metrics.KindExpense).Inc()
		log.Info("order completed")
	default:
		log.Info("order cancelled after provider failure")
	}

	s.notifyAll(events)
	return outcome, nil
}

// lockJobForResult finds the job a callback belongs to. When the request id is
// unknown but the hinted job still carries its placeholder, the real id is
// bound to it. A nil job means the callback matches nothing.
func (s *Service) lockJobForResult(ctx context.Context, tx store.Tx, result JobResult, log *zap.Logger) (*domain.JobRecord, error) {
	job, err := tx.GetJobRecordByExternalIDForUpdate(ctx, result.RequestID)
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	if result.JobHint == nil {
		log.Warn("job callback for unknown request id")
		return nil, nil
	}

	hinted, err := tx.GetJobRecordForUpdate(ctx, *result.JobHint)
	if errors.Is(err, domain.ErrNotFound) {
		log.Warn("job callback for unknown job", zap.String("job_id", result.JobHint.String()))
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	// The dispatch may have bound this id after the lookup above took its snapshot.
	if hinted.ExternalRequestID == result.RequestID {
		return hinted, nil
	}
	if !hinted.HasPlaceholder() {
		log.Warn("job callback hint points at a job bound to another request",
			zap.String("job_id", hinted.ID.String()),
			zap.String("bound_request_id", hinted.ExternalRequestID),
		)
		return nil, nil
	}
	if hinted.Status.IsTerminal() {
		return hinted, nil
	}

	hinted.ExternalRequestID = result.RequestID
	if err := tx.UpdateJobRecord(ctx, hinted); err != nil {
		return nil, err
	}
	log.Info("bound provider request id to placeholder job", zap.String("job_id", hinted.ID.String()))
	return hinted, nil
}

func (s *Service) closeJob(ctx context.Context, tx store.Tx, job *domain.JobRecord, result JobResult) error {
	if result.succeeded() {
		ref := result.VideoURL
		job.Status = domain.JobStatusCompleted
		job.ResultRef = &ref
		job.ErrorDetail = nil
	} else {
		detail := result.failureDetail()
		job.Status = domain.JobStatusFailed
		job.ErrorDetail = &detail
	}
	return tx.UpdateJobRecord(ctx, job)
}

// PaymentResult is a verified payment-gateway callback.
type PaymentResult struct {
	OrderCode     int64
	Amount        decimal.Decimal
	Success       bool
	Reference     string
	PaymentLinkID string
}

// HandlePaymentResult credits the account behind a verified payment callback.
// An amount that differs from the request is rejected without any change.
func (s *Service) HandlePaymentResult(ctx context.Context, result PaymentResult) (SettlementOutcome, error) {
	op := "settlement.payment"
	log := s.logger.With(zap.Int64("order_code", result.OrderCode))

	outcome := OutcomeCredited
	var events []domain.SettlementEvent

	err := s.repo.WithTx(ctx, func(tx store.Tx) error {
		outcome = OutcomeCredited
		events = nil

		req, err := tx.GetPaymentRequestByOrderCodeForUpdate(ctx, result.OrderCode)
		if errors.Is(err, domain.ErrNotFound) {
			outcome = OutcomeUnknown
			return nil
		}
		if err != nil {
			return err
		}

		switch req.Status {
		case domain.PaymentStatusPaid:
			outcome = OutcomeDuplicate
			return nil
		case domain.PaymentStatusCancelled:
			outcome = OutcomeDuplicate
			if result.Success {
				outcome = OutcomeAlreadyCancelled
			}
			return nil
		}

		if !result.Success {
			req.Status = domain.PaymentStatusCancelled
			outcome = OutcomeCancelled
			return tx.UpdatePaymentRequest(ctx, req)
		}

		if !result.Amount.Equal(decimal.NewFromInt(req.AmountFiat)) {
			return domain.NewValidationError(op, fmt.Sprintf("paid amount %s does not match expected %d", result.Amount.String(), req.AmountFiat))
		}

		req.Status = domain.PaymentStatusPaid
		if result.Reference != "" {
			ref := result.Reference
			req.GatewayReference = &ref
		}
		if err := tx.UpdatePaymentRequest(ctx, req); err != nil {
			return err
		}

		account, err := s.ledger.Credit(ctx, tx, req.AccountID, req.AmountXu, req.ID)
		if err != nil {
			return err
		}

		paymentID := req.ID
		events = append(events, domain.SettlementEvent{
			Type:             domain.EventPaymentCredited,
			AccountID:        account.ID,
			UserID:           account.UserID,
			PaymentRequestID: &paymentID,
			Amount:           req.AmountXu,
			Message:          fmt.Sprintf("%d Xu were added to your balance.", req.AmountXu),
			OccurredAt:       s.now().UTC(),
		})
		return nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrValidation) {
			log.Warn("payment callback amount mismatch", zap.String("amount", result.Amount.String()), zap.Error(err))
		}
		return "", classify(op, err)
	}

	switch outcome {
	case OutcomeCredited:
		metrics.Settlements.WithLabelValues(metrics.KindDeposit).Inc()
		log.Info("payment credited")
	case OutcomeAlreadyCancelled:
		log.Warn("gateway reported payment for a cancelled request; manual review needed")
	default:
		log.Info("payment callback produced no credit", zap.String("outcome", string(outcome)))
	}

	s.notifyAll(events)
	return outcome, nil
}
