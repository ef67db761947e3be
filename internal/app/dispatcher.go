package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/coduy96/taophim-sub000/internal/catalog"
	"github.com/coduy96/taophim-sub000/internal/domain"
	"github.com/coduy96/taophim-sub000/internal/metrics"
	"github.com/coduy96/taophim-sub000/internal/store"
	"github.com/coduy96/taophim-sub000/pkg/providerclient"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const orderCreateScope = "order_create"

// CreateOrderRequest is a user's order for a catalog service.
type CreateOrderRequest struct {
	ServiceID string          `json:"service_id"`
	TotalCost int64           `json:"total_cost"`
	Inputs    json.RawMessage `json:"inputs"`
}

// OrderDetails is an order with its dispatch attempts.
type OrderDetails struct {
	Order *domain.Order      `json:"order"`
	Jobs  []domain.JobRecord `json:"jobs"`
}

// CreateOrder validates and quotes the request, freezes the cost, records the
// order with a placeholder job, and dispatches it. When the dispatch fails the
// order is returned together with a ProviderError: it stays pending with its
// escrow held until it is retried, cancelled, or swept.
func (s *Service) CreateOrder(ctx context.Context, accountID uuid.UUID, req CreateOrderRequest) (*domain.Order, error) {
	op := "order.create"

	prepared, err := s.catalog.Prepare(req.ServiceID, req.Inputs)
	if err != nil {
		return nil, err
	}
	if req.TotalCost != 0 && req.TotalCost != prepared.Cost {
		return nil, domain.NewValidationError(op, fmt.Sprintf("total_cost %d does not match the quoted %d Xu", req.TotalCost, prepared.Cost))
	}

	if err := s.checkRateLimit(ctx, accountID); err != nil {
		return nil, err
	}

	order := &domain.Order{
		ID:        uuid.New(),
		AccountID: accountID,
		ServiceID: prepared.Service.ID,
		Inputs:    req.Inputs,
		Status:    domain.OrderStatusPending,
		TotalCost: prepared.Cost,
	}
	job := s.newPlaceholderJob(order.ID)

	err = s.repo.WithTx(ctx, func(tx store.Tx) error {
		if _, err := s.ledger.Freeze(ctx, tx, accountID, order.TotalCost); err != nil {
			return err
		}
		if err := tx.CreateOrder(ctx, order); err != nil {
			return err
		}
		return tx.CreateJobRecord(ctx, job)
	})
	if err != nil {
		return nil, classify(op, err)
	}

	s.logger.Info("order created",
		zap.String("order_id", order.ID.String()),
		zap.String("account_id", accountID.String()),
		zap.String("service_id", order.ServiceID),
		zap.Int64("total_cost", order.TotalCost),
	)

	dispatchErr := s.dispatch(ctx, order, job, prepared)
	return s.refreshOrder(ctx, order), dispatchErr
}

// RetryDispatch submits a pending order again after a failed dispatch.
func (s *Service) RetryDispatch(ctx context.Context, accountID, orderID uuid.UUID) (*domain.Order, error) {
	op := "order.retry_dispatch"

	var order *domain.Order
	var prepared *catalog.Prepared
	job := s.newPlaceholderJob(orderID)

	err := s.repo.WithTx(ctx, func(tx store.Tx) error {
		var jobs []domain.JobRecord
		var err error
		order, jobs, err = lockOrderWithJobs(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if order.AccountID != accountID {
			return store.ErrOrderNotFound
		}
		if order.Status != domain.OrderStatusPending {
			return domain.NewConflictError(op, fmt.Sprintf("order is %s and cannot be dispatched", order.Status))
		}
		if hasLiveJob(jobs, uuid.Nil) {
			return domain.NewConflictError(op, "a dispatch for this order is still in flight")
		}

		prepared, err = s.catalog.Prepare(order.ServiceID, order.Inputs)
		if err != nil {
			return err
		}
		return tx.CreateJobRecord(ctx, job)
	})
	if err != nil {
		return nil, classify(op, err)
	}

	dispatchErr := s.dispatch(ctx, order, job, prepared)
	return s.refreshOrder(ctx, order), dispatchErr
}

// refreshOrder re-reads an order after dispatch, falling back to the copy in hand.
func (s *Service) refreshOrder(ctx context.Context, order *domain.Order) *domain.Order {
	fresh, err := s.repo.FindOrderByID(context.WithoutCancel(ctx), order.ID)
	if err != nil {
		return order
	}
	return fresh
}

// GetOrder returns an order owned by accountID together with its jobs.
func (s *Service) GetOrder(ctx context.Context, accountID, orderID uuid.UUID) (*OrderDetails, error) {
	order, err := s.repo.FindOrderByID(ctx, orderID)
	if err != nil {
		return nil, classify("order.get", err)
	}
	if order.AccountID != accountID {
		return nil, store.ErrOrderNotFound
	}
	jobs, err := s.repo.FindJobRecordsByOrderID(ctx, orderID)
	if err != nil {
		return nil, classify("order.get", err)
	}
	return &OrderDetails{Order: order, Jobs: jobs}, nil
}

// CancelOrder cancels a pending order and releases its escrow. Terminal orders
// are returned unchanged; processing orders cannot be cancelled.
func (s *Service) CancelOrder(ctx context.Context, accountID, orderID uuid.UUID) (*domain.Order, error) {
	op := "order.cancel"

	var order *domain.Order
	var events []domain.SettlementEvent
	err := s.repo.WithTx(ctx, func(tx store.Tx) error {
		var jobs []domain.JobRecord
		var err error
		order, jobs, err = lockOrderWithJobs(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if order.AccountID != accountID {
			return store.ErrOrderNotFound
		}
		if order.Status.IsTerminal() {
			return nil
		}
		if order.Status != domain.OrderStatusPending {
			return domain.NewConflictError(op, "order is already being processed")
		}

		if err := failLiveJobs(ctx, tx, jobs, "cancelled by user"); err != nil {
			return err
		}
		event, err := s.cancelAndRelease(ctx, tx, order, "Your order was cancelled and the Xu returned to your balance.")
		if err != nil {
			return err
		}
		events = append(events, *event)
		return nil
	})
	if err != nil {
		return nil, classify(op, err)
	}

	s.notifyAll(events)
	return order, nil
}

// dispatch performs the provider call for a committed placeholder job and
// records its outcome. No transaction is open during the call.
func (s *Service) dispatch(ctx context.Context, order *domain.Order, job *domain.JobRecord, prepared *catalog.Prepared) error {
	callback, err := s.callbackURL(job.ID)
	if err != nil {
		s.recordDispatchFailure(ctx, job.ID, err.Error(), true)
		return domain.NewProviderError("dispatch.callback_url", err)
	}

	dispatchCtx, cancel := context.WithTimeout(ctx, s.settings.DispatchTimeout)
	start := time.Now()
	resp, err := s.provider.Submit(dispatchCtx, prepared.Service.ModelID, prepared.Payload, callback)
	cancel()
	metrics.DispatchLatency.WithLabelValues(s.settings.ProviderName).Observe(time.Since(start).Seconds())

	if err != nil {
		var rejected *providerclient.ErrorResponse
		definitive := errors.As(err, &rejected)
		if definitive {
			metrics.Dispatches.WithLabelValues("rejected").Inc()
		} else {
			metrics.Dispatches.WithLabelValues("ambiguous").Inc()
		}
		s.logger.Warn("job dispatch failed",
			zap.String("order_id", order.ID.String()),
			zap.String("job_id", job.ID.String()),
			zap.Bool("definitive", definitive),
			zap.Error(err),
		)
		s.recordDispatchFailure(ctx, job.ID, err.Error(), definitive)
		return domain.NewProviderError("dispatch.submit", err)
	}

	metrics.Dispatches.WithLabelValues("accepted").Inc()
	s.recordDispatchSuccess(ctx, order.ID, job.ID, resp.RequestID)
	return nil
}

// recordDispatchSuccess binds the provider's request id and moves the order to
// processing. A callback may have bound or settled the job first.
func (s *Service) recordDispatchSuccess(ctx context.Context, orderID, jobID uuid.UUID, requestID string) {
	ctx = context.WithoutCancel(ctx)
	err := s.repo.WithTx(ctx, func(tx store.Tx) error {
		job, err := tx.GetJobRecordForUpdate(ctx, jobID)
		if err != nil {
			return err
		}
		if job.Status.IsTerminal() {
			if job.HasPlaceholder() {
				s.logger.Error("provider accepted a job already closed locally",
					zap.String("job_id", jobID.String()),
					zap.String("external_request_id", requestID),
					zap.String("status", string(job.Status)),
				)
			}
			return nil
		}
		if job.HasPlaceholder() {
			job.ExternalRequestID = requestID
		}
		job.Status = domain.JobStatusProcessing
		job.ErrorDetail = nil
		if err := tx.UpdateJobRecord(ctx, job); err != nil {
			return err
		}

		order, err := tx.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if order.Status == domain.OrderStatusPending {
			_, err = s.orders.Transition(ctx, tx, order, domain.OrderStatusProcessing)
		}
		return err
	})
	if err != nil {
		// The early-binding path of the callback or the sweep resolves the job.
		s.logger.Error("failed to record dispatch success",
			zap.String("job_id", jobID.String()),
			zap.String("external_request_id", requestID),
			zap.Error(err),
		)
	}
}

// recordDispatchFailure stores the provider's error on the job. A definitive
// rejection fails the job; an ambiguous failure leaves it pending for the sweep.
func (s *Service) recordDispatchFailure(ctx context.Context, jobID uuid.UUID, detail string, definitive bool) {
	ctx = context.WithoutCancel(ctx)
	err := s.repo.WithTx(ctx, func(tx store.Tx) error {
		job, err := tx.GetJobRecordForUpdate(ctx, jobID)
		if err != nil {
			return err
		}
		if job.Status != domain.JobStatusPending || !job.HasPlaceholder() {
			return nil
		}
		job.ErrorDetail = &detail
		if definitive {
			job.Status = domain.JobStatusFailed
		}
		return tx.UpdateJobRecord(ctx, job)
	})
	if err != nil {
		s.logger.Error("failed to record dispatch failure", zap.String("job_id", jobID.String()), zap.Error(err))
	}
}

func (s *Service) newPlaceholderJob(orderID uuid.UUID) *domain.JobRecord {
	id := uuid.New()
	return &domain.JobRecord{
		ID:                id,
		OrderID:           orderID,
		Provider:          s.settings.ProviderName,
		ExternalRequestID: domain.PlaceholderExternalID(id),
		Status:            domain.JobStatusPending,
	}
}

// callbackURL appends the job id hint to the configured webhook URL.
func (s *Service) callbackURL(jobID uuid.UUID) (string, error) {
	u, err := url.Parse(s.settings.JobWebhookURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("invalid job webhook url %q", s.settings.JobWebhookURL)
	}
	q := u.Query()
	q.Set("job", jobID.String())
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (s *Service) checkRateLimit(ctx context.Context, accountID uuid.UUID) error {
	if s.limiter == nil || s.settings.OrderRateLimitPerMinute <= 0 {
		return nil
	}
	decision, err := s.limiter.Allow(ctx, orderCreateScope, accountID.String(), s.settings.OrderRateLimitPerMinute, time.Minute)
	if err != nil {
		s.logger.Warn("order rate limiter unavailable; allowing request", zap.String("account_id", accountID.String()), zap.Error(err))
		return nil
	}
	if !decision.Allowed {
		return domain.NewRateLimitedError("order.create", decision.RetryAfterSeconds())
	}
	return nil
}

// cancelAndRelease cancels a locked non-terminal order and returns its escrow.
func (s *Service) cancelAndRelease(ctx context.Context, tx store.Tx, order *domain.Order, message string) (*domain.SettlementEvent, error) {
	changed, err := s.orders.Transition(ctx, tx, order, domain.OrderStatusCancelled)
	if err != nil {
		return nil, err
	}
	if !changed {
		return nil, domain.NewConflictError("order.cancel", "order is already closed")
	}
	account, err := s.ledger.SettleRelease(ctx, tx, order.AccountID, order.TotalCost, order.ID)
	if err != nil {
		return nil, err
	}
	metrics.Settlements.WithLabelValues(metrics.KindRefund).Inc()
	return orderEvent(domain.EventOrderCancelled, account, order, nil, message, s.now()), nil
}

func failLiveJobs(ctx context.Context, tx store.Tx, jobs []domain.JobRecord, reason string) error {
	for i := range jobs {
		job := jobs[i]
		if job.Status.IsTerminal() {
			continue
		}
		job.Status = domain.JobStatusFailed
		job.ErrorDetail = &reason
		if err := tx.UpdateJobRecord(ctx, &job); err != nil {
			return err
		}
	}
	return nil
}

// lockOrderWithJobs locks an order's jobs and then the order itself. The jobs
// are listed a second time once the order lock is held, so a job another
// transaction inserted under that lock is seen before any decision is made.
func lockOrderWithJobs(ctx context.Context, tx store.Tx, orderID uuid.UUID) (*domain.Order, []domain.JobRecord, error) {
	if _, err := tx.ListJobRecordsByOrderForUpdate(ctx, orderID); err != nil {
		return nil, nil, err
	}
	order, err := tx.GetOrderForUpdate(ctx, orderID)
	if err != nil {
		return nil, nil, err
	}
	jobs, err := tx.ListJobRecordsByOrderForUpdate(ctx, orderID)
	if err != nil {
		return nil, nil, err
	}
	return order, jobs, nil
}

// hasLiveJob reports whether any job other than except is non-terminal.
func hasLiveJob(jobs []domain.JobRecord, except uuid.UUID) bool {
	for _, job := range jobs {
		if job.ID != except && !job.Status.IsTerminal() {
			return true
		}
	}
	return false
}

func orderEvent(eventType domain.SettlementEventType, account *domain.Account, order *domain.Order, resultRef *string, message string, at time.Time) *domain.SettlementEvent {
	orderID := order.ID
	return &domain.SettlementEvent{
		Type:       eventType,
		AccountID:  account.ID,
		UserID:     account.UserID,
		OrderID:    &orderID,
		Amount:     order.TotalCost,
		ResultRef:  resultRef,
		Message:    message,
		OccurredAt: at.UTC(),
	}
}
