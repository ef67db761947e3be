package app

import (
	"context"
	"fmt"

	"github.com/coduy96/taophim-sub000/internal/domain"
	"github.com/coduy96/taophim-sub000/internal/store"
	"github.com/coduy96/taophim-sub000/pkg/gatewayclient"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// FiatAmount converts Xu to the fiat amount charged by the gateway.
func (s *Service) FiatAmount(amountXu int64) decimal.Decimal {
	return decimal.NewFromInt(amountXu).Mul(decimal.NewFromInt(s.settings.XuFiatRate))
}

// CreatePaymentRequest opens a top-up and asks the gateway for a checkout link.
// No money moves until the gateway confirms the payment by webhook.
func (s *Service) CreatePaymentRequest(ctx context.Context, accountID uuid.UUID, amountXu int64) (*domain.PaymentRequest, error) {
	op := "payment.create"

	if amountXu < s.settings.PaymentMinXu || amountXu > s.settings.PaymentMaxXu {
		return nil, domain.NewValidationError(op, fmt.Sprintf("amount must be between %d and %d Xu", s.settings.PaymentMinXu, s.settings.PaymentMaxXu))
	}
	fiat := s.FiatAmount(amountXu)
	if !fiat.IsInteger() || fiat.GreaterThan(decimal.NewFromInt(1<<53)) {
		return nil, domain.NewValidationError(op, "amount is out of range")
	}

	req := &domain.PaymentRequest{
		ID:         uuid.New(),
		AccountID:  accountID,
		AmountXu:   amountXu,
		AmountFiat: fiat.IntPart(),
		Status:     domain.PaymentStatusPending,
	}
	err := s.repo.WithTx(ctx, func(tx store.Tx) error {
		return tx.CreatePaymentRequest(ctx, req)
	})
	if err != nil {
		return nil, classify(op, err)
	}

	log := s.logger.With(
		zap.String("payment_request_id", req.ID.String()),
		zap.Int64("order_code", req.ExternalOrderCode),
	)

	link, err := s.gateway.CreatePaymentLink(ctx, gatewayclient.PaymentLinkRequest{
		OrderCode:   req.ExternalOrderCode,
		Amount:      req.AmountFiat,
		Description: fmt.Sprintf("XU%d", req.ExternalOrderCode),
		ReturnURL:   s.settings.PaymentReturnURL,
		CancelURL:   s.settings.PaymentCancelURL,
		ExpiredAt:   s.now().Add(s.settings.PaymentRequestTTL).Unix(),
	})
	if err != nil {
		log.Warn("payment link creation failed", zap.Error(err))
		s.closePaymentRequest(ctx, req.ID)
		return nil, domain.NewProviderError("payment.create_link", err)
	}

	checkoutURL, linkID := link.CheckoutURL, link.PaymentLinkID
	ctx = context.WithoutCancel(ctx)
	err = s.repo.WithTx(ctx, func(tx store.Tx) error {
		locked, err := tx.GetPaymentRequestForUpdate(ctx, req.ID)
		if err != nil {
			return err
		}
		locked.CheckoutURL = &checkoutURL
		if linkID != "" {
			locked.PaymentLinkID = &linkID
		}
		if err := tx.UpdatePaymentRequest(ctx, locked); err != nil {
			return err
		}
		req = locked
		return nil
	})
	if err != nil {
		// The link exists at the gateway; its webhook still settles by order code.
		log.Error("failed to store checkout url", zap.Error(err))
		return nil, classify(op, err)
	}

	log.Info("payment request created", zap.Int64("amount_xu", amountXu), zap.Int64("amount_fiat", req.AmountFiat))
	return req, nil
}

func (s *Service) closePaymentRequest(ctx context.Context, id uuid.UUID) {
	ctx = context.WithoutCancel(ctx)
	err := s.repo.WithTx(ctx, func(tx store.Tx) error {
		req, err := tx.GetPaymentRequestForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if req.Status != domain.PaymentStatusPending {
			return nil
		}
		req.Status = domain.PaymentStatusCancelled
		return tx.UpdatePaymentRequest(ctx, req)
	})
	if err != nil {
		s.logger.Error("failed to cancel payment request", zap.String("payment_request_id", id.String()), zap.Error(err))
	}
}

// GetPaymentRequest returns a payment request owned by accountID.
func (s *Service) GetPaymentRequest(ctx context.Context, accountID, id uuid.UUID) (*domain.PaymentRequest, error) {
	req, err := s.repo.FindPaymentRequestByID(ctx, id)
	if err != nil {
		return nil, classify("payment.get", err)
	}
	if req.AccountID != accountID {
		return nil, store.ErrPaymentRequestNotFound
	}
	return req, nil
}
