package domain

import (
	"time"

	"github.com/google/uuid"
)

// PaymentStatus is the lifecycle state of a top-up request.
type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusPaid      PaymentStatus = "paid"
	PaymentStatusCancelled PaymentStatus = "cancelled"
)

// PaymentRequest is a wallet top-up awaiting confirmation from the payment gateway.
// ExternalOrderCode is the gateway-facing idempotency anchor.
type PaymentRequest struct {
	ID                uuid.UUID     `json:"id"`
	AccountID         uuid.UUID     `json:"account_id"`
	AmountXu          int64         `json:"amount_xu"`
	AmountFiat        int64         `json:"amount_fiat"`
	ExternalOrderCode int64         `json:"external_order_code"`
	Status            PaymentStatus `json:"status"`
	CheckoutURL       *string       `json:"checkout_url,omitempty"`
	PaymentLinkID     *string       `json:"payment_link_id,omitempty"`
	GatewayReference  *string       `json:"gateway_reference,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}
