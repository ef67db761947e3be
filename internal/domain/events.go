package domain

import (
	"time"

	"github.com/google/uuid"
)

// SettlementEventType doubles as the routing key of the published notification.
type SettlementEventType string

const (
	EventOrderCompleted  SettlementEventType = "order.completed"
	EventOrderCancelled  SettlementEventType = "order.cancelled"
	EventPaymentCredited SettlementEventType = "payment.credited"
)

// SettlementEvent is the trigger contract handed to the notification side.
// Message is always user-safe; provider error text never appears here.
type SettlementEvent struct {
	Type             SettlementEventType `json:"type"`
	AccountID        uuid.UUID           `json:"account_id"`
	UserID           string              `json:"user_id,omitempty"`
	OrderID          *uuid.UUID          `json:"order_id,omitempty"`
	PaymentRequestID *uuid.UUID          `json:"payment_request_id,omitempty"`
	Amount           int64               `json:"amount"`
	ResultRef        *string             `json:"result_ref,omitempty"`
	Message          string              `json:"message"`
	OccurredAt       time.Time           `json:"occurred_at"`
}
