package domain

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// OrderStatus is the lifecycle state of an Order.
type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "pending"
	OrderStatusProcessing OrderStatus = "processing"
	OrderStatusCompleted  OrderStatus = "completed"
	OrderStatusCancelled  OrderStatus = "cancelled"
)

// IsTerminal reports whether no further transition may leave this status.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusCompleted || s == OrderStatusCancelled
}

// CanTransitionTo reports whether next is a legal successor of s.
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	switch s {
	case OrderStatusPending:
		return next == OrderStatusProcessing || next == OrderStatusCancelled
	case OrderStatusProcessing:
		return next == OrderStatusCompleted || next == OrderStatusCancelled
	default:
		return false
	}
}

// Order is a paid request for one generated video. TotalCost is frozen on the
// owner's account from creation until the order settles.
type Order struct {
	ID        uuid.UUID       `json:"id"`
	AccountID uuid.UUID       `json:"account_id"`
	ServiceID string          `json:"service_id"`
	Inputs    json.RawMessage `json:"inputs,omitempty"`
	Status    OrderStatus     `json:"status"`
	TotalCost int64           `json:"total_cost"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// JobStatus is the lifecycle state of a provider job attempt.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// IsTerminal reports whether the job has reached a final outcome.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

const placeholderPrefix = "pending:"

// PlaceholderExternalID is the external id a job carries until the provider
// returns its own request id.
func PlaceholderExternalID(jobID uuid.UUID) string {
	return placeholderPrefix + jobID.String()
}

// JobRecord is one dispatch attempt of an order to the job provider.
// ExternalRequestID is unique and is the idempotency anchor for callbacks.
type JobRecord struct {
	ID                uuid.UUID `json:"id"`
	OrderID           uuid.UUID `json:"order_id"`
	Provider          string    `json:"provider"`
	ExternalRequestID string    `json:"external_request_id"`
	Status            JobStatus `json:"status"`
	ResultRef         *string   `json:"result_ref,omitempty"`
	ErrorDetail       *string   `json:"-"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// HasPlaceholder reports whether the provider's real request id is still unknown.
func (j *JobRecord) HasPlaceholder() bool {
	return strings.HasPrefix(j.ExternalRequestID, placeholderPrefix)
}
