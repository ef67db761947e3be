/**
 * @description
 * This file defines the `Repository` and `Tx` interfaces that the settlement
 * service uses for all persistence. Every money movement runs inside
 * `Repository.WithTx`, and every read that precedes a write inside a transaction
 * takes a row lock (`...ForUpdate`). Two implementations exist: PostgreSQL for
 * deployments and an in-memory store for local runs and tests.
 *
 * @notes
 * - Lock order inside a transaction is JobRecord, then Order, then Account
 *   (PaymentRequest, then Account on the top-up path).
 *
 * @dependencies
 * - github.com/google/uuid: Entity identifiers.
 * - internal/domain: The service's domain models and error kinds.
 */

package store

import (
	"context"
	"time"

	"github.com/coduy96/taophim-sub000/internal/domain"
	"github.com/google/uuid"
)

var (
	ErrAccountNotFound        = domain.NewNotFoundError("store", "account not found")
	ErrOrderNotFound          = domain.NewNotFoundError("store", "order not found")
	ErrJobRecordNotFound      = domain.NewNotFoundError("store", "job record not found")
	ErrPaymentRequestNotFound = domain.NewNotFoundError("store", "payment request not found")
	ErrDuplicateKey           = domain.NewConflictError("store", "record already exists")
)

// Tx is the set of operations available inside one database transaction.
type Tx interface {
	// Accounts and ledger
	GetAccountForUpdate(ctx context.Context, accountID uuid.UUID) (*domain.Account, error)
	UpdateAccountBalances(ctx context.Context, accountID uuid.UUID, balance, frozen int64) error
	InsertLedgerEntry(ctx context.Context, entry *domain.LedgerEntry) error

	// Orders
	CreateOrder(ctx context.Context, order *domain.Order) error
	GetOrderForUpdate(ctx context.Context, orderID uuid.UUID) (*domain.Order, error)
	UpdateOrderStatus(ctx context.Context, orderID uuid.UUID, status domain.OrderStatus) error

	// Job records
	CreateJobRecord(ctx context.Context, job *domain.JobRecord) error
	GetJobRecordForUpdate(ctx context.Context, jobID uuid.UUID) (*domain.JobRecord, error)
	GetJobRecordByExternalIDForUpdate(ctx context.Context, externalRequestID string) (*domain.JobRecord, error)
	ListJobRecordsByOrderForUpdate(ctx context.Context, orderID uuid.UUID) ([]domain.JobRecord, error)
	UpdateJobRecord(ctx context.Context, job *domain.JobRecord) error

	// Payment requests. CreatePaymentRequest assigns ExternalOrderCode.
	CreatePaymentRequest(ctx context.Context, req *domain.PaymentRequest) error
	GetPaymentRequestForUpdate(ctx context.Context, id uuid.UUID) (*domain.PaymentRequest, error)
	GetPaymentRequestByOrderCodeForUpdate(ctx context.Context, orderCode int64) (*domain.PaymentRequest, error)
	UpdatePaymentRequest(ctx context.Context, req *domain.PaymentRequest) error
}

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// WithTx runs fn in a single transaction. The transaction commits only if fn
	// returns nil.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	FindOrCreateAccountByUserID(ctx context.Context, userID string) (*domain.Account, error)
	FindAccountByID(ctx context.Context, accountID uuid.UUID) (*domain.Account, error)
	FindOrderByID(ctx context.Context, orderID uuid.UUID) (*domain.Order, error)
	FindJobRecordsByOrderID(ctx context.Context, orderID uuid.UUID) ([]domain.JobRecord, error)
	FindPaymentRequestByID(ctx context.Context, id uuid.UUID) (*domain.PaymentRequest, error)
	ListLedgerEntries(ctx context.Context, accountID uuid.UUID, limit int) ([]domain.LedgerEntry, error)
	GetLedgerTotals(ctx context.Context, accountID uuid.UUID) (domain.LedgerTotals, error)

	// Reconciliation queries
	FindStaleDispatches(ctx context.Context, createdBefore time.Time, limit int) ([]domain.JobRecord, error)
	FindAbandonedOrders(ctx context.Context, createdBefore time.Time, limit int) ([]domain.Order, error)
	FindExpiredPaymentRequests(ctx context.Context, createdBefore time.Time, limit int) ([]domain.PaymentRequest, error)
	FindLedgerDiscrepancies(ctx context.Context, limit int) ([]domain.LedgerDiscrepancy, error)
}
