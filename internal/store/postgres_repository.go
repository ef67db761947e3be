/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * Writes that move money run through `WithTx`, which opens a READ COMMITTED
 * transaction; every row the transaction later updates is read with
 * `SELECT ... FOR UPDATE` first, so concurrent settlements of the same row
 * serialise on the row lock.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/coduy96/taophim-sub000/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// WithTx runs fn inside a single transaction and commits only if fn succeeds.
func (r *PostgresRepository) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&postgresTx{q: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

const (
	accountColumns = `id, user_id, balance, frozen, created_at, updated_at`
	orderColumns   = `id, account_id, service_id, inputs, status, total_cost, created_at, updated_at`
	jobColumns     = `id, order_id, provider, external_request_id, status, result_ref, error_detail, created_at, updated_at`
	paymentColumns = `id, account_id, amount_xu, amount_fiat, external_order_code, status, checkout_url, payment_link_id, gateway_reference, created_at, updated_at`
	entryColumns   = `id, account_id, type, amount, related_order_id, related_payment_id, created_at`
)

func scanAccount(row pgx.Row) (*domain.Account, error) {
	var a domain.Account
	if err := row.Scan(&a.ID, &a.UserID, &a.Balance, &a.Frozen, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

func scanOrder(row pgx.Row) (*domain.Order, error) {
	var o domain.Order
	var inputs []byte
	var status string
	if err := row.Scan(&o.ID, &o.AccountID, &o.ServiceID, &inputs, &status, &o.TotalCost, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return nil, err
	}
	o.Inputs = json.RawMessage(inputs)
	o.Status = domain.OrderStatus(status)
	return &o, nil
}

func scanJob(row pgx.Row) (*domain.JobRecord, error) {
	var j domain.JobRecord
	var status string
	if err := row.Scan(&j.ID, &j.OrderID, &j.Provider, &j.ExternalRequestID, &status, &j.ResultRef, &j.ErrorDetail, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return nil, err
	}
	j.Status = domain.JobStatus(status)
	return &j, nil
}

func scanPayment(row pgx.Row) (*domain.PaymentRequest, error) {
	var p domain.PaymentRequest
	var status string
	if err := row.Scan(&p.ID, &p.AccountID, &p.AmountXu, &p.AmountFiat, &p.ExternalOrderCode, &status, &p.CheckoutURL, &p.PaymentLinkID, &p.GatewayReference, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.Status = domain.PaymentStatus(status)
	return &p, nil
}

func scanEntry(row pgx.Row) (*domain.LedgerEntry, error) {
	var e domain.LedgerEntry
	var entryType string
	if err := row.Scan(&e.ID, &e.AccountID, &entryType, &e.Amount, &e.RelatedOrderID, &e.RelatedPaymentID, &e.CreatedAt); err != nil {
		return nil, err
	}
	e.Type = domain.LedgerEntryType(entryType)
	return &e, nil
}

func notFound(err error, sentinel error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return sentinel
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// FindOrCreateAccountByUserID returns the wallet of an auth subject, creating an
// empty one on first use.
func (r *PostgresRepository) FindOrCreateAccountByUserID(ctx context.Context, userID string) (*domain.Account, error) {
	query := `
		INSERT INTO accounts (id, user_id, balance, frozen)
		VALUES ($1, $2, 0, 0)
		ON CONFLICT (user_id) DO NOTHING
	`
	if _, err := r.db.Exec(ctx, query, uuid.New(), userID); err != nil {
		return nil, fmt.Errorf("failed to provision account: %w", err)
	}

	account, err := scanAccount(r.db.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE user_id = $1`, userID))
	if err != nil {
		return nil, notFound(err, ErrAccountNotFound)
	}
	return account, nil
}

func (r *PostgresRepository) FindAccountByID(ctx context.Context, accountID uuid.UUID) (*domain.Account, error) {
	account, err := scanAccount(r.db.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, accountID))
	if err != nil {
		return nil, notFound(err, ErrAccountNotFound)
	}
	return account, nil
}

func (r *PostgresRepository) FindOrderByID(ctx context.Context, orderID uuid.UUID) (*domain.Order, error) {
	order, err := scanOrder(r.db.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, orderID))
	if err != nil {
		return nil, notFound(err, ErrOrderNotFound)
	}
	return order, nil
}

func (r *PostgresRepository) FindJobRecordsByOrderID(ctx context.Context, orderID uuid.UUID) ([]domain.JobRecord, error) {
	return queryJobs(ctx, r.db, `SELECT `+jobColumns+` FROM job_records WHERE order_id = $1 ORDER BY created_at`, orderID)
}

func (r *PostgresRepository) FindPaymentRequestByID(ctx context.Context, id uuid.UUID) (*domain.PaymentRequest, error) {
	payment, err := scanPayment(r.db.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payment_requests WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, ErrPaymentRequestNotFound)
	}
	return payment, nil
}

func (r *PostgresRepository) ListLedgerEntries(ctx context.Context, accountID uuid.UUID, limit int) ([]domain.LedgerEntry, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+entryColumns+`
		FROM ledger_entries
		WHERE account_id = $1
		ORDER BY created_at DESC, id
		LIMIT $2
	`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger entries: %w", err)
	}
	defer rows.Close()

	var entries []domain.LedgerEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		entries = append(entries, *entry)
	}
	return entries, rows.Err()
}

func (r *PostgresRepository) GetLedgerTotals(ctx context.Context, accountID uuid.UUID) (domain.LedgerTotals, error) {
	var totals domain.LedgerTotals
	err := r.db.QueryRow(ctx, `
		SELECT
			COALESCE(SUM(amount) FILTER (WHERE type = 'deposit'), 0),
			COALESCE(-SUM(amount) FILTER (WHERE type = 'expense'), 0),
			COALESCE(SUM(amount) FILTER (WHERE type = 'refund'), 0)
		FROM ledger_entries
		WHERE account_id = $1
	`, accountID).Scan(&totals.Deposits, &totals.Expenses, &totals.Refunds)
	if err != nil {
		return totals, fmt.Errorf("failed to aggregate ledger: %w", err)
	}
	return totals, nil
}

// FindStaleDispatches returns jobs that never learned their provider request id.
func (r *PostgresRepository) FindStaleDispatches(ctx context.Context, createdBefore time.Time, limit int) ([]domain.JobRecord, error) {
	return queryJobs(ctx, r.db, `
		SELECT `+jobColumns+`
		FROM job_records
		WHERE status = 'pending'
		  AND external_request_id LIKE 'pending:%'
		  AND created_at < $1
		ORDER BY created_at
		LIMIT $2
	`, createdBefore, limit)
}

// FindAbandonedOrders returns pending orders that have no live dispatch attempt.
func (r *PostgresRepository) FindAbandonedOrders(ctx context.Context, createdBefore time.Time, limit int) ([]domain.Order, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+orderColumns+`
		FROM orders o
		WHERE o.status = 'pending'
		  AND o.created_at < $1
		  AND NOT EXISTS (
			SELECT 1 FROM job_records j
			WHERE j.order_id = o.id AND j.status IN ('pending', 'processing')
		  )
		ORDER BY o.created_at
		LIMIT $2
	`, createdBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query abandoned orders: %w", err)
	}
	defer rows.Close()

	var orders []domain.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, *order)
	}
	return orders, rows.Err()
}

func (r *PostgresRepository) FindExpiredPaymentRequests(ctx context.Context, createdBefore time.Time, limit int) ([]domain.PaymentRequest, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+paymentColumns+`
		FROM payment_requests
		WHERE status = 'pending' AND created_at < $1
		ORDER BY created_at
		LIMIT $2
	`, createdBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query expired payment requests: %w", err)
	}
	defer rows.Close()

	var payments []domain.PaymentRequest
	for rows.Next() {
		payment, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan payment request: %w", err)
		}
		payments = append(payments, *payment)
	}
	return payments, rows.Err()
}

// FindLedgerDiscrepancies returns accounts whose deposits minus expenses do not
// equal balance plus frozen.
func (r *PostgresRepository) FindLedgerDiscrepancies(ctx context.Context, limit int) ([]domain.LedgerDiscrepancy, error) {
	rows, err := r.db.Query(ctx, `
		SELECT a.id, a.balance, a.frozen,
			COALESCE(t.deposits, 0), COALESCE(t.expenses, 0), COALESCE(t.refunds, 0)
		FROM accounts a
		LEFT JOIN (
			SELECT account_id,
				SUM(amount) FILTER (WHERE type = 'deposit') AS deposits,
				-SUM(amount) FILTER (WHERE type = 'expense') AS expenses,
				SUM(amount) FILTER (WHERE type = 'refund') AS refunds
			FROM ledger_entries
			GROUP BY account_id
		) t ON t.account_id = a.id
		WHERE a.balance + a.frozen <> COALESCE(t.deposits, 0) - COALESCE(t.expenses, 0)
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to audit ledger: %w", err)
	}
	defer rows.Close()

	var out []domain.LedgerDiscrepancy
	for rows.Next() {
		var d domain.LedgerDiscrepancy
		if err := rows.Scan(&d.AccountID, &d.Balance, &d.Frozen, &d.Totals.Deposits, &d.Totals.Expenses, &d.Totals.Refunds); err != nil {
			return nil, fmt.Errorf("failed to scan ledger audit row: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func queryJobs(ctx context.Context, q querier, sql string, args ...any) ([]domain.JobRecord, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query job records: %w", err)
	}
	defer rows.Close()

	var jobs []domain.JobRecord
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job record: %w", err)
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

// postgresTx implements Tx on top of an open pgx transaction.
type postgresTx struct {
	q querier
}

func (t *postgresTx) GetAccountForUpdate(ctx context.Context, accountID uuid.UUID) (*domain.Account, error) {
	// Use FOR UPDATE to lock the row, preventing concurrent freezes from overdrawing.
	account, err := scanAccount(t.q.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1 FOR UPDATE`, accountID))
	if err != nil {
		return nil, notFound(err, ErrAccountNotFound)
	}
	return account, nil
}

func (t *postgresTx) UpdateAccountBalances(ctx context.Context, accountID uuid.UUID, balance, frozen int64) error {
	tag, err := t.q.Exec(ctx, `
		UPDATE accounts SET balance = $1, frozen = $2, updated_at = NOW()
		WHERE id = $3
	`, balance, frozen, accountID)
	if err != nil {
		return fmt.Errorf("failed to update account balances: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

func (t *postgresTx) InsertLedgerEntry(ctx context.Context, entry *domain.LedgerEntry) error {
	err := t.q.QueryRow(ctx, `
		INSERT INTO ledger_entries (id, account_id, type, amount, related_order_id, related_payment_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at
	`, entry.ID, entry.AccountID, string(entry.Type), entry.Amount, entry.RelatedOrderID, entry.RelatedPaymentID).Scan(&entry.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("failed to append ledger entry: %w", err)
	}
	return nil
}

func (t *postgresTx) CreateOrder(ctx context.Context, order *domain.Order) error {
	inputs := order.Inputs
	if len(inputs) == 0 {
		inputs = json.RawMessage(`{}`)
	}
	err := t.q.QueryRow(ctx, `
		INSERT INTO orders (id, account_id, service_id, inputs, status, total_cost)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at
	`, order.ID, order.AccountID, order.ServiceID, []byte(inputs), string(order.Status), order.TotalCost).Scan(&order.CreatedAt, &order.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert order: %w", err)
	}
	return nil
}

func (t *postgresTx) GetOrderForUpdate(ctx context.Context, orderID uuid.UUID) (*domain.Order, error) {
	order, err := scanOrder(t.q.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, orderID))
	if err != nil {
		return nil, notFound(err, ErrOrderNotFound)
	}
	return order, nil
}

func (t *postgresTx) UpdateOrderStatus(ctx context.Context, orderID uuid.UUID, status domain.OrderStatus) error {
	tag, err := t.q.Exec(ctx, `UPDATE orders SET status = $1, updated_at = NOW() WHERE id = $2`, string(status), orderID)
	if err != nil {
		return fmt.Errorf("failed to update order status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrOrderNotFound
	}
	return nil
}

func (t *postgresTx) CreateJobRecord(ctx context.Context, job *domain.JobRecord) error {
	err := t.q.QueryRow(ctx, `
		INSERT INTO job_records (id, order_id, provider, external_request_id, status, result_ref, error_detail)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at
	`, job.ID, job.OrderID, job.Provider, job.ExternalRequestID, string(job.Status), job.ResultRef, job.ErrorDetail).Scan(&job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("failed to insert job record: %w", err)
	}
	return nil
}

func (t *postgresTx) GetJobRecordForUpdate(ctx context.Context, jobID uuid.UUID) (*domain.JobRecord, error) {
	job, err := scanJob(t.q.QueryRow(ctx, `SELECT `+jobColumns+` FROM job_records WHERE id = $1 FOR UPDATE`, jobID))
	if err != nil {
		return nil, notFound(err, ErrJobRecordNotFound)
	}
	return job, nil
}

func (t *postgresTx) GetJobRecordByExternalIDForUpdate(ctx context.Context, externalRequestID string) (*domain.JobRecord, error) {
	job, err := scanJob(t.q.QueryRow(ctx, `SELECT `+jobColumns+` FROM job_records WHERE external_request_id = $1 FOR UPDATE`, externalRequestID))
	if err != nil {
		return nil, notFound(err, ErrJobRecordNotFound)
	}
	return job, nil
}

func (t *postgresTx) ListJobRecordsByOrderForUpdate(ctx context.Context, orderID uuid.UUID) ([]domain.JobRecord, error) {
	return queryJobs(ctx, t.q, `SELECT `+jobColumns+` FROM job_records WHERE order_id = $1 ORDER BY created_at FOR UPDATE`, orderID)
}

func (t *postgresTx) UpdateJobRecord(ctx context.Context, job *domain.JobRecord) error {
	err := t.q.QueryRow(ctx, `
		UPDATE job_records
		SET external_request_id = $1, status = $2, result_ref = $3, error_detail = $4, updated_at = NOW()
		WHERE id = $5
		RETURNING updated_at
	`, job.ExternalRequestID, string(job.Status), job.ResultRef, job.ErrorDetail, job.ID).Scan(&job.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateKey
		}
		return notFound(err, ErrJobRecordNotFound)
	}
	return nil
}

func (t *postgresTx) CreatePaymentRequest(ctx context.Context, req *domain.PaymentRequest) error {
	err := t.q.QueryRow(ctx, `
		INSERT INTO payment_requests (id, account_id, amount_xu, amount_fiat, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING external_order_code, created_at, updated_at
	`, req.ID, req.AccountID, req.AmountXu, req.AmountFiat, string(req.Status)).Scan(&req.ExternalOrderCode, &req.CreatedAt, &req.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert payment request: %w", err)
	}
	return nil
}

func (t *postgresTx) GetPaymentRequestForUpdate(ctx context.Context, id uuid.UUID) (*domain.PaymentRequest, error) {
	payment, err := scanPayment(t.q.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payment_requests WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, notFound(err, ErrPaymentRequestNotFound)
	}
	return payment, nil
}

func (t *postgresTx) GetPaymentRequestByOrderCodeForUpdate(ctx context.Context, orderCode int64) (*domain.PaymentRequest, error) {
	payment, err := scanPayment(t.q.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payment_requests WHERE external_order_code = $1 FOR UPDATE`, orderCode))
	if err != nil {
		return nil, notFound(err, ErrPaymentRequestNotFound)
	}
	return payment, nil
}

func (t *postgresTx) UpdatePaymentRequest(ctx context.Context, req *domain.PaymentRequest) error {
	err := t.q.QueryRow(ctx, `
		UPDATE payment_requests
		SET status = $1, checkout_url = $2, payment_link_id = $3, gateway_reference = $4, updated_at = NOW()
		WHERE id = $5
		RETURNING updated_at
	`, string(req.Status), req.CheckoutURL, req.PaymentLinkID, req.GatewayReference, req.ID).Scan(&req.UpdatedAt)
	if err != nil {
		return notFound(err, ErrPaymentRequestNotFound)
	}
	return nil
}
