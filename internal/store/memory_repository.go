package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/coduy96/taophim-sub000/internal/domain"
	"github.com/google/uuid"
)

// MemoryRepository keeps all state in process. A single mutex is held for the
// whole of every transaction, which gives the same serial view that row locks
// give the PostgreSQL store. Transactions work on a copy that replaces the
// committed state only when fn succeeds.
//
// Repository read methods must not be called from inside WithTx.
type MemoryRepository struct {
	mu    sync.Mutex
	state *memoryState
	now   func() time.Time
}

type memoryState struct {
	accounts       map[uuid.UUID]domain.Account
	accountsByUser map[string]uuid.UUID
	orders         map[uuid.UUID]domain.Order
	jobs           map[uuid.UUID]domain.JobRecord
	jobsByExternal map[string]uuid.UUID
	payments       map[uuid.UUID]domain.PaymentRequest
	paymentsByCode map[int64]uuid.UUID
	entries        []domain.LedgerEntry
	nextOrderCode  int64
}

// NewMemoryRepository returns an empty in-memory store.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		state: &memoryState{
			accounts:       make(map[uuid.UUID]domain.Account),
			accountsByUser: make(map[string]uuid.UUID),
			orders:         make(map[uuid.UUID]domain.Order),
			jobs:           make(map[uuid.UUID]domain.JobRecord),
			jobsByExternal: make(map[string]uuid.UUID),
			payments:       make(map[uuid.UUID]domain.PaymentRequest),
			paymentsByCode: make(map[int64]uuid.UUID),
			nextOrderCode:  100000,
		},
		now: time.Now,
	}
}

// SetClock overrides the timestamp source, for tests that age rows.
func (r *MemoryRepository) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

func (s *memoryState) clone() *memoryState {
	c := &memoryState{
		accounts:       make(map[uuid.UUID]domain.Account, len(s.accounts)),
		accountsByUser: make(map[string]uuid.UUID, len(s.accountsByUser)),
		orders:         make(map[uuid.UUID]domain.Order, len(s.orders)),
		jobs:           make(map[uuid.UUID]domain.JobRecord, len(s.jobs)),
		jobsByExternal: make(map[string]uuid.UUID, len(s.jobsByExternal)),
		payments:       make(map[uuid.UUID]domain.PaymentRequest, len(s.payments)),
		paymentsByCode: make(map[int64]uuid.UUID, len(s.paymentsByCode)),
		entries:        append([]domain.LedgerEntry(nil), s.entries...),
		nextOrderCode:  s.nextOrderCode,
	}
	for k, v := range s.accounts {
		c.accounts[k] = v
	}
	for k, v := range s.accountsByUser {
		c.accountsByUser[k] = v
	}
	for k, v := range s.orders {
		c.orders[k] = v
	}
	for k, v := range s.jobs {
		c.jobs[k] = v
	}
	for k, v := range s.jobsByExternal {
		c.jobsByExternal[k] = v
	}
	for k, v := range s.payments {
		c.payments[k] = v
	}
	for k, v := range s.paymentsByCode {
		c.paymentsByCode[k] = v
	}
	return c
}

func (r *MemoryRepository) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	work := r.state.clone()
	if err := fn(&memoryTx{s: work, now: r.now}); err != nil {
		return err
	}
	r.state = work
	return nil
}

func (r *MemoryRepository) FindOrCreateAccountByUserID(ctx context.Context, userID string) (*domain.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.state.accountsByUser[userID]; ok {
		account := r.state.accounts[id]
		return &account, nil
	}
	now := r.now()
	account := domain.Account{ID: uuid.New(), UserID: userID, CreatedAt: now, UpdatedAt: now}
	r.state.accounts[account.ID] = account
	r.state.accountsByUser[userID] = account.ID
	return &account, nil
}

func (r *MemoryRepository) FindAccountByID(ctx context.Context, accountID uuid.UUID) (*domain.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	account, ok := r.state.accounts[accountID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return &account, nil
}

func (r *MemoryRepository) FindOrderByID(ctx context.Context, orderID uuid.UUID) (*domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	order, ok := r.state.orders[orderID]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return &order, nil
}

func (r *MemoryRepository) FindJobRecordsByOrderID(ctx context.Context, orderID uuid.UUID) ([]domain.JobRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.jobsForOrder(orderID), nil
}

func (r *MemoryRepository) FindPaymentRequestByID(ctx context.Context, id uuid.UUID) (*domain.PaymentRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	payment, ok := r.state.payments[id]
	if !ok {
		return nil, ErrPaymentRequestNotFound
	}
	return &payment, nil
}

func (r *MemoryRepository) ListLedgerEntries(ctx context.Context, accountID uuid.UUID, limit int) ([]domain.LedgerEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []domain.LedgerEntry
	for i := len(r.state.entries) - 1; i >= 0; i-- {
		if r.state.entries[i].AccountID != accountID {
			continue
		}
		out = append(out, r.state.entries[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *MemoryRepository) GetLedgerTotals(ctx context.Context, accountID uuid.UUID) (domain.LedgerTotals, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.totals(accountID), nil
}

func (r *MemoryRepository) FindStaleDispatches(ctx context.Context, createdBefore time.Time, limit int) ([]domain.JobRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []domain.JobRecord
	for _, job := range r.state.jobs {
		if job.Status == domain.JobStatusPending && job.HasPlaceholder() && job.CreatedAt.Before(createdBefore) {
			out = append(out, job)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return truncate(out, limit), nil
}

func (r *MemoryRepository) FindAbandonedOrders(ctx context.Context, createdBefore time.Time, limit int) ([]domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []domain.Order
	for _, order := range r.state.orders {
		if order.Status != domain.OrderStatusPending || !order.CreatedAt.Before(createdBefore) {
			continue
		}
		live := false
		for _, job := range r.state.jobsForOrder(order.ID) {
			if !job.Status.IsTerminal() {
				live = true
				break
			}
		}
		if !live {
			out = append(out, order)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return truncate(out, limit), nil
}

func (r *MemoryRepository) FindExpiredPaymentRequests(ctx context.Context, createdBefore time.Time, limit int) ([]domain.PaymentRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []domain.PaymentRequest
	for _, payment := range r.state.payments {
		if payment.Status == domain.PaymentStatusPending && payment.CreatedAt.Before(createdBefore) {
			out = append(out, payment)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return truncate(out, limit), nil
}

func (r *MemoryRepository) FindLedgerDiscrepancies(ctx context.Context, limit int) ([]domain.LedgerDiscrepancy, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []domain.LedgerDiscrepancy
	for _, account := range r.state.accounts {
		totals := r.state.totals(account.ID)
		if account.Balance+account.Frozen != totals.Deposits-totals.Expenses {
			out = append(out, domain.LedgerDiscrepancy{
				AccountID: account.ID,
				Balance:   account.Balance,
				Frozen:    account.Frozen,
				Totals:    totals,
			})
		}
	}
	return truncate(out, limit), nil
}

func (s *memoryState) totals(accountID uuid.UUID) domain.LedgerTotals {
	var totals domain.LedgerTotals
	for _, entry := range s.entries {
		if entry.AccountID != accountID {
			continue
		}
		switch entry.Type {
		case domain.LedgerEntryDeposit:
			totals.Deposits += entry.Amount
		case domain.LedgerEntryExpense:
			totals.Expenses -= entry.Amount
		case domain.LedgerEntryRefund:
			totals.Refunds += entry.Amount
		}
	}
	return totals
}

func (s *memoryState) jobsForOrder(orderID uuid.UUID) []domain.JobRecord {
	var out []domain.JobRecord
	for _, job := range s.jobs {
		if job.OrderID == orderID {
			out = append(out, job)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func truncate[T any](items []T, limit int) []T {
	if limit > 0 && len(items) > limit {
		return items[:limit]
	}
	return items
}

// memoryTx implements Tx over a private copy of the store state.
type memoryTx struct {
	s   *memoryState
	now func() time.Time
}

func (t *memoryTx) GetAccountForUpdate(ctx context.Context, accountID uuid.UUID) (*domain.Account, error) {
	account, ok := t.s.accounts[accountID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return &account, nil
}

func (t *memoryTx) UpdateAccountBalances(ctx context.Context, accountID uuid.UUID, balance, frozen int64) error {
	account, ok := t.s.accounts[accountID]
	if !ok {
		return ErrAccountNotFound
	}
	if balance < 0 || frozen < 0 {
		return domain.NewPersistenceError("store.update_account_balances", errMemoryCheckViolation)
	}
	account.Balance = balance
	account.Frozen = frozen
	account.UpdatedAt = t.now()
	t.s.accounts[accountID] = account
	return nil
}

func (t *memoryTx) InsertLedgerEntry(ctx context.Context, entry *domain.LedgerEntry) error {
	for _, existing := range t.s.entries {
		if entry.RelatedOrderID != nil && existing.RelatedOrderID != nil &&
			*entry.RelatedOrderID == *existing.RelatedOrderID &&
			entry.Type != domain.LedgerEntryDeposit && existing.Type != domain.LedgerEntryDeposit {
			return ErrDuplicateKey
		}
		if entry.RelatedPaymentID != nil && existing.RelatedPaymentID != nil &&
			*entry.RelatedPaymentID == *existing.RelatedPaymentID &&
			entry.Type == domain.LedgerEntryDeposit && existing.Type == domain.LedgerEntryDeposit {
			return ErrDuplicateKey
		}
	}
	entry.CreatedAt = t.now()
	t.s.entries = append(t.s.entries, *entry)
	return nil
}

func (t *memoryTx) CreateOrder(ctx context.Context, order *domain.Order) error {
	if _, exists := t.s.orders[order.ID]; exists {
		return ErrDuplicateKey
	}
	now := t.now()
	order.CreatedAt = now
	order.UpdatedAt = now
	t.s.orders[order.ID] = *order
	return nil
}

func (t *memoryTx) GetOrderForUpdate(ctx context.Context, orderID uuid.UUID) (*domain.Order, error) {
	order, ok := t.s.orders[orderID]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return &order, nil
}

func (t *memoryTx) UpdateOrderStatus(ctx context.Context, orderID uuid.UUID, status domain.OrderStatus) error {
	order, ok := t.s.orders[orderID]
	if !ok {
		return ErrOrderNotFound
	}
	order.Status = status
	order.UpdatedAt = t.now()
	t.s.orders[orderID] = order
	return nil
}

func (t *memoryTx) CreateJobRecord(ctx context.Context, job *domain.JobRecord) error {
	if _, exists := t.s.jobsByExternal[job.ExternalRequestID]; exists {
		return ErrDuplicateKey
	}
	now := t.now()
	job.CreatedAt = now
	job.UpdatedAt = now
	t.s.jobs[job.ID] = *job
	t.s.jobsByExternal[job.ExternalRequestID] = job.ID
	return nil
}

func (t *memoryTx) GetJobRecordForUpdate(ctx context.Context, jobID uuid.UUID) (*domain.JobRecord, error) {
	job, ok := t.s.jobs[jobID]
	if !ok {
		return nil, ErrJobRecordNotFound
	}
	return &job, nil
}

func (t *memoryTx) GetJobRecordByExternalIDForUpdate(ctx context.Context, externalRequestID string) (*domain.JobRecord, error) {
	id, ok := t.s.jobsByExternal[externalRequestID]
	if !ok {
		return nil, ErrJobRecordNotFound
	}
	job := t.s.jobs[id]
	return &job, nil
}

func (t *memoryTx) ListJobRecordsByOrderForUpdate(ctx context.Context, orderID uuid.UUID) ([]domain.JobRecord, error) {
	return t.s.jobsForOrder(orderID), nil
}

func (t *memoryTx) UpdateJobRecord(ctx context.Context, job *domain.JobRecord) error {
	current, ok := t.s.jobs[job.ID]
	if !ok {
		return ErrJobRecordNotFound
	}
	if current.ExternalRequestID != job.ExternalRequestID {
		if owner, taken := t.s.jobsByExternal[job.ExternalRequestID]; taken && owner != job.ID {
			return ErrDuplicateKey
		}
		delete(t.s.jobsByExternal, current.ExternalRequestID)
		t.s.jobsByExternal[job.ExternalRequestID] = job.ID
	}
	job.CreatedAt = current.CreatedAt
	job.UpdatedAt = t.now()
	t.s.jobs[job.ID] = *job
	return nil
}

func (t *memoryTx) CreatePaymentRequest(ctx context.Context, req *domain.PaymentRequest) error {
	if _, exists := t.s.payments[req.ID]; exists {
		return ErrDuplicateKey
	}
	t.s.nextOrderCode++
	req.ExternalOrderCode = t.s.nextOrderCode
	now := t.now()
	req.CreatedAt = now
	req.UpdatedAt = now
	t.s.payments[req.ID] = *req
	t.s.paymentsByCode[req.ExternalOrderCode] = req.ID
	return nil
}

func (t *memoryTx) GetPaymentRequestForUpdate(ctx context.Context, id uuid.UUID) (*domain.PaymentRequest, error) {
	payment, ok := t.s.payments[id]
	if !ok {
		return nil, ErrPaymentRequestNotFound
	}
	return &payment, nil
}

func (t *memoryTx) GetPaymentRequestByOrderCodeForUpdate(ctx context.Context, orderCode int64) (*domain.PaymentRequest, error) {
	id, ok := t.s.paymentsByCode[orderCode]
	if !ok {
		return nil, ErrPaymentRequestNotFound
	}
	payment := t.s.payments[id]
	return &payment, nil
}

func (t *memoryTx) UpdatePaymentRequest(ctx context.Context, req *domain.PaymentRequest) error {
	current, ok := t.s.payments[req.ID]
	if !ok {
		return ErrPaymentRequestNotFound
	}
	req.CreatedAt = current.CreatedAt
	req.UpdatedAt = t.now()
	t.s.payments[req.ID] = *req
	return nil
}

var errMemoryCheckViolation = errors.New("check constraint violated: balance and frozen must be non-negative")
