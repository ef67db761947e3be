package app

import (
	"context"
	"encoding/json"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/coduy96/taophim-sub000/internal/catalog"
	"github.com/coduy96/taophim-sub000/internal/domain"
	"github.com/coduy96/taophim-sub000/internal/ledger"
	"github.com/coduy96/taophim-sub000/internal/store"
	"github.com/coduy96/taophim-sub000/pkg/gatewayclient"
	"github.com/coduy96/taophim-sub000/pkg/providerclient"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testServiceID = "test-video"

var testInputs = json.RawMessage(`{"prompt":"a red kite over the sea","duration":10}`)

type stubProvider struct {
	mu     sync.Mutex
	calls  []string
	submit func(ctx context.Context, webhookURL string) (*providerclient.SubmitResponse, error)
}

func (p *stubProvider) Submit(ctx context.Context, modelID string, payload interface{}, webhookURL string) (*providerclient.SubmitResponse, error) {
	p.mu.Lock()
	p.calls = append(p.calls, webhookURL)
	p.mu.Unlock()
	if p.submit == nil {
		return &providerclient.SubmitResponse{RequestID: "req-" + uuid.NewString()}, nil
	}
	return p.submit(ctx, webhookURL)
}

func (p *stubProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

// acceptWith makes the provider answer every submit with requestID.
func acceptWith(requestID string) func(context.Context, string) (*providerclient.SubmitResponse, error) {
	return func(context.Context, string) (*providerclient.SubmitResponse, error) {
		return &providerclient.SubmitResponse{RequestID: requestID}, nil
	}
}

type stubGateway struct {
	mu       sync.Mutex
	requests []gatewayclient.PaymentLinkRequest
	err      error
}

func (g *stubGateway) CreatePaymentLink(ctx context.Context, req gatewayclient.PaymentLinkRequest) (*gatewayclient.PaymentLink, error) {
	g.mu.Lock()
	g.requests = append(g.requests, req)
	g.mu.Unlock()
	if g.err != nil {
		return nil, g.err
	}
	return &gatewayclient.PaymentLink{
		CheckoutURL:   "https://pay.example.com/web/" + uuid.NewString(),
		PaymentLinkID: "link-" + uuid.NewString(),
		OrderCode:     req.OrderCode,
		Amount:        req.Amount,
		Status:        "PENDING",
	}, nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []domain.SettlementEvent
}

func (n *recordingNotifier) Notify(event domain.SettlementEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
}

func (n *recordingNotifier) types() []domain.SettlementEventType {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]domain.SettlementEventType, 0, len(n.events))
	for _, e := range n.events {
		out = append(out, e.Type)
	}
	return out
}

type stubLimiter struct {
	decision RateLimitDecision
	err      error
}

func (l *stubLimiter) Allow(ctx context.Context, scope, subject string, limit int, window time.Duration) (RateLimitDecision, error) {
	return l.decision, l.err
}

type testEnv struct {
	svc      *Service
	repo     *store.MemoryRepository
	provider *stubProvider
	gateway  *stubGateway
	notifier *recordingNotifier
}

func testRegistry(t *testing.T) *catalog.Registry {
	t.Helper()
	registry, err := catalog.NewRegistry(catalog.Service{
		ID:             testServiceID,
		Name:           "Test video",
		ModelID:        "fal-ai/test/text-to-video",
		Kind:           catalog.KindTextToVideo,
		PricePerSecond: 30,
		Durations:      []int{10},
	})
	require.NoError(t, err)
	return registry
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	env := &testEnv{
		repo:     store.NewMemoryRepository(),
		provider: &stubProvider{},
		gateway:  &stubGateway{},
		notifier: &recordingNotifier{},
	}
	env.svc = NewService(env.repo, testRegistry(t), env.provider, env.gateway, env.notifier, Settings{
		JobWebhookURL:     "https://api.example.com/webhooks/jobs",
		DispatchTimeout:   time.Second,
		PaymentReturnURL:  "https://app.example.com/wallet?status=ok",
		PaymentCancelURL:  "https://app.example.com/wallet?status=cancel",
		PaymentRequestTTL: time.Hour,
	}, zap.NewNop(), opts...)
	return env
}

// fund creates an account holding amount Xu through a real deposit.
func (e *testEnv) fund(t *testing.T, amount int64) *domain.Account {
	t.Helper()
	ctx := context.Background()
	account, err := e.svc.GetAccount(ctx, "user_"+uuid.NewString())
	require.NoError(t, err)
	require.NoError(t, e.repo.WithTx(ctx, func(tx store.Tx) error {
		_, err := ledger.New().Credit(ctx, tx, account.ID, amount, uuid.New())
		return err
	}))
	return e.account(t, account.ID)
}

func (e *testEnv) account(t *testing.T, id uuid.UUID) *domain.Account {
	t.Helper()
	account, err := e.repo.FindAccountByID(context.Background(), id)
	require.NoError(t, err)
	return account
}

func (e *testEnv) jobs(t *testing.T, orderID uuid.UUID) []domain.JobRecord {
	t.Helper()
	jobs, err := e.repo.FindJobRecordsByOrderID(context.Background(), orderID)
	require.NoError(t, err)
	return jobs
}

func (e *testEnv) order(t *testing.T, orderID uuid.UUID) *domain.Order {
	t.Helper()
	order, err := e.repo.FindOrderByID(context.Background(), orderID)
	require.NoError(t, err)
	return order
}

func (e *testEnv) assertBalances(t *testing.T, accountID uuid.UUID, balance, frozen int64) {
	t.Helper()
	account := e.account(t, accountID)
	assert.Equal(t, balance, account.Balance, "balance")
	assert.Equal(t, frozen, account.Frozen, "frozen")

	totals, err := e.repo.GetLedgerTotals(context.Background(), accountID)
	require.NoError(t, err)
	assert.Truef(t, ledger.Reconciles(*account, totals), "ledger does not reproduce balances: %+v", totals)
}

func jobHint(t *testing.T, webhookURL string) *uuid.UUID {
	t.Helper()
	u, err := url.Parse(webhookURL)
	require.NoError(t, err)
	id, err := uuid.Parse(u.Query().Get("job"))
	require.NoError(t, err)
	return &id
}

func TestGetAccount_CreatesOnFirstUse(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first, err := env.svc.GetAccount(ctx, "user_abc")
	require.NoError(t, err)
	second, err := env.svc.GetAccount(ctx, "user_abc")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Zero(t, first.Balance)

	_, err = env.svc.GetAccount(ctx, "")
	assert.ErrorIs(t, err, domain.ErrAuth)
}

func TestListLedgerEntries_NewestFirst(t *testing.T) {
	env := newTestEnv(t)
	account := env.fund(t, 1000)
	env.provider.submit = acceptWith("req-ledger")

	order, err := env.svc.CreateOrder(context.Background(), account.ID, CreateOrderRequest{ServiceID: testServiceID, Inputs: testInputs})
	require.NoError(t, err)
	_, err = env.svc.HandleJobResult(context.Background(), JobResult{RequestID: "req-ledger", Status: JobResultOK, VideoURL: "https://cdn.example.com/v.mp4"})
	require.NoError(t, err)

	entries, err := env.svc.ListLedgerEntries(context.Background(), account.ID, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, domain.LedgerEntryExpense, entries[0].Type)
	assert.Equal(t, int64(-300), entries[0].Amount)
	require.NotNil(t, entries[0].RelatedOrderID)
	assert.Equal(t, order.ID, *entries[0].RelatedOrderID)
	assert.Equal(t, domain.LedgerEntryDeposit, entries[1].Type)
}

// wrappedRepo hands every transaction through wrap, so a test can replay what a
// READ COMMITTED snapshot would show without a database.
type wrappedRepo struct {
	*store.MemoryRepository
	wrap func(tx store.Tx) store.Tx
}

func (r *wrappedRepo) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	return r.MemoryRepository.WithTx(ctx, func(tx store.Tx) error {
		return fn(r.wrap(tx))
	})
}

// externalIDMissTx never finds a job by its provider request id, as when the
// binding commit landed after the statement's snapshot was taken.
type externalIDMissTx struct {
	store.Tx
}

func (externalIDMissTx) GetJobRecordByExternalIDForUpdate(context.Context, string) (*domain.JobRecord, error) {
	return nil, store.ErrJobRecordNotFound
}

// staleJobListTx answers the first job listing with no rows, as when another
// transaction inserted a job just before it released the order lock.
type staleJobListTx struct {
	store.Tx
	listed bool
}

func (tx *staleJobListTx) ListJobRecordsByOrderForUpdate(ctx context.Context, orderID uuid.UUID) ([]domain.JobRecord, error) {
	if !tx.listed {
		tx.listed = true
		return nil, nil
	}
	return tx.Tx.ListJobRecordsByOrderForUpdate(ctx, orderID)
}

func (e *testEnv) wrapTx(wrap func(tx store.Tx) store.Tx) {
	e.svc.repo = &wrappedRepo{MemoryRepository: e.repo, wrap: wrap}
}
