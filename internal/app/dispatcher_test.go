package app

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/coduy96/taophim-sub000/internal/domain"
	"github.com/coduy96/taophim-sub000/internal/store"
	"github.com/coduy96/taophim-sub000/pkg/providerclient"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateOrder_FreezesAndDispatches(t *testing.T) {
	env := newTestEnv(t)
	account := env.fund(t, 1000)
	env.provider.submit = acceptWith("req-1")

	order, err := env.svc.CreateOrder(context.Background(), account.ID, CreateOrderRequest{
		ServiceID: testServiceID,
		TotalCost: 300,
		Inputs:    testInputs,
	})
	require.NoError(t, err)

	assert.Equal(t, domain.OrderStatusProcessing, order.Status)
	assert.Equal(t, int64(300), order.TotalCost)
	env.assertBalances(t, account.ID, 700, 300)

	jobs := env.jobs(t, order.ID)
	require.Len(t, jobs, 1)
	assert.Equal(t, "req-1", jobs[0].ExternalRequestID)
	assert.Equal(t, domain.JobStatusProcessing, jobs[0].Status)

	require.Equal(t, 1, env.provider.callCount())
	assert.Equal(t, jobs[0].ID, *jobHint(t, env.provider.calls[0]))

	entries, err := env.svc.ListLedgerEntries(context.Background(), account.ID, 10)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "freeze writes no ledger entry")
}

func TestCreateOrder_RejectsMismatchedTotal(t *testing.T) {
	env := newTestEnv(t)
	account := env.fund(t, 1000)

	_, err := env.svc.CreateOrder(context.Background(), account.ID, CreateOrderRequest{
		ServiceID: testServiceID,
		TotalCost: 1,
		Inputs:    testInputs,
	})
	assert.ErrorIs(t, err, domain.ErrValidation)
	assert.Zero(t, env.provider.callCount())
	env.assertBalances(t, account.ID, 1000, 0)
}

func TestCreateOrder_UnknownServiceAndBadInputs(t *testing.T) {
	env := newTestEnv(t)
	account := env.fund(t, 1000)

	_, err := env.svc.CreateOrder(context.Background(), account.ID, CreateOrderRequest{ServiceID: "nope", Inputs: testInputs})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = env.svc.CreateOrder(context.Background(), account.ID, CreateOrderRequest{
		ServiceID: testServiceID,
		Inputs:    json.RawMessage(`{"prompt":"","duration":10}`),
	})
	assert.ErrorIs(t, err, domain.ErrValidation)
	env.assertBalances(t, account.ID, 1000, 0)
}

func TestCreateOrder_InsufficientBalance(t *testing.T) {
	env := newTestEnv(t)
	account := env.fund(t, 299)

	_, err := env.svc.CreateOrder(context.Background(), account.ID, CreateOrderRequest{ServiceID: testServiceID, Inputs: testInputs})
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)
	assert.Zero(t, env.provider.callCount())
	env.assertBalances(t, account.ID, 299, 0)
}

func TestCreateOrder_ConcurrentOrdersNeverOverdraw(t *testing.T) {
	env := newTestEnv(t)
	account := env.fund(t, 500)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.svc.CreateOrder(context.Background(), account.ID, CreateOrderRequest{ServiceID: testServiceID, Inputs: testInputs})
		}(i)
	}
	wg.Wait()

	var ok, insufficient int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, domain.ErrInsufficientBalance):
			insufficient++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, insufficient)
	env.assertBalances(t, account.ID, 200, 300)
}

func TestCreateOrder_DefinitiveDispatchFailure(t *testing.T) {
	env := newTestEnv(t)
	account := env.fund(t, 1000)
	env.provider.submit = func(context.Context, string) (*providerclient.SubmitResponse, error) {
		return nil, &providerclient.ErrorResponse{StatusCode: 422, Detail: "prompt rejected by safety filter"}
	}

	order, err := env.svc.CreateOrder(context.Background(), account.ID, CreateOrderRequest{ServiceID: testServiceID, Inputs: testInputs})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrProvider)
	require.NotNil(t, order)
	assert.Equal(t, domain.OrderStatusPending, order.Status)
	env.assertBalances(t, account.ID, 700, 300)

	jobs := env.jobs(t, order.ID)
	require.Len(t, jobs, 1)
	assert.Equal(t, domain.JobStatusFailed, jobs[0].Status)
	require.NotNil(t, jobs[0].ErrorDetail)
	assert.Contains(t, *jobs[0].ErrorDetail, "safety filter")
	assert.Empty(t, env.notifier.types())
}

func TestCreateOrder_AmbiguousDispatchFailureKeepsJobPending(t *testing.T) {
	env := newTestEnv(t)
	account := env.fund(t, 1000)
	env.provider.submit = func(context.Context, string) (*providerclient.SubmitResponse, error) {
		return nil, context.DeadlineExceeded
	}

	order, err := env.svc.CreateOrder(context.Background(), account.ID, CreateOrderRequest{ServiceID: testServiceID, Inputs: testInputs})
	assert.ErrorIs(t, err, domain.ErrProvider)
	require.NotNil(t, order)

	jobs := env.jobs(t, order.ID)
	require.Len(t, jobs, 1)
	assert.Equal(t, domain.JobStatusPending, jobs[0].Status)
	assert.True(t, jobs[0].HasPlaceholder())
	require.NotNil(t, jobs[0].ErrorDetail)
}

func TestCreateOrder_CallbackBeforeDispatchReturns(t *testing.T) {
	env := newTestEnv(t)
	account := env.fund(t, 1000)
	env.provider.submit = func(ctx context.Context, webhookURL string) (*providerclient.SubmitResponse, error) {
		outcome, err := env.svc.HandleJobResult(ctx, JobResult{
			RequestID: "req-early",
			JobHint:   jobHint(t, webhookURL),
			Status:    JobResultOK,
			VideoURL:  "https://cdn.example.com/early.mp4",
		})
		require.NoError(t, err)
		assert.Equal(t, OutcomeSettled, outcome)
		return &providerclient.SubmitResponse{RequestID: "req-early"}, nil
	}

	order, err := env.svc.CreateOrder(context.Background(), account.ID, CreateOrderRequest{ServiceID: testServiceID, Inputs: testInputs})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCompleted, order.Status)
	env.assertBalances(t, account.ID, 700, 0)

	jobs := env.jobs(t, order.ID)
	require.Len(t, jobs, 1)
	assert.Equal(t, "req-early", jobs[0].ExternalRequestID)
	assert.Equal(t, domain.JobStatusCompleted, jobs[0].Status)
}

func TestCreateOrder_RateLimited(t *testing.T) {
	limiter := &stubLimiter{decision: RateLimitDecision{RetryAfter: 41500 * time.Millisecond}}
	env := newTestEnv(t, WithRateLimiter(limiter))
	env.svc.settings.OrderRateLimitPerMinute = 10
	account := env.fund(t, 1000)

	_, err := env.svc.CreateOrder(context.Background(), account.ID, CreateOrderRequest{ServiceID: testServiceID, Inputs: testInputs})
	assert.ErrorIs(t, err, domain.ErrRateLimited)
	assert.Contains(t, err.Error(), "retry in 42s")
	env.assertBalances(t, account.ID, 1000, 0)

	limiter.decision, limiter.err = RateLimitDecision{}, errors.New("redis down")
	_, err = env.svc.CreateOrder(context.Background(), account.ID, CreateOrderRequest{ServiceID: testServiceID, Inputs: testInputs})
	assert.NoError(t, err, "limiter outage must not block orders")
}

func TestCancelOrder_ExactRefund(t *testing.T) {
	env := newTestEnv(t)
	account := env.fund(t, 1000)
	env.provider.submit = func(context.Context, string) (*providerclient.SubmitResponse, error) {
		return nil, &providerclient.ErrorResponse{StatusCode: 503, Detail: "queue full"}
	}
	ctx := context.Background()

	first, _ := env.svc.CreateOrder(ctx, account.ID, CreateOrderRequest{ServiceID: testServiceID, Inputs: testInputs})
	second, _ := env.svc.CreateOrder(ctx, account.ID, CreateOrderRequest{ServiceID: testServiceID, Inputs: testInputs})
	require.NotNil(t, first)
	require.NotNil(t, second)
	env.assertBalances(t, account.ID, 400, 600)

	cancelled, err := env.svc.CancelOrder(ctx, account.ID, first.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCancelled, cancelled.Status)
	env.assertBalances(t, account.ID, 700, 300)
	assert.Equal(t, domain.OrderStatusPending, env.order(t, second.ID).Status)

	again, err := env.svc.CancelOrder(ctx, account.ID, first.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCancelled, again.Status)
	env.assertBalances(t, account.ID, 700, 300)

	assert.Equal(t, []domain.SettlementEventType{domain.EventOrderCancelled}, env.notifier.types())
}

func TestCancelOrder_ProcessingIsConflict(t *testing.T) {
	env := newTestEnv(t)
	account := env.fund(t, 1000)

	order, err := env.svc.CreateOrder(context.Background(), account.ID, CreateOrderRequest{ServiceID: testServiceID, Inputs: testInputs})
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusProcessing, order.Status)

	_, err = env.svc.CancelOrder(context.Background(), account.ID, order.ID)
	assert.ErrorIs(t, err, domain.ErrConflict)
	env.assertBalances(t, account.ID, 700, 300)
}

func TestCancelOrder_OtherAccountSeesNotFound(t *testing.T) {
	env := newTestEnv(t)
	owner := env.fund(t, 1000)
	other := env.fund(t, 1000)

	order, _ := env.svc.CreateOrder(context.Background(), owner.ID, CreateOrderRequest{ServiceID: testServiceID, Inputs: testInputs})
	require.NotNil(t, order)

	_, err := env.svc.CancelOrder(context.Background(), other.ID, order.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = env.svc.GetOrder(context.Background(), other.ID, order.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRetryDispatch(t *testing.T) {
	env := newTestEnv(t)
	account := env.fund(t, 1000)
	ctx := context.Background()

	env.provider.submit = func(context.Context, string) (*providerclient.SubmitResponse, error) {
		return nil, &providerclient.ErrorResponse{StatusCode: 400, Detail: "bad request"}
	}
	order, err := env.svc.CreateOrder(ctx, account.ID, CreateOrderRequest{ServiceID: testServiceID, Inputs: testInputs})
	require.ErrorIs(t, err, domain.ErrProvider)

	env.provider.submit = acceptWith("req-retry")
	retried, err := env.svc.RetryDispatch(ctx, account.ID, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusProcessing, retried.Status)
	env.assertBalances(t, account.ID, 700, 300)

	details, err := env.svc.GetOrder(ctx, account.ID, order.ID)
	require.NoError(t, err)
	require.Len(t, details.Jobs, 2)
	byStatus := map[domain.JobStatus]domain.JobRecord{}
	for _, job := range details.Jobs {
		byStatus[job.Status] = job
	}
	assert.Contains(t, byStatus, domain.JobStatusFailed)
	assert.Equal(t, "req-retry", byStatus[domain.JobStatusProcessing].ExternalRequestID)

	_, err = env.svc.RetryDispatch(ctx, account.ID, order.ID)
	assert.ErrorIs(t, err, domain.ErrConflict, "processing orders cannot be re-dispatched")
}

func TestRetryDispatch_InFlightIsConflict(t *testing.T) {
	env := newTestEnv(t)
	account := env.fund(t, 1000)
	env.provider.submit = func(context.Context, string) (*providerclient.SubmitResponse, error) {
		return nil, errors.New("connection reset by peer")
	}

	order, err := env.svc.CreateOrder(context.Background(), account.ID, CreateOrderRequest{ServiceID: testServiceID, Inputs: testInputs})
	require.ErrorIs(t, err, domain.ErrProvider)

	_, err = env.svc.RetryDispatch(context.Background(), account.ID, order.ID)
	assert.ErrorIs(t, err, domain.ErrConflict)
	assert.Equal(t, 1, env.provider.callCount())
}

func TestRetryDispatch_SeesJobInsertedBeforeOrderLock(t *testing.T) {
	env := newTestEnv(t)
	account := env.fund(t, 1000)
	env.provider.submit = func(context.Context, string) (*providerclient.SubmitResponse, error) {
		return nil, context.DeadlineExceeded
	}
	order, err := env.svc.CreateOrder(context.Background(), account.ID, CreateOrderRequest{ServiceID: testServiceID, Inputs: testInputs})
	require.ErrorIs(t, err, domain.ErrProvider)
	env.wrapTx(func(tx store.Tx) store.Tx { return &staleJobListTx{Tx: tx} })

	_, err = env.svc.RetryDispatch(context.Background(), account.ID, order.ID)
	assert.ErrorIs(t, err, domain.ErrConflict)
	assert.Len(t, env.jobs(t, order.ID), 1)
	assert.Equal(t, 1, env.provider.callCount())
}

func TestCancelOrder_FailsJobInsertedBeforeOrderLock(t *testing.T) {
	env := newTestEnv(t)
	account := env.fund(t, 1000)
	env.provider.submit = func(context.Context, string) (*providerclient.SubmitResponse, error) {
		return nil, context.DeadlineExceeded
	}
	order, err := env.svc.CreateOrder(context.Background(), account.ID, CreateOrderRequest{ServiceID: testServiceID, Inputs: testInputs})
	require.ErrorIs(t, err, domain.ErrProvider)
	env.wrapTx(func(tx store.Tx) store.Tx { return &staleJobListTx{Tx: tx} })

	cancelled, err := env.svc.CancelOrder(context.Background(), account.ID, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCancelled, cancelled.Status)

	jobs := env.jobs(t, order.ID)
	require.Len(t, jobs, 1)
	assert.Equal(t, domain.JobStatusFailed, jobs[0].Status)
	env.assertBalances(t, account.ID, 1000, 0)
}

func TestCallbackURL(t *testing.T) {
	env := newTestEnv(t)
	id := uuid.New()

	got, err := env.svc.callbackURL(id)
	require.NoError(t, err)
	assert.Equal(t, "https://api.example.com/webhooks/jobs?job="+id.String(), got)

	env.svc.settings.JobWebhookURL = "not a url"
	_, err = env.svc.callbackURL(id)
	assert.Error(t, err)
}
