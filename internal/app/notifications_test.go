package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/coduy96/taophim-sub000/internal/domain"
	"github.com/coduy96/taophim-sub000/pkg/rabbitmq"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingPublisher struct {
	rabbitmq.Publisher

	mu       sync.Mutex
	keys     []string
	failures int
	block    chan struct{}
}

func (p *recordingPublisher) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	if p.block != nil {
		<-p.block
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failures > 0 {
		p.failures--
		return errors.New("channel closed")
	}
	p.keys = append(p.keys, exchange+"/"+routingKey)
	return nil
}

func (p *recordingPublisher) published() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.keys...)
}

func testEvent(eventType domain.SettlementEventType) domain.SettlementEvent {
	return domain.SettlementEvent{Type: eventType, AccountID: uuid.New(), Amount: 300, Message: "ok", OccurredAt: time.Now()}
}

func TestNotificationDispatcher_PublishesAndDrains(t *testing.T) {
	pub := &recordingPublisher{}
	d := NewNotificationDispatcher(pub, "xu_events", 8, 2, zap.NewNop())
	d.Start()

	d.Notify(testEvent(domain.EventOrderCompleted))
	d.Notify(testEvent(domain.EventOrderCancelled))
	d.Notify(testEvent(domain.EventPaymentCredited))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, d.Stop(ctx))

	assert.ElementsMatch(t, []string{
		"xu_events/order.completed",
		"xu_events/order.cancelled",
		"xu_events/payment.credited",
	}, pub.published())
}

func TestNotificationDispatcher_FullQueueDropsWithoutBlocking(t *testing.T) {
	pub := &recordingPublisher{}
	d := NewNotificationDispatcher(pub, "", 1, 1, zap.NewNop())

	done := make(chan struct{})
	go func() {
		d.Notify(testEvent(domain.EventOrderCompleted))
		d.Notify(testEvent(domain.EventOrderCancelled))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Notify blocked on a full queue")
	}

	d.Start()
	require.NoError(t, d.Stop(context.Background()))
	assert.Equal(t, []string{"xu_events/order.completed"}, pub.published())
}

func TestNotificationDispatcher_RetriesPublish(t *testing.T) {
	pub := &recordingPublisher{failures: 2}
	d := NewNotificationDispatcher(pub, "xu_events", 4, 1, zap.NewNop())
	d.backoff = func(int) time.Duration { return 0 }
	d.Start()

	d.Notify(testEvent(domain.EventPaymentCredited))
	require.NoError(t, d.Stop(context.Background()))
	assert.Equal(t, []string{"xu_events/payment.credited"}, pub.published())
}

func TestNotificationDispatcher_NotifyAfterStopIsSafe(t *testing.T) {
	d := NewNotificationDispatcher(&recordingPublisher{}, "xu_events", 4, 1, zap.NewNop())
	d.Start()
	require.NoError(t, d.Stop(context.Background()))

	assert.NotPanics(t, func() { d.Notify(testEvent(domain.EventOrderCompleted)) })
	assert.NoError(t, d.Stop(context.Background()))
}

func TestNotificationDispatcher_StopHonoursDeadline(t *testing.T) {
	pub := &recordingPublisher{block: make(chan struct{})}
	d := NewNotificationDispatcher(pub, "xu_events", 4, 1, zap.NewNop())
	d.Start()
	d.Notify(testEvent(domain.EventOrderCompleted))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, d.Stop(ctx), context.DeadlineExceeded)
	close(pub.block)
}

func TestSettlementSurvivesStalledNotifications(t *testing.T) {
	// Workers are never started, so the queue stays full.
	dispatcher := NewNotificationDispatcher(&recordingPublisher{}, "xu_events", 1, 1, zap.NewNop())

	env := newTestEnv(t)
	env.svc.notifier = dispatcher
	account, _ := placeOrder(t, env, 1000, "req-stalled")

	dispatcher.Notify(testEvent(domain.EventPaymentCredited))

	outcome, err := env.svc.HandleJobResult(context.Background(), JobResult{
		RequestID: "req-stalled",
		Status:    JobResultOK,
		VideoURL:  "https://cdn.example.com/stalled.mp4",
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSettled, outcome)
	env.assertBalances(t, account.ID, 700, 0)
}
