package app

import (
	"context"
	"sync"
	"time"

	"github.com/coduy96/taophim-sub000/internal/domain"
	"github.com/coduy96/taophim-sub000/internal/metrics"
	"github.com/coduy96/taophim-sub000/pkg/rabbitmq"
	"go.uber.org/zap"
)

const (
	defaultNotificationQueueSize = 256
	defaultNotificationWorkers   = 2
	defaultPublishTimeout        = 5 * time.Second
	defaultPublishAttempts       = 3
)

// NotificationDispatcher publishes settlement events from a bounded queue.
// Notify never blocks: when the queue is full or the dispatcher is stopped
// the event is dropped and counted.
type NotificationDispatcher struct {
	publisher      rabbitmq.Publisher
	exchange       string
	logger         *zap.Logger
	publishTimeout time.Duration
	attempts       int
	backoff        func(attempt int) time.Duration

	mu      sync.RWMutex
	queue   chan domain.SettlementEvent
	stopped bool
	wg      sync.WaitGroup
	workers int
}

func NewNotificationDispatcher(publisher rabbitmq.Publisher, exchange string, queueSize, workers int, logger *zap.Logger) *NotificationDispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if queueSize <= 0 {
		queueSize = defaultNotificationQueueSize
	}
	if workers <= 0 {
		workers = defaultNotificationWorkers
	}
	if exchange == "" {
		exchange = "xu_events"
	}
	return &NotificationDispatcher{
		publisher:      publisher,
		exchange:       exchange,
		logger:         logger.Named("notifications"),
		publishTimeout: defaultPublishTimeout,
		attempts:       defaultPublishAttempts,
		backoff:        publishBackoff,
		queue:          make(chan domain.SettlementEvent, queueSize),
		workers:        workers,
	}
}

// Start launches the publish workers.
func (d *NotificationDispatcher) Start() {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.run()
	}
}

// Notify enqueues event for publishing.
func (d *NotificationDispatcher) Notify(event domain.SettlementEvent) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.stopped {
		d.drop(event, "stopped")
		return
	}
	select {
	case d.queue <- event:
	default:
		d.drop(event, "queue_full")
	}
}

// Stop closes the queue and waits for the workers to drain it or for ctx to end.
func (d *NotificationDispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.stopped {
		d.stopped = true
		close(d.queue)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		d.logger.Warn("notification queue not drained before shutdown", zap.Int("pending", len(d.queue)))
		return ctx.Err()
	}
}

func (d *NotificationDispatcher) run() {
	defer d.wg.Done()
	for event := range d.queue {
		d.publish(event)
	}
}

func (d *NotificationDispatcher) publish(event domain.SettlementEvent) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("notification publish panicked", zap.Any("panic", r), zap.String("type", string(event.Type)))
		}
	}()

	var err error
	for attempt := 1; attempt <= d.attempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), d.publishTimeout)
		err = d.publisher.Publish(ctx, d.exchange, string(event.Type), event)
		cancel()
		if err == nil {
			return
		}
		if attempt < d.attempts {
			time.Sleep(d.backoff(attempt))
		}
	}

	d.logger.Error("failed to publish settlement event",
		zap.String("type", string(event.Type)),
		zap.String("account_id", event.AccountID.String()),
		zap.Error(err),
	)
	metrics.NotificationsDropped.WithLabelValues("publish_failed").Inc()
}

func (d *NotificationDispatcher) drop(event domain.SettlementEvent, reason string) {
	d.logger.Warn("settlement event dropped",
		zap.String("reason", reason),
		zap.String("type", string(event.Type)),
		zap.String("account_id", event.AccountID.String()),
	)
	metrics.NotificationsDropped.WithLabelValues(reason).Inc()
}

func publishBackoff(attempt int) time.Duration {
	delay := time.Duration(1<<minInt(attempt, 4)) * 100 * time.Millisecond
	if delay > 2*time.Second {
		return 2 * time.Second
	}
	return delay
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
