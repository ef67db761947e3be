/**
 * @description
 * This file contains the core business logic for the settlement service. The
 * `Service` struct orchestrates every money movement: order creation with an
 * escrow freeze, job dispatch to the video provider, settlement of verified
 * provider and payment-gateway callbacks, and the reconciliation sweep.
 *
 * Key features:
 * - Every ledger mutation is composed with its triggering state change inside
 *   one `store.Repository.WithTx` call.
 * - Outbound calls happen strictly outside transactions.
 * - Notifications are enqueued only after a transaction has committed.
 *
 * @dependencies
 * - internal/store, internal/ledger, internal/catalog: persistence, money and pricing.
 * - pkg/providerclient, pkg/gatewayclient: outbound API types.
 * - go.uber.org/zap: Structured logging.
 */

package app

import (
	"context"
	"time"

	"github.com/coduy96/taophim-sub000/internal/catalog"
	"github.com/coduy96/taophim-sub000/internal/domain"
	"github.com/coduy96/taophim-sub000/internal/ledger"
	"github.com/coduy96/taophim-sub000/internal/store"
	"github.com/coduy96/taophim-sub000/pkg/gatewayclient"
	"github.com/coduy96/taophim-sub000/pkg/providerclient"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// JobProvider submits jobs to the video provider's queue.
type JobProvider interface {
	Submit(ctx context.Context, modelID string, payload interface{}, webhookURL string) (*providerclient.SubmitResponse, error)
}

// PaymentGateway creates hosted checkout links.
type PaymentGateway interface {
	CreatePaymentLink(ctx context.Context, req gatewayclient.PaymentLinkRequest) (*gatewayclient.PaymentLink, error)
}

// RateLimiter decides whether one more attempt by subject fits in window.
type RateLimiter interface {
	Allow(ctx context.Context, scope, subject string, limit int, window time.Duration) (RateLimitDecision, error)
}

// Notifier accepts settlement events. It must never block or fail the caller.
type Notifier interface {
	Notify(event domain.SettlementEvent)
}

// Settings are the tunables the service reads from configuration.
type Settings struct {
	ProviderName            string
	JobWebhookURL           string
	DispatchTimeout         time.Duration
	OrderRateLimitPerMinute int
	XuFiatRate              int64
	PaymentMinXu            int64
	PaymentMaxXu            int64
	PaymentReturnURL        string
	PaymentCancelURL        string
	PaymentRequestTTL       time.Duration
	PaymentExpiryGrace      time.Duration
	DispatchGrace           time.Duration
	PendingOrderTTL         time.Duration
}

func (s Settings) withDefaults() Settings {
	if s.ProviderName == "" {
		s.ProviderName = "fal"
	}
	if s.DispatchTimeout <= 0 {
		s.DispatchTimeout = 20 * time.Second
	}
	if s.XuFiatRate <= 0 {
		s.XuFiatRate = 1000
	}
	if s.PaymentMinXu <= 0 {
		s.PaymentMinXu = 10
	}
	if s.PaymentMaxXu < s.PaymentMinXu {
		s.PaymentMaxXu = 100000
	}
	if s.PaymentRequestTTL <= 0 {
		s.PaymentRequestTTL = 24 * time.Hour
	}
	if s.PaymentExpiryGrace <= 0 {
		s.PaymentExpiryGrace = 30 * time.Minute
	}
	if s.DispatchGrace <= 0 {
		s.DispatchGrace = 30 * time.Minute
	}
	if s.PendingOrderTTL <= 0 {
		s.PendingOrderTTL = 24 * time.Hour
	}
	return s
}

// Service provides the core business logic for orders, payments and settlement.
type Service struct {
	repo     store.Repository
	ledger   *ledger.WalletLedger
	orders   *OrderStateMachine
	catalog  *catalog.Registry
	provider JobProvider
	gateway  PaymentGateway
	limiter  RateLimiter
	notifier Notifier
	settings Settings
	logger   *zap.Logger
	now      func() time.Time
}

// Option customises a Service.
type Option func(*Service)

// WithRateLimiter enables order-creation throttling.
func WithRateLimiter(limiter RateLimiter) Option {
	return func(s *Service) { s.limiter = limiter }
}

// WithClock replaces the service's time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a new settlement service instance.
func NewService(
	repo store.Repository,
	registry *catalog.Registry,
	provider JobProvider,
	gateway PaymentGateway,
	notifier Notifier,
	settings Settings,
	logger *zap.Logger,
	opts ...Option,
) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if notifier == nil {
		notifier = discardNotifier{}
	}
	s := &Service{
		repo:     repo,
		ledger:   ledger.New(),
		orders:   NewOrderStateMachine(logger),
		catalog:  registry,
		provider: provider,
		gateway:  gateway,
		notifier: notifier,
		settings: settings.withDefaults(),
		logger:   logger.Named("service"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type discardNotifier struct{}

func (discardNotifier) Notify(domain.SettlementEvent) {}

// GetAccount returns the wallet of an auth subject, creating it on first use.
func (s *Service) GetAccount(ctx context.Context, userID string) (*domain.Account, error) {
	if userID == "" {
		return nil, domain.NewAuthError("account.get", "missing user")
	}
	account, err := s.repo.FindOrCreateAccountByUserID(ctx, userID)
	return account, classify("account.get", err)
}

// ListLedgerEntries returns the newest ledger entries of an account.
func (s *Service) ListLedgerEntries(ctx context.Context, accountID uuid.UUID, limit int) ([]domain.LedgerEntry, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	entries, err := s.repo.ListLedgerEntries(ctx, accountID, limit)
	return entries, classify("ledger.list", err)
}

// notifyAll enqueues events. Called only after the producing transaction committed.
func (s *Service) notifyAll(events []domain.SettlementEvent) {
	for _, event := range events {
		s.notifier.Notify(event)
	}
}

// classify wraps an unclassified failure as a persistence error. Errors that
// already carry a kind pass through unchanged.
func classify(op string, err error) error {
	if err == nil || domain.IsClassified(err) {
		return err
	}
	return domain.NewPersistenceError(op, err)
}
