/**
 * @description
 * This is the main entry point for the settlement service. It loads
 * configuration, opens the store, connects the optional Redis and RabbitMQ
 * backends, builds the provider and gateway clients, and wires the application
 * service into the HTTP router, the notification workers and the cron
 * reconciliation jobs.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/redis/go-redis/v9: Order-creation rate limiting.
 * - github.com/joho/godotenv: .env loading for local development.
 * - internal/api, internal/app, internal/config, internal/store, internal/scheduler.
 * - pkg/providerclient, pkg/gatewayclient, pkg/rabbitmq.
 */

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/coduy96/taophim-sub000/internal/api"
	"github.com/coduy96/taophim-sub000/internal/app"
	"github.com/coduy96/taophim-sub000/internal/catalog"
	"github.com/coduy96/taophim-sub000/internal/config"
	"github.com/coduy96/taophim-sub000/internal/logger"
	"github.com/coduy96/taophim-sub000/internal/scheduler"
	"github.com/coduy96/taophim-sub000/internal/store"
	"github.com/coduy96/taophim-sub000/internal/webhook"
	"github.com/coduy96/taophim-sub000/pkg/gatewayclient"
	"github.com/coduy96/taophim-sub000/pkg/providerclient"
	"github.com/coduy96/taophim-sub000/pkg/rabbitmq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	bootstrap := logger.Must("info", "json")
	zap.ReplaceGlobals(bootstrap)

	// Load .env file for local development.
	if err := godotenv.Load(); err != nil {
		bootstrap.Info("no .env file found, using environment variables")
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		bootstrap.Fatal("cannot load config", zap.Error(err))
	}
	if err := cfg.Validate(); err != nil {
		bootstrap.Fatal("invalid configuration", zap.Error(err))
	}

	log, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		bootstrap.Fatal("cannot build logger", zap.Error(err))
	}
	defer log.Sync()
	zap.ReplaceGlobals(log)

	log.Info("starting settlement-service", zap.String("port", cfg.ServerPort), zap.String("store", cfg.StoreDriver))

	repository, closeStore := openStore(cfg, log)
	defer closeStore()

	var opts []app.Option
	if redisClient := openRedis(cfg, log); redisClient != nil {
		defer redisClient.Close()
		opts = append(opts, app.WithRateLimiter(app.NewRedisRateLimiter(redisClient, cfg.RedisRateLimitPrefix)))
	}

	// Initialize the RabbitMQ producer. Events are best effort, so a missing
	// broker degrades to the logging fallback.
	var publisher rabbitmq.Publisher = &rabbitmq.EventProducerFallback{Logger: log}
	if strings.TrimSpace(cfg.RabbitMQURL) != "" {
		producer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL, log)
		if err != nil {
			log.Warn("rabbitmq producer unavailable; using fallback", zap.Error(err))
		} else {
			publisher = producer
		}
	}
	defer publisher.Close()

	notifier := app.NewNotificationDispatcher(publisher, cfg.NotificationExchange, cfg.NotificationQueueSize, cfg.NotificationWorkers, log)
	notifier.Start()

	checksum := webhook.NewChecksum(cfg.PaymentGatewayChecksumKey)
	providerClient := providerclient.NewClient(cfg.JobProviderBaseURL, cfg.JobProviderAPIKey, log)
	gatewayClient := gatewayclient.NewClient(cfg.PaymentGatewayBaseURL, cfg.PaymentGatewayClientID, cfg.PaymentGatewayAPIKey, checksum, log)

	service := app.NewService(
		repository,
		catalog.DefaultRegistry(),
		providerClient,
		gatewayClient,
		notifier,
		app.Settings{
			ProviderName:            cfg.JobProviderName,
			JobWebhookURL:           cfg.JobWebhookURL,
			DispatchTimeout:         cfg.DispatchTimeout(),
			OrderRateLimitPerMinute: cfg.OrderCreateRateLimitPerMinute,
			XuFiatRate:              cfg.XuFiatRate,
			PaymentMinXu:            cfg.PaymentMinXu,
			PaymentMaxXu:            cfg.PaymentMaxXu,
			PaymentReturnURL:        cfg.PaymentReturnURL,
			PaymentCancelURL:        cfg.PaymentCancelURL,
			PaymentRequestTTL:       cfg.PaymentRequestTTL(),
			PaymentExpiryGrace:      cfg.PaymentExpiryGrace(),
			DispatchGrace:           cfg.DispatchGrace(),
			PendingOrderTTL:         cfg.PendingOrderTTL(),
		},
		log,
		opts...,
	)

	providerKeys := webhook.NewKeySetCache(cfg.JobProviderJWKSURL, cfg.KeySetFetchTimeout(), cfg.KeySetCacheTTL(), log)
	jobVerifier := webhook.NewEd25519Verifier(providerKeys, cfg.WebhookTolerance())

	if strings.TrimSpace(cfg.AuthJWKSURL) == "" {
		log.Fatal("auth jwks url must be configured", zap.String("env", "AUTH_JWKS_URL"))
	}
	authKeys := webhook.NewKeySetCache(cfg.AuthJWKSURL, cfg.KeySetFetchTimeout(), cfg.KeySetCacheTTL(), log)

	handlers := api.NewHandlers(service, jobVerifier, checksum, cfg.JobWebhookHeaderPrefix, log)
	router := api.NewRouter(handlers, api.RouterConfig{
		Auth:           api.AuthMiddleware(authKeys, cfg.AuthIssuer, cfg.AuthAudience, log),
		Internal:       api.InternalAPIKeyMiddleware(cfg.InternalAPIKey, log),
		AllowedOrigins: cfg.AllowedOrigins(),
	})

	cron := scheduler.NewScheduler(scheduler.NewJobs(service, log), log, cfg)
	cron.Start()

	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.ServerPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("could not listen", zap.String("addr", server.Addr), zap.Error(err))
		}
	}()

	// Wait for termination signal for graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down settlement-service")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error("server shutdown failed", zap.Error(err))
	}
	<-cron.Stop().Done()
	if err := notifier.Stop(ctx); err != nil {
		log.Warn("notification queue not drained before shutdown", zap.Error(err))
	}

	log.Info("settlement-service stopped")
}

// openStore returns the configured repository and its cleanup.
func openStore(cfg config.Config, log *zap.Logger) (store.Repository, func()) {
	if cfg.StoreDriver == config.StoreDriverMemory {
		log.Warn("using the in-memory store; data is lost on restart")
		return store.NewMemoryRepository(), func() {}
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatal("unable to parse database URL", zap.Error(err))
	}
	poolConfig.MaxConns = 50
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	dbpool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		log.Fatal("unable to connect to database", zap.Error(err))
	}
	if err := dbpool.Ping(ctx); err != nil {
		log.Fatal("database ping failed", zap.Error(err))
	}
	log.Info("database connected")

	if cfg.AutoMigrate {
		if err := store.Migrate(ctx, dbpool); err != nil {
			log.Fatal("database migration failed", zap.Error(err))
		}
		log.Info("database migrations applied")
	}

	return store.NewPostgresRepository(dbpool), dbpool.Close
}

// openRedis connects the rate limiter backend. Rate limiting is disabled when
// Redis is not configured or unreachable.
func openRedis(cfg config.Config, log *zap.Logger) *redis.Client {
	if cfg.OrderCreateRateLimitPerMinute <= 0 {
		return nil
	}
	if strings.TrimSpace(cfg.RedisURL) == "" {
		log.Warn("redis url missing; order rate limiting disabled", zap.String("env", "REDIS_URL"))
		return nil
	}

	redisOptions, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Warn("redis url parse failed; order rate limiting disabled", zap.Error(err))
		return nil
	}
	client := redis.NewClient(redisOptions)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		log.Warn("redis ping failed; order rate limiting disabled", zap.Error(err))
		client.Close()
		return nil
	}
	log.Info("redis connected")
	return client
}
