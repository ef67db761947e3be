/**
 * @description
 * This package handles the configuration management for the settlement service.
 * It uses Viper to read configuration from environment variables and an
 * optional .env file, applies defaults for every tunable, and normalises the
 * loaded values.
 *
 * @dependencies
 * - github.com/spf13/viper: Configuration loading.
 * - go.uber.org/zap: Warnings about coerced values go to the global logger.
 */

package config

import (
	"errors"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

// Config holds all the configuration variables for the settlement service.
type Config struct {
	ServerPort  string `mapstructure:"SERVER_PORT"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	StoreDriver string `mapstructure:"STORE_DRIVER"`
	AutoMigrate bool   `mapstructure:"AUTO_MIGRATE"`
	LogLevel    string `mapstructure:"LOG_LEVEL"`
	LogFormat   string `mapstructure:"LOG_FORMAT"`

	RedisURL                      string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix          string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	OrderCreateRateLimitPerMinute int    `mapstructure:"ORDER_CREATE_RATE_LIMIT_PER_MINUTE"`

	RabbitMQURL           string `mapstructure:"RABBITMQ_URL"`
	NotificationExchange  string `mapstructure:"NOTIFICATION_EXCHANGE"`
	NotificationQueueSize int    `mapstructure:"NOTIFICATION_QUEUE_SIZE"`
	NotificationWorkers   int    `mapstructure:"NOTIFICATION_WORKERS"`

	AuthJWKSURL        string `mapstructure:"AUTH_JWKS_URL"`
	AuthIssuer         string `mapstructure:"AUTH_ISSUER"`
	AuthAudience       string `mapstructure:"AUTH_AUDIENCE"`
	InternalAPIKey     string `mapstructure:"INTERNAL_API_KEY"`
	CORSAllowedOrigins string `mapstructure:"CORS_ALLOWED_ORIGINS"`

	JobProviderName           string `mapstructure:"JOB_PROVIDER_NAME"`
	JobProviderBaseURL        string `mapstructure:"JOB_PROVIDER_BASE_URL"`
	JobProviderAPIKey         string `mapstructure:"JOB_PROVIDER_API_KEY"`
	JobProviderJWKSURL        string `mapstructure:"JOB_PROVIDER_JWKS_URL"`
	JobWebhookHeaderPrefix    string `mapstructure:"JOB_WEBHOOK_HEADER_PREFIX"`
	JobWebhookURL             string `mapstructure:"JOB_WEBHOOK_URL"`
	JobDispatchTimeoutSeconds int    `mapstructure:"JOB_DISPATCH_TIMEOUT_SECONDS"`

	WebhookToleranceSeconds   int `mapstructure:"WEBHOOK_TOLERANCE_SECONDS"`
	KeySetCacheTTLMinutes     int `mapstructure:"KEYSET_CACHE_TTL_MINUTES"`
	KeySetFetchTimeoutSeconds int `mapstructure:"KEYSET_FETCH_TIMEOUT_SECONDS"`

	PaymentGatewayBaseURL     string `mapstructure:"PAYMENT_GATEWAY_BASE_URL"`
	PaymentGatewayClientID    string `mapstructure:"PAYMENT_GATEWAY_CLIENT_ID"`
	PaymentGatewayAPIKey      string `mapstructure:"PAYMENT_GATEWAY_API_KEY"`
	PaymentGatewayChecksumKey string `mapstructure:"PAYMENT_GATEWAY_CHECKSUM_KEY"`
	PaymentReturnURL          string `mapstructure:"PAYMENT_RETURN_URL"`
	PaymentCancelURL          string `mapstructure:"PAYMENT_CANCEL_URL"`
	XuFiatRate                int64  `mapstructure:"XU_FIAT_RATE"`
	PaymentMinXu              int64  `mapstructure:"PAYMENT_MIN_XU"`
	PaymentMaxXu              int64  `mapstructure:"PAYMENT_MAX_XU"`
	PaymentRequestTTLMinutes  int    `mapstructure:"PAYMENT_REQUEST_TTL_MINUTES"`
	PaymentExpiryGraceMinutes int    `mapstructure:"PAYMENT_EXPIRY_GRACE_MINUTES"`

	DispatchGraceMinutes   int    `mapstructure:"DISPATCH_GRACE_MINUTES"`
	PendingOrderTTLMinutes int    `mapstructure:"PENDING_ORDER_TTL_MINUTES"`
	ReconcileSchedule      string `mapstructure:"RECONCILE_SCHEDULE"`
	PaymentExpirySchedule  string `mapstructure:"PAYMENT_EXPIRY_SCHEDULE"`
	LedgerAuditSchedule    string `mapstructure:"LEDGER_AUDIT_SCHEDULE"`
}

// LoadConfig reads configuration from environment variables and an optional
// .env file in the given path.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("STORE_DRIVER", StoreDriverPostgres)
	viper.SetDefault("AUTO_MIGRATE", false)
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("LOG_FORMAT", "json")
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "xu:rate_limit")
	viper.SetDefault("ORDER_CREATE_RATE_LIMIT_PER_MINUTE", 10)
	viper.SetDefault("NOTIFICATION_EXCHANGE", "xu_events")
	viper.SetDefault("NOTIFICATION_QUEUE_SIZE", 256)
	viper.SetDefault("NOTIFICATION_WORKERS", 2)
	viper.SetDefault("JOB_PROVIDER_NAME", "fal")
	viper.SetDefault("JOB_PROVIDER_BASE_URL", "https://queue.fal.run")
	viper.SetDefault("JOB_PROVIDER_JWKS_URL", "https://rest.alpha.fal.ai/.well-known/jwks.json")
	viper.SetDefault("JOB_WEBHOOK_HEADER_PREFIX", "X-Fal-Webhook")
	viper.SetDefault("JOB_DISPATCH_TIMEOUT_SECONDS", 20)
	viper.SetDefault("WEBHOOK_TOLERANCE_SECONDS", 300)
	viper.SetDefault("KEYSET_CACHE_TTL_MINUTES", 60)
	viper.SetDefault("KEYSET_FETCH_TIMEOUT_SECONDS", 5)
	viper.SetDefault("PAYMENT_GATEWAY_BASE_URL", "https://api-merchant.payos.vn")
	viper.SetDefault("XU_FIAT_RATE", 1000)
	viper.SetDefault("PAYMENT_MIN_XU", 10)
	viper.SetDefault("PAYMENT_MAX_XU", 100000)
	viper.SetDefault("PAYMENT_REQUEST_TTL_MINUTES", 1440)
	viper.SetDefault("PAYMENT_EXPIRY_GRACE_MINUTES", 30)
	viper.SetDefault("DISPATCH_GRACE_MINUTES", 30)
	viper.SetDefault("PENDING_ORDER_TTL_MINUTES", 1440)
	viper.SetDefault("RECONCILE_SCHEDULE", "@every 5m")
	viper.SetDefault("PAYMENT_EXPIRY_SCHEDULE", "@every 15m")
	viper.SetDefault("LEDGER_AUDIT_SCHEDULE", "0 3 * * *")

	// Bind environment variables explicitly so they appear in Unmarshal.
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("STORE_DRIVER")
	_ = viper.BindEnv("AUTO_MIGRATE")
	_ = viper.BindEnv("LOG_LEVEL")
	_ = viper.BindEnv("LOG_FORMAT")
	_ = viper.BindEnv("REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("ORDER_CREATE_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("NOTIFICATION_EXCHANGE")
	_ = viper.BindEnv("NOTIFICATION_QUEUE_SIZE")
	_ = viper.BindEnv("NOTIFICATION_WORKERS")
	_ = viper.BindEnv("AUTH_JWKS_URL", "AUTH_JWKS_URL", "CLERK_JWKS_URL")
	_ = viper.BindEnv("AUTH_ISSUER")
	_ = viper.BindEnv("AUTH_AUDIENCE")
	_ = viper.BindEnv("INTERNAL_API_KEY")
	_ = viper.BindEnv("CORS_ALLOWED_ORIGINS")
	_ = viper.BindEnv("JOB_PROVIDER_NAME")
	_ = viper.BindEnv("JOB_PROVIDER_BASE_URL")
	_ = viper.BindEnv("JOB_PROVIDER_API_KEY", "JOB_PROVIDER_API_KEY", "FAL_KEY")
	_ = viper.BindEnv("JOB_PROVIDER_JWKS_URL")
	_ = viper.BindEnv("JOB_WEBHOOK_HEADER_PREFIX")
	_ = viper.BindEnv("JOB_WEBHOOK_URL")
	_ = viper.BindEnv("JOB_DISPATCH_TIMEOUT_SECONDS")
	_ = viper.BindEnv("WEBHOOK_TOLERANCE_SECONDS")
	_ = viper.BindEnv("KEYSET_CACHE_TTL_MINUTES")
	_ = viper.BindEnv("KEYSET_FETCH_TIMEOUT_SECONDS")
	_ = viper.BindEnv("PAYMENT_GATEWAY_BASE_URL")
	_ = viper.BindEnv("PAYMENT_GATEWAY_CLIENT_ID", "PAYMENT_GATEWAY_CLIENT_ID", "PAYOS_CLIENT_ID")
	_ = viper.BindEnv("PAYMENT_GATEWAY_API_KEY", "PAYMENT_GATEWAY_API_KEY", "PAYOS_API_KEY")
	_ = viper.BindEnv("PAYMENT_GATEWAY_CHECKSUM_KEY", "PAYMENT_GATEWAY_CHECKSUM_KEY", "PAYOS_CHECKSUM_KEY")
	_ = viper.BindEnv("PAYMENT_RETURN_URL")
	_ = viper.BindEnv("PAYMENT_CANCEL_URL")
	_ = viper.BindEnv("XU_FIAT_RATE")
	_ = viper.BindEnv("PAYMENT_MIN_XU")
	_ = viper.BindEnv("PAYMENT_MAX_XU")
	_ = viper.BindEnv("PAYMENT_REQUEST_TTL_MINUTES")
	_ = viper.BindEnv("PAYMENT_EXPIRY_GRACE_MINUTES")
	_ = viper.BindEnv("DISPATCH_GRACE_MINUTES")
	_ = viper.BindEnv("PENDING_ORDER_TTL_MINUTES")
	_ = viper.BindEnv("RECONCILE_SCHEDULE")
	_ = viper.BindEnv("PAYMENT_EXPIRY_SCHEDULE")
	_ = viper.BindEnv("LEDGER_AUDIT_SCHEDULE")

	// The .env file is optional.
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			zap.L().Warn("failed to read config file; using environment values", zap.Error(err))
		}
		err = nil
	}

	if err = viper.Unmarshal(&config); err != nil {
		return
	}

	config.normalize()
	return
}

func (c *Config) normalize() {
	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		c.ServerPort = port
	}
	c.ServerPort = strings.TrimSpace(c.ServerPort)
	if c.ServerPort == "" {
		c.ServerPort = "8080"
	}

	c.StoreDriver = strings.ToLower(strings.TrimSpace(c.StoreDriver))
	if c.StoreDriver != StoreDriverPostgres && c.StoreDriver != StoreDriverMemory {
		zap.L().Warn("unknown store driver; falling back to postgres", zap.String("store_driver", c.StoreDriver))
		c.StoreDriver = StoreDriverPostgres
	}
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	c.LogFormat = strings.ToLower(strings.TrimSpace(c.LogFormat))

	c.DatabaseURL = strings.TrimSpace(c.DatabaseURL)
	c.RedisURL = strings.TrimSpace(c.RedisURL)
	c.RabbitMQURL = strings.TrimSpace(c.RabbitMQURL)
	c.InternalAPIKey = strings.TrimSpace(c.InternalAPIKey)
	c.JobProviderAPIKey = strings.TrimSpace(c.JobProviderAPIKey)
	c.PaymentGatewayChecksumKey = strings.TrimSpace(c.PaymentGatewayChecksumKey)
	c.JobProviderBaseURL = strings.TrimRight(strings.TrimSpace(c.JobProviderBaseURL), "/")
	c.PaymentGatewayBaseURL = strings.TrimRight(strings.TrimSpace(c.PaymentGatewayBaseURL), "/")

	c.RedisRateLimitPrefix = strings.TrimSpace(c.RedisRateLimitPrefix)
	if c.RedisRateLimitPrefix == "" {
		c.RedisRateLimitPrefix = "xu:rate_limit"
	}
	c.NotificationExchange = strings.TrimSpace(c.NotificationExchange)
	if c.NotificationExchange == "" {
		c.NotificationExchange = "xu_events"
	}
	c.JobWebhookHeaderPrefix = strings.TrimSpace(c.JobWebhookHeaderPrefix)
	if c.JobWebhookHeaderPrefix == "" {
		c.JobWebhookHeaderPrefix = "X-Fal-Webhook"
	}
	c.JobProviderName = strings.TrimSpace(c.JobProviderName)
	if c.JobProviderName == "" {
		c.JobProviderName = "fal"
	}

	positive(&c.OrderCreateRateLimitPerMinute, 10, "ORDER_CREATE_RATE_LIMIT_PER_MINUTE")
	positive(&c.NotificationQueueSize, 256, "NOTIFICATION_QUEUE_SIZE")
	positive(&c.NotificationWorkers, 2, "NOTIFICATION_WORKERS")
	positive(&c.JobDispatchTimeoutSeconds, 20, "JOB_DISPATCH_TIMEOUT_SECONDS")
	positive(&c.WebhookToleranceSeconds, 300, "WEBHOOK_TOLERANCE_SECONDS")
	positive(&c.KeySetCacheTTLMinutes, 60, "KEYSET_CACHE_TTL_MINUTES")
	positive(&c.KeySetFetchTimeoutSeconds, 5, "KEYSET_FETCH_TIMEOUT_SECONDS")
	positive(&c.PaymentRequestTTLMinutes, 1440, "PAYMENT_REQUEST_TTL_MINUTES")
	positive(&c.PaymentExpiryGraceMinutes, 30, "PAYMENT_EXPIRY_GRACE_MINUTES")
	positive(&c.DispatchGraceMinutes, 30, "DISPATCH_GRACE_MINUTES")
	positive(&c.PendingOrderTTLMinutes, 1440, "PENDING_ORDER_TTL_MINUTES")

	if c.XuFiatRate <= 0 {
		zap.L().Warn("invalid XU_FIAT_RATE; using default", zap.Int64("value", c.XuFiatRate))
		c.XuFiatRate = 1000
	}
	if c.PaymentMinXu <= 0 {
		c.PaymentMinXu = 10
	}
	if c.PaymentMaxXu < c.PaymentMinXu {
		zap.L().Warn("PAYMENT_MAX_XU below PAYMENT_MIN_XU; raising to the minimum", zap.Int64("max_xu", c.PaymentMaxXu), zap.Int64("min_xu", c.PaymentMinXu))
		c.PaymentMaxXu = c.PaymentMinXu
	}
}

func positive(v *int, fallback int, key string) {
	if *v <= 0 {
		if *v < 0 {
			zap.L().Warn("negative value configured; using default", zap.String("key", key), zap.Int("value", *v))
		}
		*v = fallback
	}
}

// Validate reports configuration the service cannot start without.
func (c Config) Validate() error {
	var errs []error
	if c.StoreDriver == StoreDriverPostgres && c.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required when STORE_DRIVER=postgres"))
	}
	if c.PaymentGatewayChecksumKey == "" {
		errs = append(errs, errors.New("PAYMENT_GATEWAY_CHECKSUM_KEY is required to verify payment webhooks"))
	}
	if c.JobWebhookURL == "" {
		errs = append(errs, errors.New("JOB_WEBHOOK_URL is required to dispatch jobs"))
	}
	return errors.Join(errs...)
}

// AllowedOrigins returns the comma separated CORS origins as a list.
func (c Config) AllowedOrigins() []string {
	var out []string
	for _, origin := range strings.Split(c.CORSAllowedOrigins, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			out = append(out, origin)
		}
	}
	return out
}

func (c Config) DispatchTimeout() time.Duration {
	return time.Duration(c.JobDispatchTimeoutSeconds) * time.Second
}

func (c Config) WebhookTolerance() time.Duration {
	return time.Duration(c.WebhookToleranceSeconds) * time.Second
}

func (c Config) KeySetCacheTTL() time.Duration {
	return time.Duration(c.KeySetCacheTTLMinutes) * time.Minute
}

func (c Config) KeySetFetchTimeout() time.Duration {
	return time.Duration(c.KeySetFetchTimeoutSeconds) * time.Second
}

func (c Config) PaymentRequestTTL() time.Duration {
	return time.Duration(c.PaymentRequestTTLMinutes) * time.Minute
}

func (c Config) PaymentExpiryGrace() time.Duration {
	return time.Duration(c.PaymentExpiryGraceMinutes) * time.Minute
}

func (c Config) DispatchGrace() time.Duration {
	return time.Duration(c.DispatchGraceMinutes) * time.Minute
}

func (c Config) PendingOrderTTL() time.Duration {
	return time.Duration(c.PendingOrderTTLMinutes) * time.Minute
}
