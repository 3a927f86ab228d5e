package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// Ledger backends accepted by LEDGER_BACKEND.
const (
	LedgerPostgres = "postgres"
	LedgerRedis    = "redis"
	LedgerMemory   = "memory"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	AppEnv             string
	Port               string
	DatabaseURL        string
	RedisURL           string
	CORSAllowedOrigins []string
	MigrateOnStart     bool

	// TrustProxyHeaders lets X-Forwarded-For and X-Real-IP replace the peer address. Only enable it behind a
	// proxy that overwrites those headers.
	TrustProxyHeaders bool

	StripeSecretKey string
	Webhook         WebhookConfig
	LedgerBackend   string
	Checkout        CheckoutConfig
	IdempotencyTTL  time.Duration

	AMQPURL      string
	AMQPExchange string
	PublishRetry PublishRetryConfig

	AdminJWTSecret   string
	AdminJWTIssuer   string
	AdminJWTAudience string

	Obs ObsConfig
}

// WebhookConfig controls verification and dispatch of inbound provider events.
type WebhookConfig struct {
	Secret             string
	InsecureSkipVerify bool
	Tolerance          time.Duration
	HandlerTimeout     time.Duration
	LedgerTimeout      time.Duration
	ClaimLease         time.Duration
	MaxBodyBytes       int64
	AuthFailureWindow  time.Duration
	AuthFailureMax     int
}

// CheckoutConfig carries the redirect targets and fee defaults used when opening checkout sessions.
type CheckoutConfig struct {
	ReturnURL           string
	SuccessURL          string
	CancelURL           string
	ApplicationFeeCents int64
	RateLimitPerMinute  int
}

// PublishRetryConfig tunes redelivery of domain events the broker rejected.
type PublishRetryConfig struct {
	MaxAttempts int
	Base        time.Duration
	Concurrency int
	Visibility  time.Duration
}

// ObsConfig groups logging, metrics and tracing switches.
type ObsConfig struct {
	LogFormat        string
	LogLevel         string
	MetricsNamespace string
	EnablePrometheus bool
	EnableTracing    bool
	OTLPEndpoint     string
	SamplingRatio    float64
}

// Load reads configuration from environment variables and optional .env files.
func Load() (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", func(s string) string { return s }), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := &Config{
		AppEnv:             valueOrDefault(k.String("APP_ENV"), "development"),
		Port:               valueOrDefault(k.String("PORT"), "8080"),
		DatabaseURL:        strings.TrimSpace(k.String("DATABASE_URL")),
		RedisURL:           strings.TrimSpace(k.String("REDIS_URL")),
		CORSAllowedOrigins: splitAndTrim(k.String("CORS_ALLOWED_ORIGINS")),
		MigrateOnStart:     parseBoolDefault(k.String("DB_MIGRATE_ON_START"), true),
		TrustProxyHeaders:  parseBool(k.String("TRUST_PROXY_HEADERS")),
		StripeSecretKey:    strings.TrimSpace(k.String("STRIPE_SECRET_KEY")),
		Webhook: WebhookConfig{
			Secret:             strings.TrimSpace(k.String("STRIPE_WEBHOOK_SECRET")),
			InsecureSkipVerify: parseBool(k.String("WEBHOOK_INSECURE_SKIP_VERIFY")),
			Tolerance:          parseDuration(k.String("WEBHOOK_TOLERANCE"), "5m"),
			HandlerTimeout:     parseDuration(k.String("WEBHOOK_HANDLER_TIMEOUT"), "10s"),
			LedgerTimeout:      parseDuration(k.String("WEBHOOK_LEDGER_TIMEOUT"), "3s"),
			ClaimLease:         parseDuration(k.String("WEBHOOK_CLAIM_LEASE"), "2m"),
			MaxBodyBytes:       parseInt64(k.String("WEBHOOK_MAX_BODY_BYTES"), 1<<20),
			AuthFailureWindow:  parseDuration(k.String("WEBHOOK_AUTH_FAILURE_WINDOW"), "1m"),
			AuthFailureMax:     int(parseInt64(k.String("WEBHOOK_AUTH_FAILURE_MAX"), 20)),
		},
		LedgerBackend: strings.ToLower(valueOrDefault(k.String("LEDGER_BACKEND"), LedgerPostgres)),
		Checkout: CheckoutConfig{
			ReturnURL:           valueOrDefault(k.String("CHECKOUT_RETURN_URL"), "http://localhost:3000/return"),
			SuccessURL:          valueOrDefault(k.String("CHECKOUT_SUCCESS_URL"), "http://localhost:3000/success"),
			CancelURL:           valueOrDefault(k.String("CHECKOUT_CANCEL_URL"), "http://localhost:3000/cancel"),
			ApplicationFeeCents: parseInt64(k.String("APPLICATION_FEE_CENTS_DEFAULT"), 0),
			RateLimitPerMinute:  int(parseInt64(k.String("CHECKOUT_RATE_LIMIT_PER_MINUTE"), 30)),
		},
		IdempotencyTTL:   parseDuration(k.String("IDEMPOTENCY_TTL"), "24h"),
		AMQPURL:          strings.TrimSpace(k.String("AMQP_URL")),
		AMQPExchange:     valueOrDefault(k.String("AMQP_EXCHANGE"), "marketplace.events"),
		PublishRetry: PublishRetryConfig{
			MaxAttempts: int(parseInt64(k.String("PUBLISH_RETRY_MAX_ATTEMPTS"), 8)),
			Base:        parseDuration(k.String("PUBLISH_RETRY_BASE"), "2s"),
			Concurrency: int(parseInt64(k.String("PUBLISH_RETRY_CONCURRENCY"), 2)),
			Visibility:  parseDuration(k.String("PUBLISH_RETRY_VISIBILITY"), "30s"),
		},
		AdminJWTSecret:   strings.TrimSpace(k.String("ADMIN_JWT_SECRET")),
		AdminJWTIssuer:   strings.TrimSpace(k.String("ADMIN_JWT_ISSUER")),
		AdminJWTAudience: strings.TrimSpace(k.String("ADMIN_JWT_AUDIENCE")),
		Obs: ObsConfig{
			LogFormat:        valueOrDefault(k.String("OBS_LOG_FORMAT"), "json"),
			LogLevel:         valueOrDefault(k.String("OBS_LOG_LEVEL"), "info"),
			MetricsNamespace: valueOrDefault(k.String("OBS_METRICS_NAMESPACE"), "marketplace"),
			EnablePrometheus: parseBoolDefault(k.String("OBS_ENABLE_PROMETHEUS"), true),
			EnableTracing:    parseBool(k.String("OBS_ENABLE_TRACING")),
			OTLPEndpoint:     strings.TrimSpace(k.String("OBS_OTLP_ENDPOINT")),
			SamplingRatio:    parseFloat(k.String("OBS_TRACING_SAMPLING_RATIO"), 1.0),
		},
	}

	switch cfg.LedgerBackend {
	case LedgerPostgres, LedgerRedis, LedgerMemory:
	default:
		return nil, fmt.Errorf("LEDGER_BACKEND %q is not supported", cfg.LedgerBackend)
	}
	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}
	if cfg.Webhook.InsecureSkipVerify && cfg.IsProduction() {
		return nil, errors.New("WEBHOOK_INSECURE_SKIP_VERIFY cannot be enabled when APP_ENV=production")
	}
	if cfg.PublishRetry.MaxAttempts <= 0 {
		return nil, errors.New("PUBLISH_RETRY_MAX_ATTEMPTS must be positive")
	}
	if cfg.Webhook.Tolerance <= 0 {
		return nil, errors.New("WEBHOOK_TOLERANCE must be positive")
	}
	if cfg.Webhook.HandlerTimeout+cfg.Webhook.LedgerTimeout >= cfg.Webhook.ClaimLease {
		return nil, fmt.Errorf("WEBHOOK_CLAIM_LEASE (%s) must exceed WEBHOOK_HANDLER_TIMEOUT + WEBHOOK_LEDGER_TIMEOUT (%s)",
			cfg.Webhook.ClaimLease, cfg.Webhook.HandlerTimeout+cfg.Webhook.LedgerTimeout)
	}

	return cfg, nil
}

// HTTPAddr returns the address the HTTP server should bind to.
func (c *Config) HTTPAddr() string {
	port := strings.TrimSpace(c.Port)
	if port == "" {
		port = "8080"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return ":" + port
}

// IsProduction reports whether the process runs with APP_ENV=production.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.AppEnv), "production")
}

func splitAndTrim(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func valueOrDefault(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

func parseDuration(value, fallback string) time.Duration {
	base := strings.TrimSpace(value)
	if base == "" {
		base = fallback
	}
	d, err := time.ParseDuration(base)
	if err != nil {
		d, _ = time.ParseDuration(fallback)
	}
	return d
}

func parseBool(value string) bool {
	return parseBoolDefault(value, false)
}

func parseBoolDefault(value string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "t", "true", "yes", "on":
		return true
	case "0", "f", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func parseInt64(value string, fallback int64) int64 {
	parsed, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func parseFloat(value string, fallback float64) float64 {
	parsed, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return parsed
}

// MustLoad behaves like Load but panics on error. Useful for tests and command entrypoints.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// LoadForTests allows tests to override environment variables without touching the real environment.
func LoadForTests(env map[string]string) (*Config, error) {
	original := make(map[string]string, len(env))
	for key := range env {
		original[key] = os.Getenv(key)
		if err := setEnvVar(key, env[key]); err != nil {
			return nil, err
		}
	}
	cfg, err := Load()
	restoreErr := restoreEnv(original)
	if err != nil {
		return nil, err
	}
	return cfg, restoreErr
}

func setEnvVar(key, value string) error {
	if value == "" {
		return os.Unsetenv(key)
	}
	return os.Setenv(key, value)
}

func restoreEnv(values map[string]string) error {
	var errs []string
	for key, value := range values {
		if err := setEnvVar(key, value); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("restore env: %s", strings.Join(errs, "; "))
	}
	return nil
}
