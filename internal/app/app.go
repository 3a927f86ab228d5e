// Package app assembles the HTTP surface from already constructed infrastructure.
package app

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/marketplace-payments/internal/audit"
	"github.com/noah-isme/marketplace-payments/internal/auth"
	"github.com/noah-isme/marketplace-payments/internal/checkout"
	"github.com/noah-isme/marketplace-payments/internal/common"
	"github.com/noah-isme/marketplace-payments/internal/config"
	"github.com/noah-isme/marketplace-payments/internal/events"
	"github.com/noah-isme/marketplace-payments/internal/health"
	"github.com/noah-isme/marketplace-payments/internal/ledger"
	"github.com/noah-isme/marketplace-payments/internal/lock"
	"github.com/noah-isme/marketplace-payments/internal/marketplace"
	"github.com/noah-isme/marketplace-payments/internal/obs"
	"github.com/noah-isme/marketplace-payments/internal/queue"
	"github.com/noah-isme/marketplace-payments/internal/ratelimit"
	"github.com/noah-isme/marketplace-payments/internal/security"
	"github.com/noah-isme/marketplace-payments/internal/webhook"
)

// Dependencies enumerates the shared infrastructure the router is built from.
type Dependencies struct {
	Config *config.Config
	Logger zerolog.Logger
	Redis  *redis.Client
	Ledger ledger.Store

	Stores    marketplace.StoreRepository
	Orders    marketplace.OrderRepository
	Customers marketplace.CustomerRepository
	Events    marketplace.Emitter

	// CheckoutCreator is nil when no provider secret key is configured.
	CheckoutCreator checkout.SessionCreator
	Health          health.Checker

	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer
	Tracing    bool
}

// NewRouter wires every public and operator route.
func NewRouter(d Dependencies) (http.Handler, error) {
	cfg := d.Config
	if cfg == nil {
		return nil, fmt.Errorf("app: config is required")
	}
	if d.Redis == nil {
		return nil, fmt.Errorf("app: redis client is required")
	}
	if d.Ledger == nil {
		return nil, fmt.Errorf("app: ledger is required")
	}
	ns := cfg.Obs.MetricsNamespace

	var (
		httpMetrics     *obs.HTTPMetrics
		webhookMetrics  *obs.WebhookMetrics
		checkoutMetrics *obs.CheckoutMetrics
		queueMetrics    *queue.Metrics
	)
	if cfg.Obs.EnablePrometheus {
		httpMetrics = obs.NewHTTPMetrics(ns, nil, d.Registerer)
		webhookMetrics = obs.NewWebhookMetrics(ns, d.Registerer)
		checkoutMetrics = obs.NewCheckoutMetrics(ns, d.Registerer)
		queueMetrics = queue.NewMetrics(ns, d.Registerer)
	}

	handlers := marketplace.Handlers{
		Stores:    d.Stores,
		Orders:    d.Orders,
		Customers: d.Customers,
		Events:    d.Events,
		Locks:     lock.Locker{R: d.Redis, Prefix: "lock:store:"},
		Logger:    d.Logger.With().Str("component", "marketplace").Logger(),
	}
	router := webhook.NewRouter()
	handlers.Register(router)

	processor := &webhook.Processor{
		Ledger:         d.Ledger,
		Router:         router,
		HandlerTimeout: cfg.Webhook.HandlerTimeout,
		LedgerTimeout:  cfg.Webhook.LedgerTimeout,
		Metrics:        webhookMetrics,
		Logger:         d.Logger,
	}
	webhookHandler := &webhook.Handler{
		Verifier: webhook.Verifier{
			Secret:    cfg.Webhook.Secret,
			Tolerance: cfg.Webhook.Tolerance,
			Insecure:  cfg.Webhook.InsecureSkipVerify,
		},
		Processor: processor,
		Guard: ratelimit.FailureGuard{
			Limiter: ratelimit.Limiter{Client: d.Redis, Prefix: "webhook:authfail:"},
			Window:  cfg.Webhook.AuthFailureWindow,
			Max:     cfg.Webhook.AuthFailureMax,
		},
		Metrics: webhookMetrics,
		Logger:  d.Logger,
	}
	bodyLimit := security.BodyLimit{Max: cfg.Webhook.MaxBodyBytes}

	checkoutHandler := &checkout.Handler{Svc: &checkout.Service{
		Creator:               d.CheckoutCreator,
		ReturnURL:             cfg.Checkout.ReturnURL,
		SuccessURL:            cfg.Checkout.SuccessURL,
		CancelURL:             cfg.Checkout.CancelURL,
		DefaultApplicationFee: cfg.Checkout.ApplicationFeeCents,
		Validate:              checkout.NewValidator(),
		Metrics:               checkoutMetrics,
		Logger:                d.Logger,
	}}
	idem := common.Idem{R: d.Redis, TTL: cfg.IdempotencyTTL, Prefix: "idem:checkout:"}
	checkoutMiddleware := []func(http.Handler) http.Handler{idem.Middleware}
	if cfg.Checkout.RateLimitPerMinute > 0 {
		perIP, err := ratelimit.PerIP(d.Redis, "ratelimit:checkout", strconv.Itoa(cfg.Checkout.RateLimitPerMinute)+"-M")
		if err != nil {
			return nil, err
		}
		checkoutMiddleware = append([]func(http.Handler) http.Handler{perIP}, checkoutMiddleware...)
	}

	var tokens *auth.Tokens
	if cfg.AdminJWTSecret != "" {
		t, err := auth.NewTokens(cfg.AdminJWTSecret, cfg.AdminJWTIssuer, cfg.AdminJWTAudience)
		if err != nil {
			return nil, err
		}
		tokens = t
	}
	adminAuth := auth.Middleware{Tokens: tokens}
	access := audit.AccessRecorder{Logger: d.Logger.With().Str("component", "admin").Logger()}
	auditHandler := audit.Handler{Ledger: d.Ledger}
	dlqHandler := queue.AdminHandler{
		DLQ:   queue.DLQ{R: d.Redis, Metrics: queueMetrics},
		Kinds: []string{events.PublishTaskKind},
	}
	healthHandler := health.Handler{Checker: d.Health, DBTimeout: 500 * time.Millisecond, RedisTimeout: 300 * time.Millisecond}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	if cfg.TrustProxyHeaders {
		r.Use(middleware.RealIP)
	}
	r.Use(middleware.Recoverer)
	if d.Tracing {
		r.Use(obs.TracingMiddleware)
	}
	if httpMetrics != nil {
		r.Use(obs.HTTPObs{Metrics: httpMetrics}.Middleware)
	}
	r.Use(obs.RequestLogger{Logger: d.Logger}.Middleware)
	r.Use(security.Headers{Enable: true, EnableHSTS: cfg.IsProduction(), HSTSMaxAge: 31536000}.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins(cfg),
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
		MaxAge:         300,
	}))

	if cfg.Obs.EnablePrometheus {
		gatherer := d.Gatherer
		if gatherer == nil {
			gatherer = prometheus.DefaultGatherer
		}
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	r.Get("/health", healthHandler.Live)
	r.Get("/health/ready", healthHandler.Ready)

	r.With(bodyLimit.Middleware).Post("/webhooks/events", webhookHandler.ServeHTTP)
	r.With(bodyLimit.Middleware).Post("/webhooks/stripe", webhookHandler.ServeHTTP)

	r.With(checkoutMiddleware...).Post("/checkout-sessions", checkoutHandler.Create)
	r.With(checkoutMiddleware...).Post("/create-checkout-session", checkoutHandler.Create)

	r.Route("/admin", func(admin chi.Router) {
		admin.Use(ratelimit.Handler{
			Limiter: ratelimit.Limiter{Client: d.Redis, Prefix: "ratelimit:admin:"},
			Config:  ratelimit.Config{Key: ratelimit.ByClientIP(""), Window: time.Minute, Max: 120},
			OnError: func(err error) { d.Logger.Warn().Err(err).Msg("admin rate limit store") },
		}.Middleware)
		admin.Use(adminAuth.RequireAdmin)
		admin.With(access.Middleware("webhook_events.list")).Get("/webhook-events", auditHandler.List)
		admin.With(access.Middleware("webhook_events.get")).Get("/webhook-events/{eventID}", auditHandler.Get)
		admin.With(access.Middleware("queue_dlq.list")).Get("/queues/{kind}/dlq", dlqHandler.List)
		admin.With(access.Middleware("queue_dlq.replay")).Post("/queues/{kind}/dlq/replay", dlqHandler.Replay)
	})
	return r, nil
}

func allowedOrigins(cfg *config.Config) []string {
	if len(cfg.CORSAllowedOrigins) == 0 {
		return []string{"*"}
	}
	return cfg.CORSAllowedOrigins
}
