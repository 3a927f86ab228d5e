package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/marketplace-payments/internal/app"
	"github.com/noah-isme/marketplace-payments/internal/checkout"
	"github.com/noah-isme/marketplace-payments/internal/config"
	"github.com/noah-isme/marketplace-payments/internal/db"
	"github.com/noah-isme/marketplace-payments/internal/events"
	"github.com/noah-isme/marketplace-payments/internal/health"
	"github.com/noah-isme/marketplace-payments/internal/ledger"
	"github.com/noah-isme/marketplace-payments/internal/obs"
	"github.com/noah-isme/marketplace-payments/internal/queue"
	"github.com/noah-isme/marketplace-payments/internal/repo"
	"github.com/noah-isme/marketplace-payments/internal/resilience"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	logger := obs.NewLogger(cfg.Obs.LogFormat, cfg.Obs.LogLevel).With().Str("env", cfg.AppEnv).Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := obs.InitTracer(ctx, obs.TracingConfig{
		Enabled:       cfg.Obs.EnableTracing,
		ServiceName:   "marketplace-payments",
		Endpoint:      cfg.Obs.OTLPEndpoint,
		SamplingRatio: cfg.Obs.SamplingRatio,
		Environment:   cfg.AppEnv,
	})
	if err != nil {
		logger.Error().Err(err).Msg("initialise tracing")
		shutdownTracer = func(context.Context) error { return nil }
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Error().Err(err).Msg("shutdown tracer")
		}
	}()

	if cfg.MigrateOnStart {
		if err := db.Migrate(cfg.DatabaseURL); err != nil {
			logger.Fatal().Err(err).Msg("apply migrations")
		}
	}
	pool, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect database")
	}
	defer pool.Close()

	redisClient := mustInitRedis(ctx, cfg, logger)
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Error().Err(err).Msg("close redis")
		}
	}()

	bus := &events.Bus{Store: repo.DomainEventRepo{DB: pool}}
	if cfg.AMQPURL != "" {
		publisher, err := events.NewRabbitPublisher(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			logger.Error().Err(err).Msg("connect rabbitmq, domain events will only be stored")
		} else {
			defer func() { _ = publisher.Close() }()
			bus.Notifiers = append(bus.Notifiers, events.RetryingNotifier{
				Next:        events.AMQPNotifier{Publisher: publisher},
				Queue:       queue.Enqueuer{R: redisClient, DedupTTL: cfg.IdempotencyTTL},
				MaxAttempts: cfg.PublishRetry.MaxAttempts,
				Logger:      logger,
			})
		}
	}

	var creator checkout.SessionCreator
	if cfg.StripeSecretKey != "" {
		var breakerMetrics *resilience.BreakerMetrics
		if cfg.Obs.EnablePrometheus {
			breakerMetrics = resilience.NewBreakerMetrics(cfg.Obs.MetricsNamespace, nil)
		}
		breaker := resilience.NewBreaker(resilience.BreakerConfig{
			Target:       "stripe",
			MinRequests:  10,
			FailureRatio: 0.5,
			OpenFor:      30 * time.Second,
			Logger:       logger,
			Metrics:      breakerMetrics,
		})
		creator = checkout.NewStripeCreator(cfg.StripeSecretKey, 15*time.Second, breaker)
	} else {
		logger.Warn().Msg("STRIPE_SECRET_KEY not set, checkout sessions are disabled")
	}
	if cfg.Webhook.Secret == "" && !cfg.Webhook.InsecureSkipVerify {
		logger.Warn().Msg("STRIPE_WEBHOOK_SECRET not set, webhook deliveries will be rejected")
	}

	handler, err := app.NewRouter(app.Dependencies{
		Config:          cfg,
		Logger:          logger,
		Redis:           redisClient,
		Ledger:          newLedger(cfg, pool, redisClient),
		Stores:          repo.StoreRepo{DB: pool},
		Orders:          repo.OrderRepo{DB: pool},
		Customers:       repo.CustomerRepo{DB: pool},
		Events:          bus,
		CheckoutCreator: creator,
		Health:          health.Deps{DB: pool, Redis: redisClient},
		Registerer:      prometheus.DefaultRegisterer,
		Gatherer:        prometheus.DefaultGatherer,
		Tracing:         cfg.Obs.EnableTracing,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("build router")
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).Str("ledger", cfg.LedgerBackend).Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			logger.Error().Err(err).Msg("server exited unexpectedly")
		}
	}

	health.SetReady(false)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown")
	}
	logger.Info().Msg("server stopped")
}

func newLedger(cfg *config.Config, pool *pgxpool.Pool, rdb *redis.Client) ledger.Store {
	switch cfg.LedgerBackend {
	case config.LedgerRedis:
		return ledger.Redis{Client: rdb, Prefix: "ledger:", Lease: cfg.Webhook.ClaimLease}
	case config.LedgerMemory:
		m := ledger.NewMemory()
		m.Lease = cfg.Webhook.ClaimLease
		return m
	default:
		return ledger.Postgres{DB: pool, Lease: cfg.Webhook.ClaimLease}
	}
}

func mustInitRedis(ctx context.Context, cfg *config.Config, logger zerolog.Logger) *redis.Client {
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse redis url")
	}
	redisClient := redis.NewClient(redisOpts)
	if err := redisotel.InstrumentTracing(redisClient); err != nil {
		logger.Error().Err(err).Msg("instrument redis tracing")
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		logger.Fatal().Err(err).Msg("ping redis")
	}
	return redisClient
}
