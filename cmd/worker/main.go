package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/marketplace-payments/internal/config"
	"github.com/noah-isme/marketplace-payments/internal/events"
	"github.com/noah-isme/marketplace-payments/internal/obs"
	"github.com/noah-isme/marketplace-payments/internal/queue"
)

// The worker redelivers domain events the broker rejected at emit time.
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	logger := obs.NewLogger(cfg.Obs.LogFormat, cfg.Obs.LogLevel).With().Str("component", "worker").Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.AMQPURL == "" {
		logger.Fatal().Msg("AMQP_URL is required to redeliver domain events")
	}
	redisClient := mustInitRedis(ctx, cfg, logger)
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Error().Err(err).Msg("close redis")
		}
	}()

	publisher, err := events.NewRabbitPublisher(cfg.AMQPURL, cfg.AMQPExchange)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect rabbitmq")
	}
	defer func() { _ = publisher.Close() }()

	worker := queue.Worker{
		R:                 redisClient,
		Kind:              events.PublishTaskKind,
		Concurrency:       cfg.PublishRetry.Concurrency,
		VisibilityTimeout: cfg.PublishRetry.Visibility,
		RetryBase:         cfg.PublishRetry.Base,
		RetryJitter:       0.2,
		Handler:           events.Redeliver(events.AMQPNotifier{Publisher: publisher}),
		Logger:            logger,
	}

	logger.Info().Str("kind", worker.Kind).Msg("worker starting")
	if err := worker.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("worker stopped with error")
		return
	}
	logger.Info().Msg("worker shutdown complete")
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
