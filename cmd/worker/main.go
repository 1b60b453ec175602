package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"creative-engine/internal/config"
	"creative-engine/internal/logging"
	"creative-engine/internal/queue"
	"creative-engine/internal/ratelimit"
	"creative-engine/internal/render"
	"creative-engine/internal/storage"
	"creative-engine/internal/store"
	"creative-engine/internal/telemetry"
	"creative-engine/internal/template"
	workerproc "creative-engine/internal/worker"
)

func main() {
	cfg := config.Load()
	logger := logging.New(cfg.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect postgres")
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		logger.Fatal().Err(err).Msg("migrations")
	}

	q := queue.NewRedisQueue(cfg)
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	fetcher := render.NewFetcher(cfg.FetchTimeout, cfg.FetchMaxBytes)
	slots := render.NewSlots(cfg.RenderConcurrency)
	engine := render.NewEngine(fetcher, slots, logger)
	resolver := &template.Resolver{MissingValue: cfg.MissingValueText, Fetcher: fetcher, Logger: logger}
	renderer := render.NewRenderer(resolver, engine)

	uploader, err := storage.NewUploader(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("init uploader")
	}
	uploadLimiter := ratelimit.NewTokenBucket(redisClient, cfg.UploadRateBurst, cfg.UploadRatePerSec, time.Hour)
	publisher := storage.NewPublisher(uploader, uploadLimiter, cfg.UploadRetries, cfg.BackoffInitial, cfg.BackoffMax, logger)

	orch := workerproc.NewOrchestrator(cfg, st, st, renderer, publisher, logger)
	worker := workerproc.New(cfg, q, st, orch, logger)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Warn().Err(err).Msg("metrics server stopped")
		}
	}()

	logger.Info().
		Dur("visibility", cfg.VisibilityTimeout).
		Int("render_concurrency", cfg.RenderConcurrency).
		Msg("worker started")
	if err := worker.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error().Err(err).Msg("worker stopped")
	}
}
