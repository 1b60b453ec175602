package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"creative-engine/internal/api"
	"creative-engine/internal/config"
	"creative-engine/internal/logging"
	"creative-engine/internal/queue"
	"creative-engine/internal/ratelimit"
	"creative-engine/internal/render"
	"creative-engine/internal/storage"
	"creative-engine/internal/store"
	"creative-engine/internal/template"
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
	limiter := ratelimit.NewTokenBucket(redisClient, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	// The API renders synchronously for previews and single creatives, with
	// the same bounded canvas slots as a worker.
	fetcher := render.NewFetcher(cfg.FetchTimeout, cfg.FetchMaxBytes)
	engine := render.NewEngine(fetcher, render.NewSlots(cfg.RenderConcurrency), logger)
	resolver := &template.Resolver{MissingValue: cfg.MissingValueText, Fetcher: fetcher, Logger: logger}
	renderer := render.NewRenderer(resolver, engine)

	uploader, err := storage.NewUploader(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("init uploader")
	}
	uploadLimiter := ratelimit.NewTokenBucket(redisClient, cfg.UploadRateBurst, cfg.UploadRatePerSec, time.Hour)
	publisher := storage.NewPublisher(uploader, uploadLimiter, cfg.UploadRetries, cfg.BackoffInitial, cfg.BackoffMax, logger)

	server := api.New(cfg, st, q, limiter, renderer, publisher, logger)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	logger.Info().Str("port", cfg.HTTPPort).Msg("api listening")
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("listen")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
