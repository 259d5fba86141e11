package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"geoattend/internal/config"
	"geoattend/internal/logging"
	"geoattend/internal/queue"
	"geoattend/internal/store"
	"geoattend/internal/tally"
)

// Worker consumes attendance.committed events and keeps the per-course
// daily tally.
func main() {
	cfg := config.Load()
	logger := logging.New(os.Stdout, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.QueueBackend == "memory" {
		logger.Error("the worker needs QUEUE_BACKEND=redis; an in-memory queue is only visible to the API process")
		os.Exit(1)
	}

	redisClient := store.NewRedis(cfg.RedisAddr)
	defer redisClient.Close()
	if !redisClient.Healthy(ctx) {
		logger.Warn("redis not reachable yet, consumer will keep retrying", "addr", cfg.RedisAddr)
	}

	q := queue.NewRedisQueue(redisClient.Client, queue.DefaultKey, logger)
	counts := tally.New(redisClient.Client)

	messages, err := q.Consume(ctx)
	if err != nil {
		logger.Error("queue consume init failed", "err", err)
		os.Exit(1)
	}

	logger.Info("worker started, waiting for messages")
	counts.Run(ctx, messages, logger)
	logger.Info("worker stopped")
}
