package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/storeseo/engine/internal/broker"
	"github.com/storeseo/engine/internal/config"
	"github.com/storeseo/engine/internal/engine"
	"github.com/storeseo/engine/internal/generator"
	"github.com/storeseo/engine/internal/lock"
	"github.com/storeseo/engine/internal/store/postgres"
	"github.com/storeseo/engine/internal/storeapi"
)

func main() {
	if err := run(); err != nil {
		slog.Error("worker exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	store, err := postgres.Connect(ctx, postgres.DBConfig{DSN: cfg.DBURL})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer store.Close()

	queueClient, err := redisClient(cfg.QueueURL)
	if err != nil {
		return fmt.Errorf("failed to connect to queue redis: %w", err)
	}
	defer queueClient.Close()

	kvClient, err := redisClient(cfg.KVURL)
	if err != nil {
		return fmt.Errorf("failed to connect to kv redis: %w", err)
	}
	defer kvClient.Close()

	completer, err := generator.NewAnthropicCompleter(cfg.Generator.APIKey, cfg.Generator.Model)
	if err != nil {
		return err
	}
	gen := generator.New(completer, generator.Config{
		MaxAttempts: cfg.Generator.MaxAttempts,
		Timeout:     cfg.Generator.Timeout,
		BackoffBase: cfg.Generator.BackoffBase,
	})

	provider := engine.NewClientProvider(store, http.DefaultClient, storeapi.Config{
		MaxAttempts:  cfg.StoreAPI.MaxAttempts,
		Timeout:      cfg.StoreAPI.Timeout,
		BackoffBase:  cfg.StoreAPI.BackoffBase,
		MinAvailable: cfg.StoreAPI.ThrottleMinAvailable,
		MaxWait:      cfg.StoreAPI.ThrottleMaxWait,
	})

	freeLoc, err := time.LoadLocation(cfg.FreeTier.TimeZone)
	if err != nil {
		return fmt.Errorf("invalid free-tier timezone: %w", err)
	}

	workerID := workerID()
	dispatcher := engine.NewDispatcher(
		store,
		lock.New(kvClient, cfg.TenantLockTTL),
		gen,
		provider,
		engine.Config{
			WorkerID:             workerID,
			LeaseTTL:             cfg.LeaseTTL,
			TenantLockRetryDelay: cfg.TenantLockRetryDelay,
			FreeMonthlyLimit:     cfg.FreeTier.MonthlyLimit,
			FreeLocation:         freeLoc,
		},
		logger,
	)

	queue := broker.New(queueClient)
	recovery := engine.NewRecovery(store, time.Minute, cfg.StuckAfter, logger)

	logger.InfoContext(ctx, "worker starting", "worker_id", workerID)

	errCh := make(chan error, 2)
	go func() { errCh <- queue.Consume(ctx, dispatcher.Handle) }()
	go func() { errCh <- recovery.Run(ctx) }()

	err = <-errCh
	stop()
	// Drain the second loop so both have observed the shutdown.
	<-errCh

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("worker shut down")
	return nil
}

func redisClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return redis.NewClient(opts), nil
}

// workerID identifies this process as a lock and lease owner.
func workerID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
}
