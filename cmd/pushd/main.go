package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lalithlochan/pushline/internal/api"
	"github.com/lalithlochan/pushline/internal/app"
	"github.com/lalithlochan/pushline/internal/config"
	"github.com/lalithlochan/pushline/internal/db"
	"github.com/lalithlochan/pushline/internal/observ"
	"github.com/lalithlochan/pushline/internal/redis"
	"github.com/lalithlochan/pushline/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel, "pushd")
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting pushline delivery daemon",
		zap.Int("port", cfg.Port),
		zap.String("queue_driver", cfg.QueueDriver),
		zap.String("gateway_driver", cfg.GatewayDriver),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	database, err := db.New(ctx, app.DBConfig(cfg), logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	repo := db.NewRepository(database, logger)

	checks := map[string]api.CheckFunc{"postgres": database.Health}

	var redisClient *redis.Client
	if cfg.QueueDriver == config.QueueDriverRedis {
		redisClient, err = redis.New(ctx, app.RedisConfig(cfg), logger)
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		defer redisClient.Close()
		checks["redis"] = redisClient.Health
	}

	q, err := app.OpenQueue(ctx, cfg, redisClient, logger)
	if err != nil {
		return fmt.Errorf("failed to open work queue: %w", err)
	}

	gw, breaker, err := app.OpenGateway(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create push gateway: %w", err)
	}

	engine := worker.NewEngine(repo, gw, app.RetryPolicy(cfg), logger)

	consumer := worker.NewConsumer(engine, q, q, repo, worker.ConsumerConfig{
		Concurrency:  cfg.ConsumerConcurrency,
		ErrorBackoff: cfg.ConsumerErrorBackoff,
	}, logger)

	dispatcher := worker.NewDispatcher(repo, q, worker.DispatcherConfig{
		PollInterval:     cfg.DispatchInterval,
		BatchSize:        cfg.DispatchBatchSize,
		PendingGrace:     cfg.DispatchPendingGrace,
		QueuedStaleAfter: cfg.DispatchQueuedStaleAfter,
	}, logger)

	reaper := worker.NewReaper(repo, worker.ReaperConfig{
		Threshold: cfg.ReaperThreshold,
		Schedule:  cfg.ReaperSchedule,
	}, logger)
	if q.Depth != nil {
		reaper.WithQueueDepth(q.Depth)
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      api.NewHandler(logger, checks, breaker).Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return consumer.Run(gctx) })
	g.Go(func() error { return dispatcher.Start(gctx) })
	g.Go(func() error { return reaper.Start(gctx) })
	if q.Scheduler != nil {
		g.Go(func() error { return q.Scheduler(gctx) })
	}

	g.Go(func() error {
		logger.Info("ops server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("ops server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		// Give outstanding requests 10 seconds to complete
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			_ = srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	logger.Info("pushline stopped gracefully")
	return nil
}
