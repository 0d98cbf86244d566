package worker

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/pushline/internal/metrics"
	"github.com/lalithlochan/pushline/internal/queue"
)

// DispatcherConfig tunes the dispatcher poll loop.
type DispatcherConfig struct {
	PollInterval time.Duration
	BatchSize    int
	// PendingGrace is how long a due pending job may sit before the
	// dispatcher assumes nobody enqueued it.
	PendingGrace time.Duration
	// QueuedStaleAfter is how long a queued job may go untouched before its
	// queue message is presumed lost. It must exceed the longest retry delay.
	QueuedStaleAfter time.Duration
}

// Dispatcher periodically hands the queue any job that is due but not in
// it: scheduled jobs whose time has come, retries whose re-enqueue failed,
// and queued jobs whose message was lost.
type Dispatcher struct {
	repo     Repository
	producer queue.Producer
	config   DispatcherConfig
	logger   *zap.Logger
	now      func() time.Time
}

func NewDispatcher(repo Repository, producer queue.Producer, cfg DispatcherConfig, logger *zap.Logger) *Dispatcher {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 100
	}
	if cfg.PendingGrace == 0 {
		cfg.PendingGrace = 30 * time.Second
	}
	if cfg.QueuedStaleAfter == 0 {
		cfg.QueuedStaleAfter = 30 * time.Minute
	}

	return &Dispatcher{
		repo:     repo,
		producer: producer,
		config:   cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// Start polls until ctx is done.
func (d *Dispatcher) Start(ctx context.Context) error {
	ticker := time.NewTicker(d.config.PollInterval)
	defer ticker.Stop()

	d.logger.Info("dispatcher starting", zap.Duration("poll_interval", d.config.PollInterval))

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher stopping")
			return nil
		case <-ticker.C:
			if _, err := d.DispatchOnce(ctx); err != nil && ctx.Err() == nil {
				d.logger.Error("dispatch failed", zap.Error(err))
			}
		}
	}
}

// DispatchOnce enqueues one batch of due jobs and returns how many were handed over.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (int, error) {
	now := d.now()
	jobs, err := d.repo.ListDispatchable(ctx,
		now,
		now.Add(-d.config.PendingGrace),
		now.Add(-d.config.QueuedStaleAfter),
		d.config.BatchSize,
	)
	if err != nil {
		return 0, fmt.Errorf("list dispatchable: %w", err)
	}

	dispatched := 0
	for _, n := range jobs {
		if err := d.producer.Enqueue(ctx, queue.NewMessage(n)); err != nil {
			d.logger.Error("failed to enqueue notification",
				zap.String("notification_id", n.ID.String()),
				zap.Error(err),
			)
			continue
		}
		metrics.RecordEnqueued("dispatch")

		if _, err := d.repo.MarkQueued(ctx, n.ID); err != nil {
			d.logger.Warn("failed to mark notification queued",
				zap.String("notification_id", n.ID.String()),
				zap.Error(err),
			)
		}
		dispatched++
	}

	if dispatched > 0 {
		d.logger.Info("dispatched notifications", zap.Int("count", dispatched))
	}
	return dispatched, nil
}
