package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/lalithlochan/pushline/internal/metrics"
)

// DefaultStuckThreshold is how long a job may stay in sending before the
// reaper fails it.
const DefaultStuckThreshold = 10 * time.Minute

// ReaperConfig configures the reaper.
type ReaperConfig struct {
	Threshold time.Duration
	// Schedule is a cron spec, e.g. "@every 1m".
	Schedule string
}

// QueueDepth is implemented by queue drivers that can count their messages.
type QueueDepth interface {
	Depth(ctx context.Context) (ready, processing, delayed int64, err error)
}

// Reaper fails jobs abandoned in sending by a crashed worker or a lost
// gateway response. A sweep is one bulk conditional update, so it is
// always safe to run and a second sweep right after the first is a no-op.
type Reaper struct {
	repo   Repository
	config ReaperConfig
	logger *zap.Logger
	now    func() time.Time
	depth  QueueDepth
}

func NewReaper(repo Repository, cfg ReaperConfig, logger *zap.Logger) *Reaper {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultStuckThreshold
	}
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 1m"
	}

	return &Reaper{
		repo:   repo,
		config: cfg,
		logger: logger,
		now:    time.Now,
	}
}

// WithQueueDepth makes each scheduled run also publish the queue depth.
func (r *Reaper) WithQueueDepth(d QueueDepth) *Reaper {
	r.depth = d
	return r
}

// Sweep fails every job that has been sending for longer than threshold and
// returns how many it touched. threshold <= 0 uses the configured threshold.
func (r *Reaper) Sweep(ctx context.Context, threshold time.Duration) (int64, error) {
	if threshold <= 0 {
		threshold = r.config.Threshold
	}
	cutoff := r.now().Add(-threshold)

	n, err := r.repo.FailStuck(ctx, cutoff, StuckReason)
	if err != nil {
		return 0, fmt.Errorf("sweep stuck notifications: %w", err)
	}

	metrics.RecordReaperSwept(n)
	if n > 0 {
		r.logger.Warn("reaped stuck notifications",
			zap.Int64("count", n),
			zap.Duration("threshold", threshold),
		)
	}
	return n, nil
}

// RefreshStatusGauge publishes current per-status job counts.
func (r *Reaper) RefreshStatusGauge(ctx context.Context) error {
	counts, err := r.repo.CountByStatus(ctx)
	if err != nil {
		return fmt.Errorf("count by status: %w", err)
	}
	for status, c := range counts {
		metrics.SetStatusCount(string(status), c)
	}
	return nil
}

// RefreshQueueGauge publishes the queue depth. It is a no-op when no
// QueueDepth was configured.
func (r *Reaper) RefreshQueueGauge(ctx context.Context) error {
	if r.depth == nil {
		return nil
	}
	ready, processing, delayed, err := r.depth.Depth(ctx)
	if err != nil {
		return fmt.Errorf("queue depth: %w", err)
	}
	metrics.SetQueueDepth("ready", ready)
	metrics.SetQueueDepth("processing", processing)
	metrics.SetQueueDepth("delayed", delayed)
	return nil
}

// Start runs a sweep and the gauge refreshes on the cron schedule until ctx is
// done. Overlapping runs are skipped.
func (r *Reaper) Start(ctx context.Context) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))

	_, err := c.AddFunc(r.config.Schedule, func() {
		if _, err := r.Sweep(ctx, 0); err != nil && ctx.Err() == nil {
			r.logger.Error("reaper sweep failed", zap.Error(err))
		}
		if err := r.RefreshStatusGauge(ctx); err != nil && ctx.Err() == nil {
			r.logger.Warn("failed to refresh status gauge", zap.Error(err))
		}
		if err := r.RefreshQueueGauge(ctx); err != nil && ctx.Err() == nil {
			r.logger.Warn("failed to refresh queue depth gauge", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("schedule reaper %q: %w", r.config.Schedule, err)
	}

	r.logger.Info("reaper starting",
		zap.String("schedule", r.config.Schedule),
		zap.Duration("threshold", r.config.Threshold),
	)
	c.Start()

	<-ctx.Done()
	<-c.Stop().Done()
	r.logger.Info("reaper stopped")
	return nil
}
