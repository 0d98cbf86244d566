package worker

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lalithlochan/pushline/internal/metrics"
	"github.com/lalithlochan/pushline/internal/queue"
)

// Deliverer is the engine entry point the consumer drives.
type Deliverer interface {
	Deliver(ctx context.Context, id uuid.UUID) (Outcome, error)
}

// ConsumerConfig tunes the queue consumer.
type ConsumerConfig struct {
	// Concurrency is the number of parallel receive loops.
	Concurrency int
	// ErrorBackoff is how long a message waits before redelivery when the
	// store is unavailable, and how long a loop pauses after a receive error.
	ErrorBackoff time.Duration
}

// Consumer feeds queue deliveries to the engine and settles each message
// according to the outcome. It owns the translation of RetryNeeded into a
// delayed re-enqueue.
type Consumer struct {
	engine   Deliverer
	producer queue.Producer
	receiver queue.Receiver
	repo     Repository
	config   ConsumerConfig
	logger   *zap.Logger
}

func NewConsumer(
	engine Deliverer,
	producer queue.Producer,
	receiver queue.Receiver,
	repo Repository,
	cfg ConsumerConfig,
	logger *zap.Logger,
) *Consumer {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = 5 * time.Second
	}

	return &Consumer{
		engine:   engine,
		producer: producer,
		receiver: receiver,
		repo:     repo,
		config:   cfg,
		logger:   logger,
	}
}

// Run starts Concurrency receive loops and blocks until ctx is done.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("consumer starting", zap.Int("concurrency", c.config.Concurrency))

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < c.config.Concurrency; i++ {
		g.Go(func() error {
			c.loop(gctx)
			return nil
		})
	}
	err := g.Wait()

	c.logger.Info("consumer stopped")
	return err
}

func (c *Consumer) loop(ctx context.Context) {
	for ctx.Err() == nil {
		d, err := c.receiver.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Error("failed to receive message", zap.Error(err))
			sleep(ctx, c.config.ErrorBackoff)
			continue
		}
		if d == nil {
			continue
		}

		// A handled message is settled even when shutdown starts mid-way.
		_ = c.Handle(context.WithoutCancel(ctx), d)
	}
}

// Handle delivers one message and settles it. The returned error is
// informational; the message has already been acked or nacked.
func (c *Consumer) Handle(ctx context.Context, d *queue.Delivery) error {
	metrics.IncInFlight()
	defer metrics.DecInFlight()

	log := c.logger.With(zap.String("notification_id", d.NotificationID.String()))

	out, err := c.engine.Deliver(ctx, d.NotificationID)
	if err != nil {
		log.Error("delivery failed, message will be redelivered", zap.Error(err))
		c.nack(ctx, d, c.config.ErrorBackoff)
		return err
	}
	metrics.RecordOutcome(out.Kind())

	if r, ok := out.(RetryNeeded); ok {
		if err := c.requeue(ctx, d, r.Delay); err != nil {
			log.Error("failed to re-enqueue retry", zap.Error(err))
			c.nack(ctx, d, r.Delay)
			return err
		}
	}

	if err := c.receiver.Ack(ctx, d); err != nil {
		log.Warn("failed to ack message", zap.Error(err))
		return err
	}
	return nil
}

func (c *Consumer) requeue(ctx context.Context, d *queue.Delivery, delay time.Duration) error {
	m := d.Message
	m.Attempt++
	m.EnqueuedAt = time.Now().UnixNano()

	if err := Reschedule(ctx, c.producer, c.repo, m, delay, c.logger); err != nil {
		return err
	}
	c.logger.Debug("retry scheduled",
		zap.String("notification_id", d.NotificationID.String()),
		zap.Duration("delay", delay),
	)
	return nil
}

// Reschedule puts m back on the queue after delay and marks the job queued.
// Only the enqueue can fail the call: a job left pending costs at most a
// duplicate enqueue by the dispatcher.
func Reschedule(ctx context.Context, producer queue.Producer, repo Repository, m queue.Message, delay time.Duration, logger *zap.Logger) error {
	if err := producer.EnqueueDelayed(ctx, m, delay); err != nil {
		return err
	}
	metrics.RecordEnqueued("retry")

	if _, err := repo.MarkQueued(ctx, m.NotificationID); err != nil {
		logger.Warn("failed to mark notification queued",
			zap.String("notification_id", m.NotificationID.String()),
			zap.Error(err),
		)
	}
	return nil
}

func (c *Consumer) nack(ctx context.Context, d *queue.Delivery, delay time.Duration) {
	if err := c.receiver.Nack(ctx, d, delay); err != nil {
		c.logger.Warn("failed to nack message",
			zap.String("notification_id", d.NotificationID.String()),
			zap.Error(err),
		)
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
