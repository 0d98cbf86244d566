package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lalithlochan/pushline/internal/db"
	"github.com/lalithlochan/pushline/internal/queue"
)

// QueueConfig configures the Redis work queue.
type QueueConfig struct {
	// Prefix namespaces every key, e.g. "pushline:queue".
	Prefix string
	// BlockTimeout bounds one blocking pop in Receive.
	BlockTimeout time.Duration
	// PromoteInterval is how often delayed messages are checked by RunScheduler.
	PromoteInterval time.Duration
}

// Queue is a reliable list-based work queue:
//
//	{prefix}:high, {prefix}:default       ready lists, high drained first
//	{prefix}:processing                   messages handed to a worker
//	{prefix}:delayed:high|default         ZSETs scored by visible-at (unix ms)
//
// Receive moves a message into the processing list atomically; Ack removes
// it from there, Nack moves it into a delayed set.
type Queue struct {
	rdb    *redis.Client
	logger *zap.Logger
	now    func() time.Time

	high, normal, processing   string
	delayedHigh, delayedNormal string

	block   time.Duration
	promote time.Duration
}

// NewQueue creates a Redis work queue on client.
func NewQueue(client *Client, cfg QueueConfig, logger *zap.Logger) *Queue {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "pushline:queue"
	}
	block := cfg.BlockTimeout
	if block <= 0 {
		block = time.Second
	}
	promote := cfg.PromoteInterval
	if promote <= 0 {
		promote = 500 * time.Millisecond
	}

	return &Queue{
		rdb:           client.rdb,
		logger:        logger,
		now:           time.Now,
		high:          prefix + ":high",
		normal:        prefix + ":default",
		processing:    prefix + ":processing",
		delayedHigh:   prefix + ":delayed:high",
		delayedNormal: prefix + ":delayed:default",
		block:         block,
		promote:       promote,
	}
}

func (q *Queue) readyList(p db.Priority) string {
	if p == db.PriorityHigh {
		return q.high
	}
	return q.normal
}

func (q *Queue) delayedSet(p db.Priority) string {
	if p == db.PriorityHigh {
		return q.delayedHigh
	}
	return q.delayedNormal
}

// Enqueue pushes m onto its priority list.
func (q *Queue) Enqueue(ctx context.Context, m queue.Message) error {
	body, err := queue.Encode(m)
	if err != nil {
		return err
	}
	if err := q.rdb.RPush(ctx, q.readyList(m.Priority), body).Err(); err != nil {
		return fmt.Errorf("redis enqueue failed: %w", err)
	}
	return nil
}

// EnqueueDelayed parks m in the delayed set until delay has passed.
func (q *Queue) EnqueueDelayed(ctx context.Context, m queue.Message, delay time.Duration) error {
	if delay <= 0 {
		return q.Enqueue(ctx, m)
	}

	body, err := queue.Encode(m)
	if err != nil {
		return err
	}

	err = q.rdb.ZAdd(ctx, q.delayedSet(m.Priority), redis.Z{
		Score:  float64(q.now().Add(delay).UnixMilli()),
		Member: body,
	}).Err()
	if err != nil {
		return fmt.Errorf("redis enqueue delayed failed: %w", err)
	}
	return nil
}

// Receive takes the next message, preferring the high priority list. It
// returns (nil, nil) if nothing arrives within BlockTimeout.
func (q *Queue) Receive(ctx context.Context) (*queue.Delivery, error) {
	raw, err := q.rdb.LMove(ctx, q.high, q.processing, "LEFT", "RIGHT").Result()
	if errors.Is(err, redis.Nil) {
		raw, err = q.rdb.BLMove(ctx, q.normal, q.processing, "LEFT", "RIGHT", q.block).Result()
	}
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis receive failed: %w", err)
	}

	m, err := queue.Decode(raw)
	if err != nil {
		q.logger.Error("dropping undecodable message", zap.Error(err))
		if lerr := q.rdb.LRem(ctx, q.processing, 1, raw).Err(); lerr != nil {
			q.logger.Warn("failed to drop undecodable message", zap.Error(lerr))
		}
		return nil, nil
	}

	return &queue.Delivery{Message: m, Receipt: raw}, nil
}

// Ack removes the message from the processing list.
func (q *Queue) Ack(ctx context.Context, d *queue.Delivery) error {
	if err := q.rdb.LRem(ctx, q.processing, 1, d.Receipt).Err(); err != nil {
		return fmt.Errorf("redis ack failed: %w", err)
	}
	return nil
}

// Nack moves the message from the processing list back to the delayed set.
func (q *Queue) Nack(ctx context.Context, d *queue.Delivery, delay time.Duration) error {
	pipe := q.rdb.TxPipeline()
	pipe.ZAdd(ctx, q.delayedSet(d.Priority), redis.Z{
		Score:  float64(q.now().Add(delay).UnixMilli()),
		Member: d.Receipt,
	})
	pipe.LRem(ctx, q.processing, 1, d.Receipt)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis nack failed: %w", err)
	}
	return nil
}

// promoteDue moves every member scored at or before now from a delayed set
// onto its ready list. Running it concurrently is safe: a member is removed
// and pushed inside one script.
var promoteDue = redis.NewScript(`
	local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
	for _, m in ipairs(due) do
		redis.call('ZREM', KEYS[1], m)
		redis.call('RPUSH', KEYS[2], m)
	end
	return #due
`)

// Promote moves due delayed messages onto the ready lists and returns how
// many moved.
func (q *Queue) Promote(ctx context.Context) (int64, error) {
	now := q.now().UnixMilli()
	var total int64
	for _, pair := range [][2]string{{q.delayedHigh, q.high}, {q.delayedNormal, q.normal}} {
		n, err := promoteDue.Run(ctx, q.rdb, pair[:], now).Int64()
		if err != nil {
			return total, fmt.Errorf("redis promote failed: %w", err)
		}
		total += n
	}
	return total, nil
}

// RunScheduler promotes delayed messages every PromoteInterval until ctx is done.
func (q *Queue) RunScheduler(ctx context.Context) error {
	ticker := time.NewTicker(q.promote)
	defer ticker.Stop()

	q.logger.Info("redis queue scheduler started", zap.Duration("interval", q.promote))

	for {
		select {
		case <-ctx.Done():
			q.logger.Info("redis queue scheduler stopped")
			return nil
		case <-ticker.C:
			n, err := q.Promote(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				q.logger.Warn("failed to promote delayed messages", zap.Error(err))
				continue
			}
			if n > 0 {
				q.logger.Debug("promoted delayed messages", zap.Int64("count", n))
			}
		}
	}
}

// Depth reports the number of ready, processing and delayed messages.
func (q *Queue) Depth(ctx context.Context) (ready, processing, delayed int64, err error) {
	pipe := q.rdb.Pipeline()
	hi := pipe.LLen(ctx, q.high)
	lo := pipe.LLen(ctx, q.normal)
	pr := pipe.LLen(ctx, q.processing)
	dh := pipe.ZCard(ctx, q.delayedHigh)
	dn := pipe.ZCard(ctx, q.delayedNormal)
	if _, err = pipe.Exec(ctx); err != nil {
		return 0, 0, 0, fmt.Errorf("redis depth failed: %w", err)
	}
	return hi.Val() + lo.Val(), pr.Val(), dh.Val() + dn.Val(), nil
}
