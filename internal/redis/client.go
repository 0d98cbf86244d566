// Package redis provides the Redis-backed work queue, submission
// idempotency and per-device rate limiting.
package redis

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type Config struct {
	Host     string
	Port     int
	Password string
	DB       int
	PoolSize int

	// ConnectAttempts bounds how many pings New makes before giving up.
	ConnectAttempts int
	ConnectBackoff  time.Duration
}

func (c Config) addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func (c Config) options() *redis.Options {
	poolSize := c.PoolSize
	if poolSize <= 0 {
		poolSize = 10
	}
	return &redis.Options{
		Addr:         c.addr(),
		Password:     c.Password,
		DB:           c.DB,
		PoolSize:     poolSize,
		MinIdleConns: 2,
		PoolTimeout:  4 * time.Second,
		DialTimeout:  5 * time.Second,
		// Blocking pops in the queue driver extend the per-call deadline.
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// Client is the shared connection used by the queue driver, the idempotency
// store and the rate limiter.
type Client struct {
	rdb    *redis.Client
	logger *zap.Logger
}

// New connects to Redis, retrying the initial ping so the daemon can start
// alongside its dependencies.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Client, error) {
	rdb := redis.NewClient(cfg.options())

	if err := pingWithRetry(ctx, rdb, cfg, logger); err != nil {
		_ = rdb.Close()
		return nil, err
	}

	logger.Info("redis connection established",
		zap.String("addr", cfg.addr()),
		zap.Int("db", cfg.DB),
	)
	return &Client{rdb: rdb, logger: logger}, nil
}

// NewFromRDB wraps an existing go-redis client.
func NewFromRDB(rdb *redis.Client, logger *zap.Logger) *Client {
	return &Client{rdb: rdb, logger: logger}
}

func pingWithRetry(ctx context.Context, rdb *redis.Client, cfg Config, logger *zap.Logger) error {
	attempts := max(cfg.ConnectAttempts, 1)
	backoff := cfg.ConnectBackoff
	if backoff <= 0 {
		backoff = time.Second
	}

	var err error
	for i := 1; i <= attempts; i++ {
		if err = rdb.Ping(ctx).Err(); err == nil {
			return nil
		}
		if i == attempts {
			break
		}
		logger.Warn("redis not ready, retrying",
			zap.Int("attempt", i),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return fmt.Errorf("ping redis: %w", ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return fmt.Errorf("ping redis after %d attempts: %w", attempts, err)
}

func (c *Client) Close() error {
	return c.rdb.Close()
}

// Health pings Redis. It is the readiness check for the ops endpoint and
// logs when the pool is exhausted, which shows up as slow pings first.
func (c *Client) Health(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	if s := c.rdb.PoolStats(); s.Timeouts > 0 && s.IdleConns == 0 {
		c.logger.Warn("redis pool saturated",
			zap.Uint32("total_conns", s.TotalConns),
			zap.Uint32("timeouts", s.Timeouts),
		)
	}
	return nil
}
