package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// IdempotencyTTL is how long a completed submission key is remembered.
	IdempotencyTTL = 24 * time.Hour

	// processingTTL bounds the reservation held while a submission runs.
	processingTTL = 5 * time.Minute

	processingMarker = "processing"
)

// ErrDuplicateRequest indicates the same idempotency key is still being processed.
var ErrDuplicateRequest = errors.New("duplicate request: idempotency key already exists")

// IdempotencyResult is what a repeated submission gets back.
type IdempotencyResult struct {
	NotificationIDs []string `json:"notification_ids"`
	CreatedAt       int64    `json:"created_at"`
}

// IdempotencyService deduplicates job submissions by caller-supplied key.
type IdempotencyService struct {
	client *Client
	logger *zap.Logger
	ttl    time.Duration
}

// NewIdempotencyService creates a new idempotency service. ttl <= 0 uses
// IdempotencyTTL.
func NewIdempotencyService(client *Client, logger *zap.Logger, ttl time.Duration) *IdempotencyService {
	if ttl <= 0 {
		ttl = IdempotencyTTL
	}
	return &IdempotencyService{
		client: client,
		logger: logger,
		ttl:    ttl,
	}
}

func (s *IdempotencyService) buildKey(key string) string {
	return "pushline:idempotency:" + key
}

// Check returns the stored result for key, (nil, nil) if the key is unknown,
// or ErrDuplicateRequest if the key is reserved by an in-flight submission.
func (s *IdempotencyService) Check(ctx context.Context, key string) (*IdempotencyResult, error) {
	val, err := s.client.rdb.Get(ctx, s.buildKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	if val == processingMarker {
		return nil, ErrDuplicateRequest
	}

	var result IdempotencyResult
	if err := json.Unmarshal([]byte(val), &result); err != nil {
		s.logger.Error("failed to unmarshal idempotency result", zap.Error(err))
		return nil, fmt.Errorf("invalid cached result: %w", err)
	}

	s.logger.Debug("idempotency cache hit",
		zap.Strings("notification_ids", result.NotificationIDs),
	)
	return &result, nil
}

// Store records the result of a completed submission.
func (s *IdempotencyService) Store(ctx context.Context, key string, result *IdempotencyResult) error {
	if result.CreatedAt == 0 {
		result.CreatedAt = time.Now().Unix()
	}

	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	if err := s.client.rdb.Set(ctx, s.buildKey(key), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

// Reserve claims key with SET NX. It reports false if the key already exists.
func (s *IdempotencyService) Reserve(ctx context.Context, key string) (bool, error) {
	set, err := s.client.rdb.SetNX(ctx, s.buildKey(key), processingMarker, processingTTL).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx failed: %w", err)
	}
	return set, nil
}

// Release drops a reservation so a failed submission can be retried.
func (s *IdempotencyService) Release(ctx context.Context, key string) error {
	if err := s.client.rdb.Del(ctx, s.buildKey(key)).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}

// CheckOrReserve returns the stored result for key if there is one, or
// reserves key and returns (nil, nil).
func (s *IdempotencyService) CheckOrReserve(ctx context.Context, key string) (*IdempotencyResult, error) {
	result, err := s.Check(ctx, key)
	if err != nil {
		return nil, err
	}
	if result != nil {
		return result, nil
	}

	reserved, err := s.Reserve(ctx, key)
	if err != nil {
		return nil, err
	}
	if !reserved {
		return nil, ErrDuplicateRequest
	}
	return nil, nil
}
