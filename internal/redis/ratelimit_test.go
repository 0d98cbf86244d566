package redis

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"
)

func setupTestRateLimiter(t *testing.T, limit int, window time.Duration) (*RateLimiter, *time.Time) {
	t.Helper()
	client, _ := setupTestRedis(t)

	limiter := NewRateLimiter(client, zap.NewNop(), RateLimitConfig{
		Limit:  limit,
		Window: window,
	})
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return now }
	return limiter, &now
}

func TestRateLimiter_AllowsWithinLimit(t *testing.T) {
	limiter, _ := setupTestRateLimiter(t, 5, time.Minute)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		result, err := limiter.Allow(ctx, "device:abc")
		if err != nil {
			t.Fatalf("request %d failed: %v", i, err)
		}
		if !result.Allowed {
			t.Fatalf("request %d should be allowed", i)
		}
		if result.Remaining != 4-i {
			t.Errorf("request %d: expected remaining %d, got %d", i, 4-i, result.Remaining)
		}
	}
}

func TestRateLimiter_BlocksOverLimit(t *testing.T) {
	limiter, _ := setupTestRateLimiter(t, 3, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if result, _ := limiter.Allow(ctx, "device:abc"); !result.Allowed {
			t.Fatalf("request %d should be allowed", i)
		}
	}

	result, err := limiter.Allow(ctx, "device:abc")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Allowed {
		t.Fatal("request should be blocked")
	}
	if result.Remaining != 0 {
		t.Errorf("expected remaining 0, got %d", result.Remaining)
	}
}

func TestRateLimiter_WindowSlides(t *testing.T) {
	limiter, now := setupTestRateLimiter(t, 2, time.Minute)
	ctx := context.Background()

	limiter.Allow(ctx, "device:abc")
	*now = now.Add(30 * time.Second)
	limiter.Allow(ctx, "device:abc")

	if result, _ := limiter.Allow(ctx, "device:abc"); result.Allowed {
		t.Fatal("third request inside the window should be blocked")
	}

	*now = now.Add(31 * time.Second)
	result, err := limiter.Allow(ctx, "device:abc")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Allowed {
		t.Fatal("oldest entry left the window, request should be allowed")
	}
}

func TestRateLimiter_SeparateKeys(t *testing.T) {
	limiter, _ := setupTestRateLimiter(t, 2, time.Minute)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		limiter.Allow(ctx, "device:a")
	}

	result, _ := limiter.Allow(ctx, "device:b")
	if !result.Allowed {
		t.Fatal("device:b should be allowed")
	}
	if result.Remaining != 1 {
		t.Errorf("expected remaining 1, got %d", result.Remaining)
	}
}

func TestRateLimiter_AllowN(t *testing.T) {
	limiter, _ := setupTestRateLimiter(t, 10, time.Minute)
	ctx := context.Background()

	result, err := limiter.AllowN(ctx, "bulk", 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Allowed || result.Remaining != 5 {
		t.Fatalf("unexpected result: %+v", result)
	}

	result, _ = limiter.AllowN(ctx, "bulk", 6)
	if result.Allowed {
		t.Fatal("should be blocked")
	}
	result, _ = limiter.AllowN(ctx, "bulk", 5)
	if !result.Allowed || result.Remaining != 0 {
		t.Fatalf("rejected batch must not consume budget: %+v", result)
	}
}
