package ratelimit_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/nulpointcorp/trackproxy/internal/ratelimit"
)

func newTestRedis(t *testing.T) (*redis.Client, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return client, func() {
		client.Close()
		mr.Close()
	}
}

func TestLimiter_AllowsUnderLimit(t *testing.T) {
	rdb, cleanup := newTestRedis(t)
	defer cleanup()

	const limit = 10
	limiter := ratelimit.New(rdb, limit, time.Minute)
	ctx := context.Background()

	for i := 0; i < limit; i++ {
		result := limiter.Check(ctx, "1.2.3.4", "script")
		if !result.Allowed {
			t.Fatalf("expected allowed=true at iteration %d", i)
		}
	}
}

func TestLimiter_BlocksOverLimit(t *testing.T) {
	rdb, cleanup := newTestRedis(t)
	defer cleanup()

	const limit = 3
	limiter := ratelimit.New(rdb, limit, time.Minute)
	ctx := context.Background()

	for i := 0; i < limit; i++ {
		if result := limiter.Check(ctx, "1.2.3.4", "script"); !result.Allowed {
			t.Fatalf("expected allowed=true at iteration %d", i)
		}
	}

	result := limiter.Check(ctx, "1.2.3.4", "script")
	if result.Allowed {
		t.Error("expected allowed=false after limit exceeded")
	}
	if result.Remaining != 0 {
		t.Errorf("remaining = %d, want 0", result.Remaining)
	}
}

func TestLimiter_IndependentPerIPAndGroup(t *testing.T) {
	rdb, cleanup := newTestRedis(t)
	defer cleanup()

	limiter := ratelimit.New(rdb, 1, time.Minute)
	ctx := context.Background()

	if !limiter.Check(ctx, "1.1.1.1", "script").Allowed {
		t.Fatal("first request for ip A should be allowed")
	}
	if limiter.Check(ctx, "1.1.1.1", "script").Allowed {
		t.Fatal("second request for the same (ip, group) should be blocked")
	}
	if !limiter.Check(ctx, "2.2.2.2", "script").Allowed {
		t.Error("a different ip should have its own independent budget")
	}
	if !limiter.Check(ctx, "1.1.1.1", "track").Allowed {
		t.Error("a different endpoint group should have its own independent budget")
	}
}

func TestLimiter_DegradesGracefullyWhenRedisDown(t *testing.T) {
	rdb, cleanup := newTestRedis(t)
	cleanup() // close Redis before any calls

	limiter := ratelimit.New(rdb, 5, time.Minute)
	ctx := context.Background()

	result := limiter.Check(ctx, "1.2.3.4", "script")
	if !result.Allowed {
		t.Error("expected allowed=true when Redis is unavailable (fail open)")
	}
}

func TestLimiter_DisabledWhenLimitIsZero(t *testing.T) {
	rdb, cleanup := newTestRedis(t)
	defer cleanup()

	limiter := ratelimit.New(rdb, 0, time.Minute)
	ctx := context.Background()

	for i := 0; i < 1000; i++ {
		if !limiter.Check(ctx, "1.2.3.4", "script").Allowed {
			t.Fatalf("rate limiting should be disabled when limit<=0, blocked at iteration %d", i)
		}
	}
}

func TestLimiter_NilLimiterAlwaysAllows(t *testing.T) {
	var limiter *ratelimit.Limiter
	result := limiter.Check(context.Background(), "1.2.3.4", "script")
	if !result.Allowed {
		t.Error("a nil limiter must always allow")
	}
}
