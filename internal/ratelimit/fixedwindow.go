// Package ratelimit implements a per-(client IP, endpoint group) fixed-window
// request counter backed by Redis, using an atomic Lua script so the
// read-modify-write never races within one Redis call — concurrent windows
// across IPs are still only approximately accurate under load, which the
// spec accepts (abuse damping, not exact accounting).
package ratelimit

import (
	"context"
	"time"

	"github.com/nulpointcorp/trackproxy/internal/cache"
	"github.com/redis/go-redis/v9"
)

// fixedWindowScript increments the counter for KEYS[1] and reports whether
// the request is within limit. On the first request in a window it sets the
// window's expiry so the key self-cleans.
//
// KEYS[1] = Redis key
// ARGV[1] = window size in seconds
// ARGV[2] = limit (max requests per window)
// Returns: {count, ttl_remaining_seconds}
var fixedWindowScript = redis.NewScript(`
	local key    = KEYS[1]
	local window = tonumber(ARGV[1])
	local limit  = tonumber(ARGV[2])

	local count = redis.call('INCR', key)
	if count == 1 then
		redis.call('EXPIRE', key, window)
	end

	local ttl = redis.call('TTL', key)
	if ttl < 0 then
		redis.call('EXPIRE', key, window)
		ttl = window
	end

	return {count, ttl}
`)

// Result is the outcome of a rate-limit check.
type Result struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
	Limit     int
}

// Limiter checks a fixed-window request budget per (client IP, endpoint
// group) pair using Redis.
type Limiter struct {
	rdb    *redis.Client
	limit  int
	window time.Duration
}

// New creates a Limiter with the given limit and window. A limit ≤ 0 or a
// window ≤ 0 disables limiting — Check always allows and reports Limit: 0.
func New(rdb *redis.Client, limit int, window time.Duration) *Limiter {
	return &Limiter{rdb: rdb, limit: limit, window: window}
}

// Check reports whether the next request from (ip, group) is within the
// configured budget. On any Redis error it fails open (Allowed: true) —
// the spec treats the rate limiter as abuse damping, not a hard guarantee,
// so a transient edge-cache glitch must never turn into an outage.
func (l *Limiter) Check(ctx context.Context, ip, group string) Result {
	if l == nil || l.limit <= 0 || l.window <= 0 {
		return Result{Allowed: true}
	}

	key := cache.RateLimitKey(ip, group)
	windowSecs := int(l.window.Seconds())
	if windowSecs < 1 {
		windowSecs = 1
	}

	res, err := fixedWindowScript.Run(ctx, l.rdb, []string{key}, windowSecs, l.limit).Result()
	if err != nil {
		return Result{Allowed: true, Remaining: l.limit, Limit: l.limit, ResetAt: time.Now().Add(l.window)}
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return Result{Allowed: true, Remaining: l.limit, Limit: l.limit, ResetAt: time.Now().Add(l.window)}
	}

	count := toInt64(vals[0])
	ttl := toInt64(vals[1])

	remaining := l.limit - int(count)
	if remaining < 0 {
		remaining = 0
	}

	return Result{
		Allowed:   count <= int64(l.limit),
		Remaining: remaining,
		ResetAt:   time.Now().Add(time.Duration(ttl) * time.Second),
		Limit:     l.limit,
	}
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	default:
		return 0
	}
}

