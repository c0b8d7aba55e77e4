// Package ratelimit implements per-client request rate limiting using Redis
// sliding window counters with atomic Lua scripts.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// slidingWindowScript is an atomic Lua script that implements a sliding window
// rate limiter using a sorted set.
// KEYS[1] = Redis key
// ARGV[1] = current unix timestamp (nanoseconds as string)
// ARGV[2] = window size in nanoseconds
// ARGV[3] = limit (max requests per window)
// Returns: 1 if allowed, 0 if rate limited.
var slidingWindowScript = redis.NewScript(`
		local key    = KEYS[1]
		local now    = tonumber(ARGV[1])
		local window = tonumber(ARGV[2])
		local limit  = tonumber(ARGV[3])
		
		-- Remove expired entries.
		redis.call('ZREMRANGEBYSCORE', key, 0, now - window)
		
		local count = redis.call('ZCARD', key)
		if count >= limit then
			return 0
		end
		
		-- Add current request with a unique member (now + random suffix).
		local member = tostring(now) .. tostring(math.random(1, 1000000))
		redis.call('ZADD', key, now, member)
		redis.call('PEXPIRE', key, math.ceil(window / 1000000))  -- window is in ns; PEXPIRE wants ms
		return 1
`)

const keyPrefix = "ratelimit:chat:rpm:"

// RPMLimiter enforces a requests-per-minute limit per client key using a
// Redis sliding window.
type RPMLimiter struct {
	rdb      *redis.Client
	rpmLimit int
	window   time.Duration
	now      func() time.Time
}

// NewRPMLimiter creates a new RPMLimiter allowing rpmLimit requests per
// minute for each client key. rpmLimit must be > 0; values ≤ 0 will block
// every request.
func NewRPMLimiter(rdb *redis.Client, rpmLimit int) *RPMLimiter {
	return &RPMLimiter{rdb: rdb, rpmLimit: rpmLimit, window: time.Minute, now: time.Now}
}

// Allow reports whether the request from client is within the limit.
//
// When Redis is unavailable the request is allowed and the error is returned
// so the caller can record it.
func (r *RPMLimiter) Allow(ctx context.Context, client string) (bool, error) {
	if client == "" {
		client = "unknown"
	}
	return r.check(ctx, keyPrefix+client, r.rpmLimit)
}

func (r *RPMLimiter) check(ctx context.Context, key string, limit int) (bool, error) {
	now := r.now().UnixNano()

	result, err := slidingWindowScript.Run(ctx, r.rdb,
		[]string{key},
		now, r.window.Nanoseconds(), limit,
	).Int()
	if err != nil {
		return true, fmt.Errorf("ratelimit: %w", err)
	}

	return result == 1, nil
}
