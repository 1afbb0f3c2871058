package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	redisv9 "github.com/redis/go-redis/v9"
)

// slidingLogScript prunes, counts and records in one round trip so that concurrent instances share
// one limit per key.
var slidingLogScript = redisv9.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
if redis.call('ZCARD', key) >= limit then
	return 0
end
redis.call('ZADD', key, now, ARGV[4])
redis.call('PEXPIRE', key, window)
return 1
`)

// RedisSlidingWindow is the multi-instance variant of SlidingWindow backed by a sorted set per key.
type RedisSlidingWindow struct {
	client redisv9.Scripter
	prefix string
	limit  int
	window time.Duration
	now    func() time.Time
}

// NewRedisSlidingWindow keeps one sorted set per client under {prefix}ratelimit:{key}.
func NewRedisSlidingWindow(client redisv9.Scripter, prefix string, limit int, window time.Duration) *RedisSlidingWindow {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &RedisSlidingWindow{
		client: client,
		prefix: prefix + "ratelimit:",
		limit:  limit,
		window: window,
		now:    time.Now,
	}
}

func (w *RedisSlidingWindow) Admit(ctx context.Context, clientKey string) (bool, error) {
	now := w.now().UnixMilli()
	allowed, err := slidingLogScript.Run(
		ctx,
		w.client,
		[]string{w.prefix + clientKey},
		now,
		w.window.Milliseconds(),
		w.limit,
		fmt.Sprintf("%d-%s", now, uuid.NewString()),
	).Int()
	if err != nil {
		return false, fmt.Errorf("redis rate limit script failed: %w", err)
	}
	return allowed == 1, nil
}
