package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// SlidingWindow implements a distributed sliding-window admission filter
// using Redis. Each caller gets a sorted set of request timestamps; a request
// is admitted when fewer than limit requests fall inside the window.
type SlidingWindow struct {
	client *redis.Client
	limit  int
	window time.Duration
}

// NewSlidingWindow constructs a limiter admitting limit requests per window.
func NewSlidingWindow(client *redis.Client, limit int, window time.Duration) *SlidingWindow {
	return &SlidingWindow{
		client: client,
		limit:  limit,
		window: window,
	}
}

// Allow records a request for key if admitted. Returns the admitted flag and
// the number of requests currently inside the window.
func (w *SlidingWindow) Allow(ctx context.Context, key string) (bool, int64, error) {
	now := time.Now().UnixMilli()
	res, err := windowScript.Run(ctx, w.client, []string{key}, now, w.window.Milliseconds(), w.limit).Result()
	if err != nil {
		return false, 0, err
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return false, 0, err
	}
	allowed := arr[0].(int64) == 1
	count, _ := arr[1].(int64)
	return allowed, count, nil
}

var windowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)

local allowed = 0
if count < limit then
  allowed = 1
  redis.call('ZADD', key, now, now .. '-' .. count)
  count = count + 1
end

redis.call('PEXPIRE', key, window)
return {allowed, count}
`)
