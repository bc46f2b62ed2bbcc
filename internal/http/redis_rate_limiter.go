package httpx

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// fixedWindow increments the counter and starts its window on the first hit.
// It returns the new count and the remaining window in milliseconds.
var fixedWindow = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
return {count, ttl}
`)

type redisRateLimiter struct {
	client  *redis.Client
	logger  *slog.Logger
	prefix  string
	timeout time.Duration
}

// NewRedisRateLimiter constructs a limiter whose windows are shared by every
// API replica pointed at the same Redis.
func NewRedisRateLimiter(addr, password string, db int, logger *slog.Logger) (RateLimiter, error) {
	if addr == "" {
		return nil, errors.New("redis address required")
	}
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping rate limit redis: %w", err)
	}
	return &redisRateLimiter{
		client:  client,
		logger:  logger,
		prefix:  "togglemetrics:ratelimit:",
		timeout: 250 * time.Millisecond,
	}, nil
}

// Allow fails open: a Redis outage must not reject client reports.
func (rl *redisRateLimiter) Allow(key string, limit int, window time.Duration) rateDecision {
	if limit <= 0 {
		return rateDecision{allowed: true}
	}
	if window <= 0 {
		window = time.Minute
	}
	ctx, cancel := context.WithTimeout(context.Background(), rl.timeout)
	defer cancel()

	res, err := fixedWindow.Run(ctx, rl.client, []string{rl.prefix + key}, window.Milliseconds()).Int64Slice()
	if err != nil || len(res) != 2 {
		if err == nil {
			err = fmt.Errorf("unexpected script reply of %d values", len(res))
		}
		rl.logRedisError("window", key, err)
		return rateDecision{allowed: true}
	}
	count, remaining := res[0], time.Duration(res[1])*time.Millisecond
	if remaining <= 0 {
		remaining = window
	}
	return rateDecision{
		allowed:   count <= int64(limit),
		count:     int(count),
		windowEnd: time.Now().Add(remaining),
	}
}

func (rl *redisRateLimiter) Close() {
	if rl.client != nil {
		_ = rl.client.Close()
	}
}

func (rl *redisRateLimiter) logRedisError(op, key string, err error) {
	if rl.logger == nil {
		return
	}
	rl.logger.Error("redis rate limiter error", "op", op, "key", rateMetricKey(key), "error", err)
}
