package middleware

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"xroad-gateway/internal/config"
)

// tokenBucket refills KEYS[1] at ARGV[3] tokens per second up to ARGV[2]
// and takes one token when available. Returns 1 when allowed.
var tokenBucket = redis.NewScript(`
local now = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local rps = tonumber(ARGV[3])

local t = redis.call('HMGET', KEYS[1], 'tokens', 'ts')
local tokens = tonumber(t[1]) or burst
local ts = tonumber(t[2]) or now
tokens = math.min(burst, tokens + math.max(0, now - ts) * rps / 1000.0)

local allowed = 0
if tokens >= 1.0 then
  tokens = tokens - 1.0
  allowed = 1
end
redis.call('HSET', KEYS[1], 'tokens', tokens, 'ts', now)
redis.call('PEXPIRE', KEYS[1], 60000)
return allowed
`)

const (
	redisKeyPrefix = "xroad-gateway:rl:"
	redisTimeout   = 100 * time.Millisecond
)

// RedisRateLimiterStore shares per-client token buckets between gateway
// replicas. It satisfies echo's RateLimiterStore.
type RedisRateLimiterStore struct {
	rdb    redis.Scripter
	rps    float64
	burst  int
	logger *slog.Logger
}

// NewRedisRateLimiterStore creates a store on top of an existing client.
func NewRedisRateLimiterStore(rdb redis.Scripter, rps float64, burst int, logger *slog.Logger) *RedisRateLimiterStore {
	if burst < 1 {
		burst = max(1, int(rps))
	}
	return &RedisRateLimiterStore{rdb: rdb, rps: rps, burst: burst, logger: logger}
}

// Allow takes a token for identifier. Redis failures let the request through.
func (s *RedisRateLimiterStore) Allow(identifier string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()

	n, err := tokenBucket.Run(ctx, s.rdb, []string{redisKeyPrefix + identifier},
		time.Now().UnixMilli(), s.burst, s.rps).Int()
	if err != nil {
		s.logger.Warn("rate limiter unavailable, allowing request", "err", err)
		return true, nil
	}
	return n == 1, nil
}

// Close releases the Redis client when it owns one.
func (s *RedisRateLimiterStore) Close() error {
	if c, ok := s.rdb.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// NewRateLimiterStore returns the Redis-backed store when a redis_url is
// configured and the in-memory store otherwise.
func NewRateLimiterStore(cfg config.RateLimitConfig, logger *slog.Logger) (echomw.RateLimiterStore, error) {
	if cfg.RedisURL == "" {
		return echomw.NewRateLimiterMemoryStoreWithConfig(echomw.RateLimiterMemoryStoreConfig{
			Rate:  rate.Limit(cfg.RequestsPerSecond),
			Burst: cfg.Burst,
		}), nil
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return NewRedisRateLimiterStore(redis.NewClient(opts), cfg.RequestsPerSecond, cfg.Burst, logger), nil
}
