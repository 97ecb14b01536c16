// Package ratelimit supplies the rate-limiting collaborator. The pipeline
// only sees allow/deny; a denial is turned into a RATE_LIMIT error by the
// caller, never here.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/actual-software/mcp-proxy/internal/config"
	"github.com/actual-software/mcp-proxy/internal/errors"
)

const (
	// ProviderMemory keeps counters in process memory.
	ProviderMemory = "memory"
	// ProviderRedis shares counters across instances through Redis.
	ProviderRedis = "redis"

	rateLimitWindowSeconds = 60 // sliding window for the per-minute limit
	burstWindowSeconds     = 10 // shorter window for the burst limit
)

// Limiter answers whether one more request from key may proceed.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// InitializeLimiter creates the limiter selected by configuration. A
// disabled limiter admits everything.
func InitializeLimiter(cfg config.RateLimitConfig, logger *zap.Logger) (Limiter, error) {
	if !cfg.Enabled {
		return &AllowAllLimiter{}, nil
	}

	switch cfg.Provider {
	case "", ProviderMemory:
		return CreateMemoryLimiter(cfg, logger), nil
	case ProviderRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})

		return CreateFaultTolerantRedisLimiter(client, cfg, logger), nil
	default:
		return nil, errors.NewValidationError("unsupported rate limit provider: " + cfg.Provider).
			WithComponent("ratelimit")
	}
}

// AllowAllLimiter admits every request. Used when rate limiting is
// disabled.
type AllowAllLimiter struct{}

// Allow always admits.
func (l *AllowAllLimiter) Allow(_ context.Context, _ string) (bool, error) {
	return true, nil
}

// RedisLimiter enforces a sliding-window counter in Redis so limits hold
// across proxy restarts.
type RedisLimiter struct {
	client *redis.Client
	cfg    config.RateLimitConfig
	logger *zap.Logger
	prefix string
}

// CreateRedisLimiter builds a Redis-backed limiter over client.
func CreateRedisLimiter(client *redis.Client, cfg config.RateLimitConfig, logger *zap.Logger) *RedisLimiter {
	return &RedisLimiter{
		client: client,
		cfg:    cfg,
		logger: logger.With(zap.String("component", "ratelimit")),
		prefix: "ratelimit:",
	}
}

// Allow admits the request unless the per-minute or burst counter for key
// is exhausted.
func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	if l.cfg.RequestsPerMinute <= 0 {
		return true, nil
	}

	count, err := l.incrementWindow(ctx, l.prefix+key, rateLimitWindowSeconds)
	if err != nil {
		return false, err
	}

	if count > int64(l.cfg.RequestsPerMinute) {
		l.logger.Debug("rate limit exceeded",
			zap.String("key", key),
			zap.Int64("count", count),
			zap.Int("limit", l.cfg.RequestsPerMinute))

		return false, nil
	}

	if l.cfg.Burst > 0 {
		burstCount, err := l.incrementWindow(ctx, l.prefix+"burst:"+key, burstWindowSeconds)
		if err != nil {
			return false, err
		}

		if burstCount > int64(l.cfg.Burst) {
			l.logger.Debug("burst limit exceeded",
				zap.String("key", key),
				zap.Int64("count", burstCount),
				zap.Int("limit", l.cfg.Burst))

			return false, nil
		}
	}

	return true, nil
}

// incrementWindow bumps the counter for the current window and returns the
// new count. The key expires one second after the window closes.
func (l *RedisLimiter) incrementWindow(ctx context.Context, key string, windowSeconds int64) (int64, error) {
	now := time.Now()
	windowKey := fmt.Sprintf("%s:%d", key, now.Unix()/windowSeconds)

	pipe := l.client.Pipeline()
	incr := pipe.Incr(ctx, windowKey)
	pipe.Expire(ctx, windowKey, time.Duration(windowSeconds)*time.Second+time.Second)

	if _, err := pipe.Exec(ctx); err != nil {
		return 0, errors.Wrap(err, "rate limit check failed").
			WithComponent("ratelimit").
			WithContext("key", key)
	}

	return incr.Val(), nil
}

// Close releases the Redis connection.
func (l *RedisLimiter) Close() error {
	return l.client.Close()
}

// MemoryLimiter enforces the same windows with in-process timestamp
// tracking. Suitable for a single proxy instance and as the Redis
// fallback.
type MemoryLimiter struct {
	cfg    config.RateLimitConfig
	logger *zap.Logger

	mu          sync.Mutex
	requests    map[string][]time.Time
	burstWindow time.Duration
}

// CreateMemoryLimiter builds an in-memory limiter.
func CreateMemoryLimiter(cfg config.RateLimitConfig, logger *zap.Logger) *MemoryLimiter {
	return &MemoryLimiter{
		cfg:         cfg,
		logger:      logger.With(zap.String("component", "ratelimit")),
		requests:    make(map[string][]time.Time),
		burstWindow: burstWindowSeconds * time.Second,
	}
}

// Allow admits the request unless the per-minute or burst count for key is
// exhausted.
func (l *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	if l.cfg.RequestsPerMinute <= 0 {
		return true, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	windowStart := now.Add(-time.Minute)

	valid := make([]time.Time, 0, len(l.requests[key]))

	for _, t := range l.requests[key] {
		if t.After(windowStart) {
			valid = append(valid, t)
		}
	}

	l.requests[key] = valid

	if len(valid) >= l.cfg.RequestsPerMinute {
		l.logger.Debug("rate limit exceeded",
			zap.String("key", key),
			zap.Int("count", len(valid)),
			zap.Int("limit", l.cfg.RequestsPerMinute))

		return false, nil
	}

	if l.cfg.Burst > 0 {
		burstStart := now.Add(-l.burstWindow)
		burstCount := 0

		for _, t := range valid {
			if t.After(burstStart) {
				burstCount++
			}
		}

		if burstCount >= l.cfg.Burst {
			l.logger.Debug("burst limit exceeded",
				zap.String("key", key),
				zap.Int("count", burstCount),
				zap.Int("limit", l.cfg.Burst))

			return false, nil
		}
	}

	l.requests[key] = append(l.requests[key], now)

	return true, nil
}

// SetBurstWindow overrides the burst window duration.
func (l *MemoryLimiter) SetBurstWindow(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.burstWindow = d
}
