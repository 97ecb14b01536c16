package ratelimit

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/actual-software/mcp-proxy/internal/config"
	"github.com/actual-software/mcp-proxy/pkg/circuit"
)

const (
	breakerFailureThreshold = 5
	breakerSuccessThreshold = 3
	breakerTimeout          = 30 * time.Second
)

// FaultTolerantRedisLimiter wraps the Redis limiter with a circuit breaker
// and falls back to the in-memory limiter while Redis is unhealthy, so a
// Redis outage degrades enforcement to per-instance rather than failing
// requests.
type FaultTolerantRedisLimiter struct {
	limiter  *RedisLimiter
	breaker  *circuit.Breaker
	fallback Limiter
	logger   *zap.Logger
}

// CreateFaultTolerantRedisLimiter builds the breaker-protected Redis
// limiter.
func CreateFaultTolerantRedisLimiter(
	client *redis.Client,
	cfg config.RateLimitConfig,
	logger *zap.Logger,
) *FaultTolerantRedisLimiter {
	return &FaultTolerantRedisLimiter{
		limiter:  CreateRedisLimiter(client, cfg, logger),
		breaker:  circuit.NewBreaker(breakerFailureThreshold, breakerSuccessThreshold, breakerTimeout),
		fallback: CreateMemoryLimiter(cfg, logger),
		logger:   logger.With(zap.String("component", "ratelimit_circuit")),
	}
}

// Allow consults Redis while the breaker permits it, and the in-memory
// fallback otherwise.
func (l *FaultTolerantRedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	if l.breaker.IsOpen() {
		return l.fallback.Allow(ctx, key)
	}

	var (
		allowed bool
		err     error
	)

	cbErr := l.breaker.Call(func() error {
		allowed, err = l.limiter.Allow(ctx, key)

		return err
	})
	if cbErr != nil {
		l.logger.Warn("redis rate limiter failed, using in-memory fallback",
			zap.String("key", key),
			zap.String("circuit_state", l.breaker.GetState().String()),
			zap.Error(cbErr))

		return l.fallback.Allow(ctx, key)
	}

	return allowed, nil
}

// BreakerState returns the current circuit breaker state.
func (l *FaultTolerantRedisLimiter) BreakerState() circuit.State {
	return l.breaker.GetState()
}

// Close stops the breaker and releases the Redis connection.
func (l *FaultTolerantRedisLimiter) Close() error {
	l.breaker.Close()

	return l.limiter.Close()
}
