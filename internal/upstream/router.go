package upstream

import (
	"context"
	stderrors "errors"
	"math"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/actual-software/mcp-proxy/internal/config"
	"github.com/actual-software/mcp-proxy/internal/errors"
	"github.com/actual-software/mcp-proxy/internal/metrics"
	"github.com/actual-software/mcp-proxy/internal/pool"
	"github.com/actual-software/mcp-proxy/pkg/circuit"
	"github.com/actual-software/mcp-proxy/pkg/mcp"
)

const (
	defaultMaxAttempts      = 3
	defaultRetryBaseDelay   = 100 * time.Millisecond
	defaultRetryMaxDelay    = 5 * time.Second
	defaultJitterRatio      = 0.25
	defaultFailureThreshold = 5
	defaultSuccessThreshold = 2
	defaultBreakerTimeout   = 30 * time.Second

	// ErrCodeCircuitOpen marks fast failures while the breaker rejects
	// traffic to a sick upstream.
	ErrCodeCircuitOpen = "CIRCUIT_OPEN"
)

// Router forwards messages to the upstream over pooled transports. It
// retries transport-class faults within a bounded budget and trips a
// per-upstream circuit breaker; protocol-level failures pass through
// untouched and never count against the upstream's health.
type Router struct {
	upstream  string
	transport string
	pool      *pool.Pool
	breaker   *circuit.Breaker
	retry     config.RetryConfig
	logger    *zap.Logger
	metrics   *metrics.Registry

	rngMu sync.Mutex
	rng   *rand.Rand
}

// NewRouter wires a router over an existing pool.
func NewRouter(
	cfg config.UpstreamConfig,
	rcfg config.RouterConfig,
	p *pool.Pool,
	logger *zap.Logger,
	m *metrics.Registry,
) *Router {
	retry := normalizeRetry(rcfg.Retry)
	breaker := normalizeBreaker(rcfg.CircuitBreaker)

	return &Router{
		upstream:  cfg.Name,
		transport: cfg.Transport,
		pool:      p,
		breaker:   circuit.NewBreaker(breaker.FailureThreshold, breaker.SuccessThreshold, breaker.Timeout),
		retry:     retry,
		logger:    logger.With(zap.String("component", "router"), zap.String("upstream", cfg.Name)),
		metrics:   m,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())), //nolint:gosec // jitter needs no crypto
	}
}

func normalizeRetry(cfg config.RetryConfig) config.RetryConfig {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}

	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = defaultRetryBaseDelay
	}

	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = defaultRetryMaxDelay
	}

	if cfg.JitterRatio <= 0 {
		cfg.JitterRatio = defaultJitterRatio
	}

	return cfg
}

func normalizeBreaker(cfg config.CircuitBreakerConfig) config.CircuitBreakerConfig {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = defaultFailureThreshold
	}

	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = defaultSuccessThreshold
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultBreakerTimeout
	}

	return cfg
}

// Forward sends one message upstream. Transport and timeout faults are
// retried up to the budget with exponential backoff and jitter; everything
// else returns on the first attempt.
func (r *Router) Forward(ctx context.Context, req *mcp.Request, meta Meta) (*Reply, error) {
	if err := r.breaker.Allow(); err != nil {
		return nil, errors.NewTransportError("upstream circuit open", err).
			WithComponent("router").
			WithCode(ErrCodeCircuitOpen).
			WithContext("upstream", r.upstream)
	}

	r.metrics.IncrementTransportRequests(r.transport)

	var lastErr error

	for attempt := 0; attempt <= r.retry.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := r.backoffDelay(attempt - 1)

			r.metrics.IncrementTransportRetries(r.upstream)
			r.logger.Debug("retrying upstream exchange",
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(lastErr))

			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()

				return nil, errors.WrapWithType(ctx.Err(), errors.TypeCanceled,
					"canceled while waiting to retry").WithComponent("router")
			case <-timer.C:
			}
		}

		reply, err := r.attempt(ctx, req, meta)
		if err == nil {
			r.breaker.OnSuccess()
			r.publishBreakerState()

			return reply, nil
		}

		lastErr = err

		if isTransportClass(err) {
			r.breaker.OnFailure()
			r.publishBreakerState()
		}

		if !shouldRetry(err) {
			return nil, err
		}

		if r.breaker.Allow() != nil {
			break
		}
	}

	return nil, errors.Wrapf(lastErr, "transport retry budget exhausted after %d attempts",
		r.retry.MaxAttempts+1).
		WithContext("attempts", r.retry.MaxAttempts+1)
}

// attempt performs a single acquire/exchange/release cycle. The handle is
// released on every path: an SSE reply hands its body to the caller while
// the pooled transport goes back immediately, so stream lifetime never
// consumes pool capacity.
func (r *Router) attempt(ctx context.Context, req *mcp.Request, meta Meta) (*Reply, error) {
	h, err := r.pool.Acquire(ctx)
	if err != nil {
		return nil, r.classifyAcquire(err)
	}

	t, ok := h.(Transport)
	if !ok {
		_ = r.pool.Release(h)

		return nil, errors.NewFatalError("pooled handle is not a transport", nil).
			WithComponent("router")
	}

	reply, err := t.Exchange(ctx, req, meta)

	if rerr := r.pool.Release(h); rerr != nil {
		r.logger.Warn("release pooled handle", zap.Error(rerr))
	}

	if err != nil {
		return nil, err
	}

	return reply, nil
}

func (r *Router) classifyAcquire(err error) error {
	switch {
	case stderrors.Is(err, pool.ErrAcquireTimeout):
		r.metrics.IncrementPoolAcquireTimeouts(r.upstream)

		return errors.NewTimeoutError("pool acquire", err).
			WithComponent("router").
			WithContext("upstream", r.upstream)
	case stderrors.Is(err, pool.ErrPoolClosed):
		return errors.NewTransportError("connection pool closed", err).WithComponent("router")
	case stderrors.Is(err, context.Canceled):
		return errors.WrapWithType(err, errors.TypeCanceled, "canceled while acquiring upstream connection").
			WithComponent("router")
	default:
		return errors.NewTransportError("acquire upstream connection", err).WithComponent("router")
	}
}

// backoffDelay returns base*2^k capped at the maximum, spread by the
// configured jitter ratio.
func (r *Router) backoffDelay(k int) time.Duration {
	delay := time.Duration(float64(r.retry.BaseDelay) * math.Pow(2, float64(k)))
	if delay > r.retry.MaxDelay {
		delay = r.retry.MaxDelay
	}

	r.rngMu.Lock()
	f := r.rng.Float64()
	r.rngMu.Unlock()

	delay += time.Duration(float64(delay) * r.retry.JitterRatio * (f*2 - 1))
	if delay < 0 {
		delay = r.retry.BaseDelay
	}

	return delay
}

func (r *Router) publishBreakerState() {
	r.metrics.SetCircuitBreakerState(r.upstream, r.breaker.GetStateFloat())
}

// Breaker exposes the upstream breaker for health reporting.
func (r *Router) Breaker() *circuit.Breaker {
	return r.breaker
}

// Close shuts down the breaker's recovery ticker and the pool.
func (r *Router) Close() error {
	r.breaker.Close()

	return r.pool.Close()
}

// isTransportClass reports whether a failure should count against the
// upstream's circuit breaker. Protocol, session, and caller-cancellation
// faults say nothing about upstream health.
func isTransportClass(err error) bool {
	switch errors.TypeOf(err) {
	case errors.TypeTransport, errors.TypeTimeout:
		return true
	default:
		return false
	}
}

func shouldRetry(err error) bool {
	return isTransportClass(err) && errors.IsRetryable(err)
}
