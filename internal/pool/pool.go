// Package pool provides a generic pool of reusable upstream transport
// handles. Short-lived request/response channels are pooled; SSE streams
// never are, since each is a long-lived per-session resource.
package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/actual-software/mcp-proxy/internal/config"
	"github.com/actual-software/mcp-proxy/internal/metrics"
)

var (
	ErrPoolClosed     = errors.New("connection pool is closed")
	ErrPoolExhausted  = errors.New("connection pool exhausted")
	ErrInvalidHandle  = errors.New("handle does not belong to this pool")
	ErrAcquireTimeout = errors.New("timed out waiting for a pooled handle")
)

const (
	defaultMaxSize        = 10
	defaultAcquireTimeout = 5 * time.Second
	defaultMaxIdleTime    = 300 * time.Second
	defaultMaxLifetime    = 3600 * time.Second
	defaultHealthInterval = 30 * time.Second

	createTimeout         = 10 * time.Second
	backgroundWorkerCount = 2
)

// Handle is one reusable upstream channel.
type Handle interface {
	// IsAlive reports whether the underlying channel is still usable.
	IsAlive() bool
	// Close tears the channel down.
	Close() error
	// ID identifies the handle in logs.
	ID() string
}

// Factory creates and validates handles for one upstream.
type Factory interface {
	Create(ctx context.Context) (Handle, error)
	Validate(h Handle) error
}

// Stats is a point-in-time snapshot of pool counters.
type Stats struct {
	TotalHandles  int64
	ActiveHandles int64
	IdleHandles   int64
	WaitCount     int64
	CreatedCount  int64
	ClosedCount   int64
	FailedCount   int64
}

// Pool holds reusable handles for a single upstream. Acquire hands each
// handle to exactly one caller at a time; Release returns it regardless of
// request outcome.
type Pool struct {
	upstream string
	config   config.PoolConfig
	factory  Factory
	logger   *zap.Logger
	metrics  *metrics.Registry

	mu       sync.RWMutex
	handles  map[string]*pooledHandle
	reserved int
	idle     chan *pooledHandle
	waiters  chan *waiterReq

	waiterCount int64
	stats       Stats

	closed  int32
	closeCh chan struct{}
	wg      sync.WaitGroup
}

// waiterReq is one parked Acquire call. The state field arbitrates between
// a releaser delivering a handle and the waiter giving up, so a handle is
// never stranded in an abandoned waiter's channel.
type waiterReq struct {
	ch    chan *pooledHandle
	state int32
}

const (
	waiterPending int32 = iota
	waiterClaimed
	waiterAbandoned
)

// pooledHandle wraps a handle with pool bookkeeping.
type pooledHandle struct {
	Handle
	pool       *Pool
	createdAt  time.Time
	lastUsedAt time.Time
	usageCount int64
}

// New creates a pool for the named upstream and starts its maintenance
// goroutines.
func New(upstream string, cfg config.PoolConfig, factory Factory, logger *zap.Logger, m *metrics.Registry) *Pool {
	cfg = normalize(cfg)

	p := &Pool{
		upstream: upstream,
		config:   cfg,
		factory:  factory,
		logger:   logger,
		metrics:  m,
		handles:  make(map[string]*pooledHandle),
		idle:     make(chan *pooledHandle, cfg.MaxSize),
		waiters:  make(chan *waiterReq, cfg.MaxSize),
		closeCh:  make(chan struct{}),
	}

	p.wg.Add(backgroundWorkerCount)

	go p.maintainer()
	go p.healthChecker()

	p.warmup()

	logger.Info("Connection pool created",
		zap.String("upstream", upstream),
		zap.Int("min_size", cfg.MinSize),
		zap.Int("max_size", cfg.MaxSize),
		zap.Duration("max_idle_time", cfg.MaxIdleTime),
		zap.Duration("max_lifetime", cfg.MaxLifetime),
	)

	return p
}

func normalize(cfg config.PoolConfig) config.PoolConfig {
	if cfg.MinSize < 0 {
		cfg.MinSize = 0
	}

	if cfg.MaxSize <= 0 {
		cfg.MaxSize = defaultMaxSize
	}

	if cfg.MinSize > cfg.MaxSize {
		cfg.MinSize = cfg.MaxSize
	}

	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = defaultAcquireTimeout
	}

	if cfg.MaxIdleTime <= 0 {
		cfg.MaxIdleTime = defaultMaxIdleTime
	}

	if cfg.MaxLifetime <= 0 {
		cfg.MaxLifetime = defaultMaxLifetime
	}

	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = defaultHealthInterval
	}

	return cfg
}

func (p *Pool) warmup() {
	ctx, cancel := context.WithTimeout(context.Background(), createTimeout)
	defer cancel()

	for i := 0; i < p.config.MinSize; i++ {
		h, err := p.create(ctx)
		if err != nil {
			p.logger.Warn("Failed to create initial handle",
				zap.String("upstream", p.upstream),
				zap.Error(err),
			)

			continue
		}

		p.idle <- h

		atomic.AddInt64(&p.stats.IdleHandles, 1)
	}

	p.publishGauges()
}

// Acquire returns a healthy handle, waiting up to the configured acquire
// timeout. Stale idle handles are discarded transparently; a new handle is
// created when none are idle and capacity allows.
func (p *Pool) Acquire(ctx context.Context) (Handle, error) {
	if atomic.LoadInt32(&p.closed) == 1 {
		return nil, ErrPoolClosed
	}

	atomic.AddInt64(&p.stats.WaitCount, 1)

	if h := p.tryIdle(); h != nil {
		return h, nil
	}

	h, err := p.tryCreate(ctx)
	if err != nil && !errors.Is(err, ErrPoolExhausted) {
		return nil, err
	}

	if h != nil {
		return h, nil
	}

	return p.waitForHandle(ctx)
}

// tryIdle pulls idle handles until a valid one is found, discarding stale
// ones along the way.
func (p *Pool) tryIdle() *pooledHandle {
	for {
		select {
		case h := <-p.idle:
			atomic.AddInt64(&p.stats.IdleHandles, -1)

			if p.isValid(h) {
				p.activate(h)

				return h
			}

			p.remove(h)
		default:
			return nil
		}
	}
}

func (p *Pool) tryCreate(ctx context.Context) (*pooledHandle, error) {
	h, err := p.create(ctx)
	if err != nil {
		return nil, err
	}

	atomic.AddInt64(&h.usageCount, 1)
	atomic.AddInt64(&p.stats.ActiveHandles, 1)
	p.publishGauges()

	return h, nil
}

// waitForHandle parks the caller until a handle is released or the acquire
// timeout lapses. One timer bounds queueing and waiting together.
func (p *Pool) waitForHandle(ctx context.Context) (Handle, error) {
	w := &waiterReq{ch: make(chan *pooledHandle, 1)}

	timer := time.NewTimer(p.config.AcquireTimeout)
	defer timer.Stop()

	atomic.AddInt64(&p.waiterCount, 1)
	defer atomic.AddInt64(&p.waiterCount, -1)

	p.publishGauges()

	select {
	case p.waiters <- w:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		p.metrics.IncrementPoolAcquireTimeouts(p.upstream)

		return nil, ErrAcquireTimeout
	}

	select {
	case h := <-w.ch:
		if h == nil {
			return nil, ErrPoolClosed
		}

		p.activate(h)

		return h, nil
	case <-ctx.Done():
		p.abandon(w)

		return nil, ctx.Err()
	case <-timer.C:
		p.abandon(w)
		p.metrics.IncrementPoolAcquireTimeouts(p.upstream)

		return nil, ErrAcquireTimeout
	}
}

// abandon marks the waiter as gone. If a releaser claimed it first, the
// delivery is already in flight: take the handle and put it back so it is
// not leaked.
func (p *Pool) abandon(w *waiterReq) {
	if atomic.CompareAndSwapInt32(&w.state, waiterPending, waiterAbandoned) {
		return
	}

	if h := <-w.ch; h != nil {
		p.activate(h)
		_ = p.Release(h)
	}
}

// Release returns a handle to the pool. Unhealthy handles are discarded;
// healthy ones go to a waiter first, then to the idle set.
func (p *Pool) Release(h Handle) error {
	if atomic.LoadInt32(&p.closed) == 1 {
		return h.Close()
	}

	ph, ok := h.(*pooledHandle)
	if !ok || ph.pool != p {
		return ErrInvalidHandle
	}

	atomic.AddInt64(&p.stats.ActiveHandles, -1)

	defer p.publishGauges()

	if !p.isValid(ph) {
		p.remove(ph)

		return nil
	}

	if p.handToWaiter(ph) {
		return nil
	}

	select {
	case p.idle <- ph:
		atomic.AddInt64(&p.stats.IdleHandles, 1)
	default:
		p.remove(ph)
	}

	return nil
}

// handToWaiter delivers the handle to the oldest live waiter, skipping
// waiters that already gave up.
func (p *Pool) handToWaiter(ph *pooledHandle) bool {
	for {
		select {
		case w := <-p.waiters:
			if atomic.CompareAndSwapInt32(&w.state, waiterPending, waiterClaimed) {
				w.ch <- ph

				return true
			}
		default:
			return false
		}
	}
}

// Do acquires a handle, runs fn with it, and releases it on every path.
func (p *Pool) Do(ctx context.Context, fn func(Handle) error) error {
	h, err := p.Acquire(ctx)
	if err != nil {
		return err
	}

	defer func() { _ = p.Release(h) }()

	return fn(h)
}

// Stats returns a snapshot of pool counters.
func (p *Pool) Stats() Stats {
	p.mu.RLock()
	total := int64(len(p.handles))
	p.mu.RUnlock()

	return Stats{
		TotalHandles:  total,
		ActiveHandles: atomic.LoadInt64(&p.stats.ActiveHandles),
		IdleHandles:   atomic.LoadInt64(&p.stats.IdleHandles),
		WaitCount:     atomic.LoadInt64(&p.stats.WaitCount),
		CreatedCount:  atomic.LoadInt64(&p.stats.CreatedCount),
		ClosedCount:   atomic.LoadInt64(&p.stats.ClosedCount),
		FailedCount:   atomic.LoadInt64(&p.stats.FailedCount),
	}
}

// Close tears down the pool, all idle handles, and the maintenance
// goroutines. Waiters receive a nil handle.
func (p *Pool) Close() error {
	if !atomic.CompareAndSwapInt32(&p.closed, 0, 1) {
		return nil
	}

	close(p.closeCh)
	p.wg.Wait()

	close(p.waiters)

	for w := range p.waiters {
		if atomic.CompareAndSwapInt32(&w.state, waiterPending, waiterClaimed) {
			w.ch <- nil
		}
	}

	close(p.idle)

	var err error

	for h := range p.idle {
		if e := h.Handle.Close(); e != nil && err == nil {
			err = e
		}
	}

	p.mu.Lock()
	for _, h := range p.handles {
		if e := h.Handle.Close(); e != nil && err == nil {
			err = e
		}
	}

	p.handles = nil
	p.mu.Unlock()

	p.logger.Info("Connection pool closed",
		zap.String("upstream", p.upstream),
		zap.Int64("total_created", atomic.LoadInt64(&p.stats.CreatedCount)),
		zap.Int64("total_closed", atomic.LoadInt64(&p.stats.ClosedCount)),
	)

	return err
}

// claimSlot reserves creation capacity, so check and registration cannot
// race MaxSize past its limit.
func (p *Pool) claimSlot() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.handles)+p.reserved >= p.config.MaxSize {
		return false
	}

	p.reserved++

	return true
}

func (p *Pool) unclaimSlot() {
	p.mu.Lock()
	p.reserved--
	p.mu.Unlock()
}

func (p *Pool) create(ctx context.Context) (*pooledHandle, error) {
	if !p.claimSlot() {
		return nil, ErrPoolExhausted
	}

	h, err := p.factory.Create(ctx)
	if err != nil {
		p.unclaimSlot()
		atomic.AddInt64(&p.stats.FailedCount, 1)

		return nil, err
	}

	ph := &pooledHandle{
		Handle:     h,
		pool:       p,
		createdAt:  time.Now(),
		lastUsedAt: time.Now(),
	}

	p.mu.Lock()
	p.reserved--
	p.handles[ph.ID()] = ph
	total := len(p.handles)
	p.mu.Unlock()

	atomic.AddInt64(&p.stats.CreatedCount, 1)

	p.logger.Debug("Created pooled handle",
		zap.String("upstream", p.upstream),
		zap.String("handle_id", ph.ID()),
		zap.Int("total", total),
	)

	return ph, nil
}

func (p *Pool) remove(ph *pooledHandle) {
	p.mu.Lock()
	delete(p.handles, ph.ID())
	remaining := len(p.handles)
	p.mu.Unlock()

	atomic.AddInt64(&p.stats.ClosedCount, 1)

	if err := ph.Handle.Close(); err != nil {
		p.logger.Warn("Failed to close handle",
			zap.String("handle_id", ph.ID()),
			zap.Error(err),
		)
	}

	p.logger.Debug("Removed pooled handle",
		zap.String("upstream", p.upstream),
		zap.String("handle_id", ph.ID()),
		zap.Int("remaining", remaining),
	)

	p.publishGauges()
}

func (p *Pool) activate(ph *pooledHandle) {
	ph.lastUsedAt = time.Now()
	atomic.AddInt64(&ph.usageCount, 1)
	atomic.AddInt64(&p.stats.ActiveHandles, 1)
	p.publishGauges()
}

// isValid health-checks a handle before it is handed out or returned.
func (p *Pool) isValid(ph *pooledHandle) bool {
	if !ph.IsAlive() {
		return false
	}

	if time.Since(ph.createdAt) > p.config.MaxLifetime {
		return false
	}

	if time.Since(ph.lastUsedAt) > p.config.MaxIdleTime {
		return false
	}

	return p.factory.Validate(ph.Handle) == nil
}

// maintainer keeps the pool at its minimum size.
func (p *Pool) maintainer() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.maintain()
		case <-p.closeCh:
			return
		}
	}
}

func (p *Pool) maintain() {
	p.mu.RLock()
	current := len(p.handles)
	p.mu.RUnlock()

	if current >= p.config.MinSize {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), createTimeout)
	defer cancel()

	for i := current; i < p.config.MinSize; i++ {
		h, err := p.create(ctx)
		if err != nil {
			p.logger.Warn("Failed to create handle during maintenance",
				zap.String("upstream", p.upstream),
				zap.Error(err),
			)

			continue
		}

		select {
		case p.idle <- h:
			atomic.AddInt64(&p.stats.IdleHandles, 1)
		default:
			p.remove(h)
		}
	}

	p.publishGauges()
}

// healthChecker periodically evicts idle handles that have gone stale.
func (p *Pool) healthChecker() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.checkIdleHealth()
		case <-p.closeCh:
			return
		}
	}
}

func (p *Pool) checkIdleHealth() {
	var idle []*pooledHandle

drain:
	for {
		select {
		case h := <-p.idle:
			atomic.AddInt64(&p.stats.IdleHandles, -1)

			idle = append(idle, h)
		default:
			break drain
		}
	}

	removed := 0

	for _, h := range idle {
		if !p.isValid(h) {
			p.remove(h)

			removed++

			continue
		}

		select {
		case p.idle <- h:
			atomic.AddInt64(&p.stats.IdleHandles, 1)
		default:
			p.remove(h)

			removed++
		}
	}

	if removed > 0 {
		p.logger.Info("Evicted stale handles",
			zap.String("upstream", p.upstream),
			zap.Int("checked", len(idle)),
			zap.Int("removed", removed),
		)
	}

	p.publishGauges()
}

func (p *Pool) publishGauges() {
	p.mu.RLock()
	total := len(p.handles)
	p.mu.RUnlock()

	active := atomic.LoadInt64(&p.stats.ActiveHandles)
	idle := int64(total) - active

	if idle < 0 {
		idle = 0
	}

	p.metrics.SetPoolGauges(p.upstream,
		float64(active),
		float64(idle),
		float64(atomic.LoadInt64(&p.waiterCount)),
	)
}
