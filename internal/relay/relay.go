// Package relay forwards upstream event streams to clients across upstream
// disconnects. A relay owns one stream: it parses events off the live body,
// filters replayed events after reconnection, and reopens the stream with
// the last forwarded event id as a resumption cursor so the client observes
// a gap-free, duplicate-free sequence.
package relay

import (
	"context"
	stderrors "errors"
	"io"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/actual-software/mcp-proxy/internal/config"
	"github.com/actual-software/mcp-proxy/internal/errors"
	"github.com/actual-software/mcp-proxy/internal/metrics"
	"github.com/actual-software/mcp-proxy/internal/sse"
)

const (
	defaultBaseDelay       = 500 * time.Millisecond
	defaultMaxDelay        = 30 * time.Second
	defaultMaxAttempts     = 5
	defaultJitterRatio     = 0.25
	defaultIdleTimeout     = 90 * time.Second
	defaultSeenIDsCapacity = 256
)

// ErrStreamComplete is returned by a Source when the upstream answered a
// resume attempt with a final non-stream reply. The relay treats it as a
// clean end of stream rather than a failure.
var ErrStreamComplete = stderrors.New("upstream completed the stream")

// State is the relay lifecycle state.
type State int32

const (
	StateConnected State = iota
	StateReconnecting
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Source reopens the upstream event stream after a disconnect. A non-empty
// cursor asks the upstream to resume delivery after that event id; the
// upstream may still replay events at or before the cursor.
type Source interface {
	Open(ctx context.Context, lastEventID string) (io.ReadCloser, error)
}

// SourceFunc adapts a function to the Source interface.
type SourceFunc func(ctx context.Context, lastEventID string) (io.ReadCloser, error)

// Open implements Source.
func (f SourceFunc) Open(ctx context.Context, lastEventID string) (io.ReadCloser, error) {
	return f(ctx, lastEventID)
}

// Sink receives events in forwarding order. Send is called from the relay
// goroutine only; a Send error stops the relay.
type Sink interface {
	Send(ev *sse.Event) error
}

// Relay drives one streamed response. Create one per stream and call Run
// exactly once; the relay is discarded when Run returns.
type Relay struct {
	upstream string
	cfg      config.RelayConfig
	source   Source
	logger   *zap.Logger
	metrics  *metrics.Registry

	state    atomic.Int32
	attempts int
	lastErr  error
	seen     *seenSet

	mu          sync.Mutex
	lastEventID string
	retryHint   time.Duration

	rngMu sync.Mutex
	rng   *rand.Rand
}

// New builds a relay over src for the named upstream.
func New(
	upstream string,
	cfg config.RelayConfig,
	src Source,
	logger *zap.Logger,
	m *metrics.Registry,
) *Relay {
	cfg = normalize(cfg)

	return &Relay{
		upstream: upstream,
		cfg:      cfg,
		source:   src,
		logger:   logger.With(zap.String("component", "relay"), zap.String("upstream", upstream)),
		metrics:  m,
		seen:     newSeenSet(cfg.SeenIDsCapacity),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())), //nolint:gosec // jitter needs no crypto
	}
}

func normalize(cfg config.RelayConfig) config.RelayConfig {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = defaultBaseDelay
	}

	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = defaultMaxDelay
	}

	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}

	if cfg.JitterRatio <= 0 {
		cfg.JitterRatio = defaultJitterRatio
	}

	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}

	if cfg.SeenIDsCapacity <= 0 {
		cfg.SeenIDsCapacity = defaultSeenIDsCapacity
	}

	return cfg
}

// Run relays events from the upstream stream to sink until the client
// context is canceled, the upstream completes the stream, or the reconnect
// budget is exhausted. initial is the already-open stream body from the
// original exchange; pass nil to have the relay open the stream itself.
// The terminal budget-exhausted outcome is returned as a StreamError;
// client cancellation returns nil.
func (r *Relay) Run(ctx context.Context, initial io.ReadCloser, sink Sink) error {
	r.metrics.IncrementStreamsActive()
	defer r.metrics.DecrementStreamsActive()

	body := initial

	for {
		if body == nil {
			next, err := r.reconnect(ctx)
			if err != nil {
				if stderrors.Is(err, ErrStreamComplete) {
					r.setState(StateClosed)

					return nil
				}

				if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
					r.setState(StateClosed)

					return nil
				}

				return err
			}

			body = next
		}

		r.setState(StateConnected)

		again, err := r.serve(ctx, body, sink)
		body = nil

		if err != nil {
			r.setState(StateClosed)

			return err
		}

		if !again {
			r.setState(StateClosed)

			return nil
		}
	}
}

// serve relays events off one live connection. It reports (true, nil) when
// the connection dropped or went idle and the relay should reconnect,
// (false, nil) on client cancellation, and a non-nil error when forwarding
// to the client failed.
func (r *Relay) serve(ctx context.Context, body io.ReadCloser, sink Sink) (bool, error) {
	activity := newActivityReader(body)
	parser := sse.NewParser(activity)

	events := make(chan *sse.Event)
	readErr := make(chan error, 1)
	done := make(chan struct{})

	go func() {
		for {
			ev, err := parser.Next()
			if err != nil {
				readErr <- err

				return
			}

			select {
			case events <- ev:
			case <-done:
				return
			}
		}
	}()

	defer func() {
		close(done)

		if err := body.Close(); err != nil {
			r.logger.Debug("close upstream stream body", zap.Error(err))
		}
	}()

	idle := time.NewTimer(r.cfg.IdleTimeout)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			return false, nil
		case ev := <-events:
			if err := r.handleEvent(ev, sink); err != nil {
				return false, err
			}
		case err := <-readErr:
			// Disconnect and clean end of stream look the same from here:
			// the upstream is gone and the relay resumes from its cursor.
			r.lastErr = err
			if !stderrors.Is(err, io.EOF) {
				r.logger.Debug("upstream stream read ended", zap.Error(err))
			}

			return true, nil
		case <-idle.C:
			elapsed := activity.idleFor()
			if elapsed < r.cfg.IdleTimeout {
				idle.Reset(r.cfg.IdleTimeout - elapsed)

				continue
			}

			r.logger.Debug("stream idle, reconnecting proactively",
				zap.Duration("idle", elapsed),
				zap.String("last_event_id", r.LastEventID()))

			return true, nil
		}
	}
}

// handleEvent applies the retry hint, filters replayed ids, and forwards
// the event. Any received event counts as progress and resets the
// reconnect attempt counter.
func (r *Relay) handleEvent(ev *sse.Event, sink Sink) error {
	r.attempts = 0

	if ev.Retry > 0 {
		r.setRetryHint(ev.RetryDuration())
	}

	if ev.ID != "" && r.seen.Seen(ev.ID) {
		r.metrics.IncrementStreamDuplicates()
		r.logger.Debug("dropping replayed event", zap.String("event_id", ev.ID))

		return nil
	}

	if err := sink.Send(ev); err != nil {
		return errors.NewStreamError("forward event to client", err).
			WithComponent("relay").
			WithContext("event_id", ev.ID)
	}

	if ev.ID != "" {
		r.setLastEventID(ev.ID)
	}

	r.metrics.IncrementStreamEvents()

	return nil
}

// reconnect backs off and reopens the stream, consuming one attempt per
// try. Exhausting the budget is the relay's single terminal failure.
func (r *Relay) reconnect(ctx context.Context) (io.ReadCloser, error) {
	for {
		if r.attempts >= r.cfg.MaxAttempts {
			r.setState(StateFailed)
			r.metrics.IncrementStreamFailures(r.upstream)

			return nil, errors.NewStreamError("stream reconnect budget exhausted", r.lastErr).
				WithComponent("relay").
				WithOperation("reconnect").
				WithContext("attempts", r.attempts).
				WithContext("last_event_id", r.LastEventID())
		}

		delay := r.nextDelay(r.attempts)
		r.attempts++
		r.setState(StateReconnecting)

		r.logger.Debug("stream reconnecting",
			zap.Int("attempt", r.attempts),
			zap.Duration("delay", delay),
			zap.String("last_event_id", r.LastEventID()))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()

			return nil, ctx.Err()
		case <-timer.C:
		}

		r.metrics.IncrementStreamReconnects(r.upstream)

		body, err := r.source.Open(ctx, r.LastEventID())
		if err == nil {
			return body, nil
		}

		if stderrors.Is(err, ErrStreamComplete) {
			return nil, err
		}

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		r.lastErr = err
		r.logger.Warn("stream reopen failed",
			zap.Int("attempt", r.attempts),
			zap.Error(err))
	}
}

// nextDelay returns the backoff for reconnect attempt k. A server-provided
// retry hint overrides the computed delay.
func (r *Relay) nextDelay(k int) time.Duration {
	if hint := r.RetryHint(); hint > 0 {
		return hint
	}

	return r.backoffDelay(k)
}

// backoffDelay returns base*2^k capped at the maximum, spread by the
// configured jitter ratio.
func (r *Relay) backoffDelay(k int) time.Duration {
	delay := time.Duration(float64(r.cfg.BaseDelay) * math.Pow(2, float64(k)))
	if delay > r.cfg.MaxDelay {
		delay = r.cfg.MaxDelay
	}

	r.rngMu.Lock()
	f := r.rng.Float64()
	r.rngMu.Unlock()

	delay += time.Duration(float64(delay) * r.cfg.JitterRatio * (f*2 - 1))
	if delay < 0 {
		delay = r.cfg.BaseDelay
	}

	return delay
}

// State returns the relay lifecycle state.
func (r *Relay) State() State {
	return State(r.state.Load())
}

func (r *Relay) setState(s State) {
	r.state.Store(int32(s))
}

// LastEventID returns the id of the last event forwarded to the client,
// or an empty string before the first one.
func (r *Relay) LastEventID() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.lastEventID
}

func (r *Relay) setLastEventID(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.lastEventID = id
}

// RetryHint returns the server-provided reconnect delay, or zero when the
// server has not sent one.
func (r *Relay) RetryHint() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.retryHint
}

func (r *Relay) setRetryHint(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.retryHint = d
}

// seenSet is a bounded set of recently forwarded event ids, evicting the
// oldest id once full.
type seenSet struct {
	capacity int
	members  map[string]struct{}
	order    []string
	next     int
}

func newSeenSet(capacity int) *seenSet {
	return &seenSet{
		capacity: capacity,
		members:  make(map[string]struct{}, capacity),
		order:    make([]string, 0, capacity),
	}
}

// Seen records id and reports whether it had already been recorded.
func (s *seenSet) Seen(id string) bool {
	if _, ok := s.members[id]; ok {
		return true
	}

	if len(s.order) < s.capacity {
		s.order = append(s.order, id)
	} else {
		delete(s.members, s.order[s.next])
		s.order[s.next] = id
		s.next = (s.next + 1) % s.capacity
	}

	s.members[id] = struct{}{}

	return false
}

// activityReader tracks when bytes last arrived so the relay can detect a
// silent connection without interrupting a healthy slow one.
type activityReader struct {
	r    io.Reader
	last atomic.Int64
}

func newActivityReader(r io.Reader) *activityReader {
	a := &activityReader{r: r}
	a.last.Store(time.Now().UnixNano())

	return a
}

func (a *activityReader) Read(p []byte) (int, error) {
	n, err := a.r.Read(p)
	if n > 0 {
		a.last.Store(time.Now().UnixNano())
	}

	return n, err
}

func (a *activityReader) idleFor() time.Duration {
	return time.Since(time.Unix(0, a.last.Load()))
}
