package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/actual-software/mcp-proxy/internal/config"
	"github.com/actual-software/mcp-proxy/internal/metrics"
	"github.com/actual-software/mcp-proxy/internal/version"
)

const closeWaitTimeout = 5 * time.Second

// Store is an in-memory table of session state machines. One id maps to
// exactly one live Session; all mutation goes through the synchronized
// operations below.
type Store struct {
	sessions map[string]*Session
	mu       sync.RWMutex

	cfg     config.SessionConfig
	logger  *zap.Logger
	metrics *metrics.Registry

	cleanupTicker  *time.Ticker
	cleanupStop    chan struct{}
	cleanupStopped chan struct{}
}

// CreateStore creates a session store and starts its idle sweep goroutine.
func CreateStore(cfg config.SessionConfig, logger *zap.Logger, m *metrics.Registry) *Store {
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}

	st := &Store{
		sessions:       make(map[string]*Session),
		cfg:            cfg,
		logger:         logger,
		metrics:        m,
		cleanupTicker:  time.NewTicker(cfg.CleanupInterval),
		cleanupStop:    make(chan struct{}),
		cleanupStopped: make(chan struct{}),
	}

	go st.sweepExpiredSessions()

	return st
}

// GetOrCreate returns the session for id, creating one in state New when the
// id is unknown. An empty id mints a fresh one. Repeated calls with the same
// id always return the same live instance; the second return reports whether
// this call created it.
func (st *Store) GetOrCreate(id, transport string) (*Session, bool, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if id != "" {
		if s, ok := st.sessions[id]; ok {
			return s, false, nil
		}
	} else {
		id = uuid.NewString()
	}

	if st.cfg.MaxSessions > 0 && len(st.sessions) >= st.cfg.MaxSessions {
		return nil, false, NewSessionLimitError(st.cfg.MaxSessions)
	}

	now := time.Now()
	s := &Session{
		ID:           id,
		Transport:    transport,
		CreatedAt:    now,
		state:        StateNew,
		lastActivity: now,
	}
	st.sessions[id] = s

	st.metrics.IncrementSessionsCreated()
	st.logger.Info("Session created",
		zap.String("session_id", id),
		zap.String("transport", transport),
	)

	return s, true, nil
}

// Get returns the session for id or a session-not-found error.
func (st *Store) Get(id string) (*Session, error) {
	st.mu.RLock()
	s, ok := st.sessions[id]
	st.mu.RUnlock()

	if !ok {
		return nil, NewSessionNotFoundError(id)
	}

	return s, nil
}

// Touch records message activity on the session, deferring idle expiry.
func (st *Store) Touch(id string) {
	st.mu.RLock()
	s, ok := st.sessions[id]
	st.mu.RUnlock()

	if ok {
		s.touch()
	}
}

// Transition moves the session to a new state, validating against the state
// machine. Illegal transitions are rejected, never coerced. Moving from
// Error to Active additionally requires the recorded failure to belong to a
// recoverable class.
func (st *Store) Transition(id string, to State) (State, error) {
	s, err := st.Get(id)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	from := s.state
	if !canTransition(from, to) {
		return from, NewInvalidTransitionError(id, from, to)
	}

	if from == StateError && to == StateActive && !Recoverable(s.lastFailure) {
		return from, NewNotRecoverableError(id, s.lastFailure)
	}

	s.state = to
	if from == StateError && to == StateActive {
		s.lastFailure = nil
	}

	st.metrics.RecordSessionTransition(string(from), string(to))
	st.logger.Debug("Session state changed",
		zap.String("session_id", id),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)

	return to, nil
}

// Fail records the fault and moves the session to Error.
func (st *Store) Fail(id string, cause error) error {
	s, err := st.Get(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	from := s.state
	if !canTransition(from, StateError) {
		return NewInvalidTransitionError(id, from, StateError)
	}

	s.state = StateError
	s.lastFailure = cause

	st.metrics.RecordSessionTransition(string(from), string(StateError))
	st.logger.Warn("Session entered error state",
		zap.String("session_id", id),
		zap.String("from", string(from)),
		zap.Error(cause),
	)

	return nil
}

// Recover moves the session from Error back to Active when the recorded
// failure class permits it.
func (st *Store) Recover(id string) error {
	_, err := st.Transition(id, StateActive)

	return err
}

// SetNegotiatedVersion writes the session's negotiated version with
// compare-and-set semantics: the first write wins, an equal proposal is
// idempotent, and any differing later proposal is rejected. The stored
// value is always returned.
func (st *Store) SetNegotiatedVersion(id, proposed string) (string, error) {
	s, err := st.Get(id)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.negotiatedVersion

	switch {
	case current == "":
		s.negotiatedVersion = proposed

		st.logger.Info("Session protocol version set",
			zap.String("session_id", id),
			zap.String("protocol_version", proposed),
		)

		return proposed, nil
	case current == proposed:
		return current, nil
	case version.Compare(proposed, current) < 0:
		return current, NewVersionDowngradeError(id, proposed, current)
	default:
		return current, NewVersionConflictError(id, proposed, current)
	}
}

// CloseSession removes the session from the store, walking it through
// Closing to Closed where the state machine allows.
func (st *Store) CloseSession(id string) error {
	st.mu.Lock()
	s, ok := st.sessions[id]

	if !ok {
		st.mu.Unlock()

		return NewSessionNotFoundError(id)
	}

	delete(st.sessions, id)
	st.mu.Unlock()

	s.mu.Lock()
	if s.state != StateClosed {
		if canTransition(s.state, StateClosing) {
			st.metrics.RecordSessionTransition(string(s.state), string(StateClosing))
			s.state = StateClosing
		}

		if canTransition(s.state, StateClosed) {
			st.metrics.RecordSessionTransition(string(s.state), string(StateClosed))
		}

		s.state = StateClosed

		st.metrics.DecrementSessionsActive()
	}
	s.mu.Unlock()

	st.logger.Info("Session closed", zap.String("session_id", id))

	return nil
}

// Count returns the number of live sessions.
func (st *Store) Count() int {
	st.mu.RLock()
	defer st.mu.RUnlock()

	return len(st.sessions)
}

// Close stops the sweep goroutine and discards all sessions.
func (st *Store) Close() error {
	close(st.cleanupStop)

	select {
	case <-st.cleanupStopped:
	case <-time.After(closeWaitTimeout):
		st.logger.Warn("Session sweep goroutine did not stop in time")
	}

	st.mu.Lock()
	st.sessions = nil
	st.mu.Unlock()

	return nil
}

// sweepExpiredSessions runs periodically to discard idle sessions.
func (st *Store) sweepExpiredSessions() {
	defer close(st.cleanupStopped)
	defer st.cleanupTicker.Stop()

	for {
		select {
		case <-st.cleanupTicker.C:
			st.performSweep()
		case <-st.cleanupStop:
			return
		}
	}
}

func (st *Store) performSweep() {
	st.mu.Lock()
	defer st.mu.Unlock()

	now := time.Now()
	expired := 0

	for id, s := range st.sessions {
		s.mu.Lock()
		idle := st.cfg.IdleTimeout > 0 && now.Sub(s.lastActivity) > st.cfg.IdleTimeout
		closed := s.state == StateClosed

		if idle || closed {
			s.state = StateClosed
			delete(st.sessions, id)

			expired++

			st.metrics.IncrementSessionsExpired()
			st.metrics.DecrementSessionsActive()
		}
		s.mu.Unlock()
	}

	if expired > 0 {
		st.logger.Info("Swept idle sessions",
			zap.Int("expired", expired),
			zap.Int("remaining", len(st.sessions)),
		)
	}
}
