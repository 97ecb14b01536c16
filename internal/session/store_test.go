package session

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/actual-software/mcp-proxy/internal/config"
	"github.com/actual-software/mcp-proxy/internal/errors"
	"github.com/actual-software/mcp-proxy/internal/metrics"
	"github.com/actual-software/mcp-proxy/internal/version"
)

func newTestStore(t *testing.T, cfg config.SessionConfig) *Store {
	t.Helper()

	st := CreateStore(cfg, zap.NewNop(), metrics.InitializeRegistry())
	t.Cleanup(func() { _ = st.Close() })

	return st
}

func defaultTestConfig() config.SessionConfig {
	return config.SessionConfig{
		IdleTimeout:     time.Minute,
		CleanupInterval: time.Minute,
		MaxSessions:     100,
	}
}

func TestGetOrCreateIsIdempotent(t *testing.T) {
	st := newTestStore(t, defaultTestConfig())

	first, created, err := st.GetOrCreate("sess-1", "http")
	require.NoError(t, err)
	require.True(t, created)
	assert.Equal(t, StateNew, first.State())

	second, created, err := st.GetOrCreate("sess-1", "http")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Same(t, first, second)
	assert.Equal(t, 1, st.Count())
}

func TestGetOrCreateMintsID(t *testing.T) {
	st := newTestStore(t, defaultTestConfig())

	a, created, err := st.GetOrCreate("", "stdio")
	require.NoError(t, err)
	require.True(t, created)
	assert.NotEmpty(t, a.ID)

	b, _, err := st.GetOrCreate("", "stdio")
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID)
}

func TestGetOrCreateConcurrent(t *testing.T) {
	st := newTestStore(t, defaultTestConfig())

	const goroutines = 32

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		sessions = make(map[*Session]struct{})
	)

	for i := 0; i < goroutines; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			s, _, err := st.GetOrCreate("shared", "http")
			if !assert.NoError(t, err) {
				return
			}

			mu.Lock()
			sessions[s] = struct{}{}
			mu.Unlock()
		}()
	}

	wg.Wait()

	assert.Len(t, sessions, 1)
	assert.Equal(t, 1, st.Count())
}

func TestGetOrCreateEnforcesLimit(t *testing.T) {
	cfg := defaultTestConfig()
	cfg.MaxSessions = 2
	st := newTestStore(t, cfg)

	_, _, err := st.GetOrCreate("a", "http")
	require.NoError(t, err)
	_, _, err = st.GetOrCreate("b", "http")
	require.NoError(t, err)

	_, _, err = st.GetOrCreate("c", "http")
	require.Error(t, err)
	assert.Equal(t, errors.TypeRateLimit, errors.TypeOf(err))
}

func TestGetUnknownSession(t *testing.T) {
	st := newTestStore(t, defaultTestConfig())

	_, err := st.Get("missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrSessionNotFound)
}

func TestTransitionLifecycle(t *testing.T) {
	st := newTestStore(t, defaultTestConfig())

	s, _, err := st.GetOrCreate("sess-1", "http")
	require.NoError(t, err)

	for _, next := range []State{
		StateInitializing, StateActive, StatePaused, StateActive, StateClosing, StateClosed,
	} {
		got, err := st.Transition("sess-1", next)
		require.NoError(t, err)
		assert.Equal(t, next, got)
	}

	assert.Equal(t, StateClosed, s.State())
}

func TestTransitionRejectsIllegalMove(t *testing.T) {
	st := newTestStore(t, defaultTestConfig())

	s, _, err := st.GetOrCreate("sess-1", "http")
	require.NoError(t, err)

	got, err := st.Transition("sess-1", StateActive)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrInvalidTransition)
	assert.Equal(t, StateNew, got)
	assert.Equal(t, StateNew, s.State())
}

func TestFailAndRecoverFromTransportFault(t *testing.T) {
	st := newTestStore(t, defaultTestConfig())

	_, _, err := st.GetOrCreate("sess-1", "http")
	require.NoError(t, err)
	_, err = st.Transition("sess-1", StateInitializing)
	require.NoError(t, err)
	_, err = st.Transition("sess-1", StateActive)
	require.NoError(t, err)

	cause := errors.NewTransportError("upstream unreachable", nil)
	require.NoError(t, st.Fail("sess-1", cause))

	s, err := st.Get("sess-1")
	require.NoError(t, err)
	assert.Equal(t, StateError, s.State())
	assert.Equal(t, cause, s.LastFailure())

	require.NoError(t, st.Recover("sess-1"))
	assert.Equal(t, StateActive, s.State())
	assert.Nil(t, s.LastFailure())
}

func TestRecoverRejectsProtocolFault(t *testing.T) {
	st := newTestStore(t, defaultTestConfig())

	_, _, err := st.GetOrCreate("sess-1", "http")
	require.NoError(t, err)
	_, err = st.Transition("sess-1", StateInitializing)
	require.NoError(t, err)

	require.NoError(t, st.Fail("sess-1", errors.NewProtocolError("malformed message")))

	err = st.Recover("sess-1")
	require.Error(t, err)

	var perr *errors.ProxyError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, ErrCodeNotRecoverable, perr.Code)

	s, err := st.Get("sess-1")
	require.NoError(t, err)
	assert.Equal(t, StateError, s.State())

	// Closing remains available from Error
	_, err = st.Transition("sess-1", StateClosing)
	assert.NoError(t, err)
}

func TestSetNegotiatedVersionFirstWriteWins(t *testing.T) {
	st := newTestStore(t, defaultTestConfig())

	_, _, err := st.GetOrCreate("sess-1", "http")
	require.NoError(t, err)

	got, err := st.SetNegotiatedVersion("sess-1", version.V20250326)
	require.NoError(t, err)
	assert.Equal(t, version.V20250326, got)

	// Equal proposal is idempotent
	got, err = st.SetNegotiatedVersion("sess-1", version.V20250326)
	require.NoError(t, err)
	assert.Equal(t, version.V20250326, got)

	// Lower proposal is a downgrade
	got, err = st.SetNegotiatedVersion("sess-1", version.V20241105)
	require.Error(t, err)
	assert.Equal(t, version.V20250326, got)

	var perr *errors.ProxyError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, ErrCodeVersionDowngrade, perr.Code)

	// Higher proposal cannot replace the stored value either
	got, err = st.SetNegotiatedVersion("sess-1", version.V20250618)
	require.Error(t, err)
	assert.Equal(t, version.V20250326, got)

	require.ErrorAs(t, err, &perr)
	assert.Equal(t, ErrCodeVersionConflict, perr.Code)
}

func TestSetNegotiatedVersionConcurrent(t *testing.T) {
	st := newTestStore(t, defaultTestConfig())

	s, _, err := st.GetOrCreate("sess-1", "http")
	require.NoError(t, err)

	const goroutines = 16

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		written = make(map[string]struct{})
	)

	for i := 0; i < goroutines; i++ {
		proposed := version.V20250326
		if i%2 == 0 {
			proposed = version.V20250618
		}

		wg.Add(1)

		go func() {
			defer wg.Done()

			if got, err := st.SetNegotiatedVersion("sess-1", proposed); err == nil {
				mu.Lock()
				written[got] = struct{}{}
				mu.Unlock()
			}
		}()
	}

	wg.Wait()

	// Every successful call observed the same stored value
	require.Len(t, written, 1)

	final := s.NegotiatedVersion()
	_, ok := written[final]
	assert.True(t, ok)
}

func TestCloseSession(t *testing.T) {
	st := newTestStore(t, defaultTestConfig())

	s, _, err := st.GetOrCreate("sess-1", "http")
	require.NoError(t, err)

	require.NoError(t, st.CloseSession("sess-1"))
	assert.Equal(t, StateClosed, s.State())
	assert.Equal(t, 0, st.Count())

	err = st.CloseSession("sess-1")
	assert.ErrorIs(t, err, errors.ErrSessionNotFound)
}

func TestIdleSweepExpiresSessions(t *testing.T) {
	cfg := config.SessionConfig{
		IdleTimeout:     20 * time.Millisecond,
		CleanupInterval: 10 * time.Millisecond,
		MaxSessions:     10,
	}
	st := newTestStore(t, cfg)

	_, _, err := st.GetOrCreate("sess-1", "http")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return st.Count() == 0
	}, time.Second, 5*time.Millisecond)

	_, err = st.Get("sess-1")
	assert.ErrorIs(t, err, errors.ErrSessionNotFound)
}

func TestTouchDefersIdleSweep(t *testing.T) {
	cfg := config.SessionConfig{
		IdleTimeout:     60 * time.Millisecond,
		CleanupInterval: 10 * time.Millisecond,
		MaxSessions:     10,
	}
	st := newTestStore(t, cfg)

	_, _, err := st.GetOrCreate("sess-1", "http")
	require.NoError(t, err)

	deadline := time.Now().Add(150 * time.Millisecond)
	for time.Now().Before(deadline) {
		st.Touch("sess-1")
		time.Sleep(10 * time.Millisecond)
	}

	assert.Equal(t, 1, st.Count())
}
