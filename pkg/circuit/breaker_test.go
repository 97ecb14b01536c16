package circuit

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateString(t *testing.T) {
	tests := []struct {
		state    State
		expected string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.state.String())
		})
	}
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	cb := NewBreaker(3, 2, time.Second)
	defer cb.Close()

	testErr := errors.New("test error")

	for i := 0; i < 3; i++ {
		err := cb.Call(func() error { return testErr })
		require.ErrorIs(t, err, testErr)
	}

	assert.Equal(t, StateOpen, cb.GetState())

	// Calls fail fast while open
	err := cb.Call(func() error { return nil })
	assert.ErrorIs(t, err, ErrOpen)
}

func TestBreakerRecoversThroughHalfOpen(t *testing.T) {
	cb := NewBreaker(1, 2, 50*time.Millisecond)
	defer cb.Close()

	require.Error(t, cb.Call(func() error { return errors.New("boom") }))
	require.Equal(t, StateOpen, cb.GetState())

	// Auto-recovery ticks every 100ms; wait for the open timeout to lapse
	require.Eventually(t, func() bool {
		return cb.GetState() == StateHalfOpen
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, cb.Call(func() error { return nil }))
	require.NoError(t, cb.Call(func() error { return nil }))

	assert.Equal(t, StateClosed, cb.GetState())
}

func TestBreakerReopensOnHalfOpenFailure(t *testing.T) {
	cb := NewBreaker(1, 2, 50*time.Millisecond)
	defer cb.Close()

	require.Error(t, cb.Call(func() error { return errors.New("boom") }))

	require.Eventually(t, func() bool {
		return cb.GetState() == StateHalfOpen
	}, time.Second, 10*time.Millisecond)

	require.Error(t, cb.Call(func() error { return errors.New("boom again") }))
	assert.Equal(t, StateOpen, cb.GetState())
}

func TestBreakerAllowWithManualOutcomes(t *testing.T) {
	cb := NewBreaker(2, 1, time.Second)
	defer cb.Close()

	require.NoError(t, cb.Allow())

	// Caller-classified failures: only these count against the circuit
	cb.OnFailure()
	require.NoError(t, cb.Allow())

	cb.OnFailure()
	assert.ErrorIs(t, cb.Allow(), ErrOpen)
	assert.True(t, cb.IsOpen())
}

func TestBreakerReset(t *testing.T) {
	cb := NewBreaker(1, 1, time.Minute)
	defer cb.Close()

	cb.OnFailure()
	require.True(t, cb.IsOpen())

	cb.Reset()
	assert.Equal(t, StateClosed, cb.GetState())
	assert.NoError(t, cb.Allow())
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	cb := NewBreaker(2, 1, time.Minute)
	defer cb.Close()

	cb.OnFailure()
	cb.OnSuccess()
	cb.OnFailure()

	// Two non-consecutive failures never open the circuit
	assert.Equal(t, StateClosed, cb.GetState())
}
