package session

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/actual-software/mcp-proxy/internal/errors"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from    State
		to      State
		allowed bool
	}{
		{StateNew, StateInitializing, true},
		{StateNew, StateActive, false},
		{StateInitializing, StateActive, true},
		{StateInitializing, StateError, true},
		{StateInitializing, StatePaused, false},
		{StateActive, StatePaused, true},
		{StateActive, StateClosing, true},
		{StateActive, StateError, true},
		{StateActive, StateNew, false},
		{StatePaused, StateActive, true},
		{StatePaused, StateClosing, true},
		{StatePaused, StateError, false},
		{StateError, StateActive, true},
		{StateError, StateClosing, true},
		{StateClosing, StateClosed, true},
		{StateClosing, StateActive, false},
		{StateClosed, StateClosing, false},
		{StateClosed, StateActive, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"_to_"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.allowed, canTransition(tt.from, tt.to))
		})
	}
}

func TestRecoverable(t *testing.T) {
	assert.True(t, Recoverable(errors.NewTransportError("upstream unreachable", nil)))
	assert.True(t, Recoverable(errors.NewTimeoutError("acquire", nil)))
	assert.True(t, Recoverable(errors.NewStreamError("relay gave up", nil)))

	assert.False(t, Recoverable(nil))
	assert.False(t, Recoverable(errors.NewProtocolError("bad version")))
	assert.False(t, Recoverable(errors.NewSessionError("unknown id")))
	assert.False(t, Recoverable(errors.NewFatalError("pool corrupted", nil)))
}
