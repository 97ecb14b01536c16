package session

import (
	"github.com/actual-software/mcp-proxy/internal/errors"
)

// Error codes for session operations.
const (
	ErrCodeSessionNotFound  = "SESSION_NOT_FOUND"
	ErrCodeSessionLimit     = "SESSION_LIMIT_EXCEEDED"
	ErrCodeTransition       = "INVALID_TRANSITION"
	ErrCodeVersionDowngrade = "VERSION_DOWNGRADE"
	ErrCodeVersionConflict  = "VERSION_CONFLICT"
	ErrCodeNotRecoverable   = "NOT_RECOVERABLE"
)

// NewSessionNotFoundError creates an error for an unrecognized session id.
func NewSessionNotFoundError(sessionID string) *errors.ProxyError {
	return errors.New(errors.TypeSession, "session not found").
		WithComponent("session").
		WithCode(ErrCodeSessionNotFound).
		WithContext("session_id", sessionID)
}

// NewSessionLimitError creates an error for the session capacity cap.
func NewSessionLimitError(limit int) *errors.ProxyError {
	return errors.New(errors.TypeRateLimit, "session limit exceeded").
		WithComponent("session").
		WithCode(ErrCodeSessionLimit).
		WithContext("limit", limit)
}

// NewInvalidTransitionError creates an error for a transition the state
// machine does not permit.
func NewInvalidTransitionError(sessionID string, from, to State) *errors.ProxyError {
	return errors.New(errors.TypeSession, "invalid session state transition").
		WithComponent("session").
		WithCode(ErrCodeTransition).
		WithContext("session_id", sessionID).
		WithContext("from", string(from)).
		WithContext("to", string(to))
}

// NewNotRecoverableError creates an error for an Error to Active transition
// whose recorded failure class does not permit recovery.
func NewNotRecoverableError(sessionID string, cause error) *errors.ProxyError {
	e := errors.New(errors.TypeSession, "session error state is not recoverable").
		WithComponent("session").
		WithCode(ErrCodeNotRecoverable).
		WithContext("session_id", sessionID)
	if cause != nil {
		e = e.WithContext("failure_type", string(errors.TypeOf(cause)))
	}

	return e
}

// NewVersionDowngradeError creates an error for a negotiation proposing a
// lower version than the one already stored.
func NewVersionDowngradeError(sessionID, proposed, current string) *errors.ProxyError {
	return errors.New(errors.TypeProtocol, "negotiated version downgrade rejected").
		WithComponent("session").
		WithCode(ErrCodeVersionDowngrade).
		WithContext("session_id", sessionID).
		WithContext("proposed", proposed).
		WithContext("current", current)
}

// NewVersionConflictError creates an error for a negotiation proposing a
// different version after one is already set.
func NewVersionConflictError(sessionID, proposed, current string) *errors.ProxyError {
	return errors.New(errors.TypeProtocol, "negotiated version already set").
		WithComponent("session").
		WithCode(ErrCodeVersionConflict).
		WithContext("session_id", sessionID).
		WithContext("proposed", proposed).
		WithContext("current", current)
}
