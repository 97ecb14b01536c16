// Package logging provides structured logging utilities with error context integration.
package logging

import (
	stderrors "errors"

	"go.uber.org/zap"

	"github.com/actual-software/mcp-proxy/internal/errors"
)

// Standard field names used across proxy components.
const (
	FieldComponent = "component"
	FieldSessionID = "session_id"
	FieldMethod    = "method"
	FieldRequestID = "request_id"
	FieldUpstream  = "upstream"
	FieldTransport = "transport"
	FieldAttempt   = "attempt"
	FieldEventID   = "event_id"
	FieldPauseID   = "pause_id"
	FieldDuration  = "duration_ms"
	FieldState     = "state"
	FieldVersion   = "protocol_version"
)

// WithError adds error context to logger fields.
func WithError(err error) []zap.Field {
	if err == nil {
		return []zap.Field{}
	}

	fields := []zap.Field{
		zap.Error(err),
	}

	// If it's a ProxyError, add all context
	var proxyErr *errors.ProxyError
	if stderrors.As(err, &proxyErr) {
		fields = append(fields,
			zap.String("error_type", string(proxyErr.Type)),
			zap.String("error_code", proxyErr.Code),
			zap.String("component", proxyErr.Component),
			zap.String("operation", proxyErr.Operation),
			zap.String("severity", string(proxyErr.Severity)),
			zap.Bool("retryable", proxyErr.Retryable),
			zap.Int("http_status", proxyErr.HTTPStatus),
		)

		if len(proxyErr.Context) > 0 {
			fields = append(fields, zap.Any("error_context", proxyErr.Context))
		}

		// Stack traces only for high severity errors
		if proxyErr.Severity == errors.SeverityHigh || proxyErr.Severity == errors.SeverityCritical {
			if len(proxyErr.Stack) > 0 {
				fields = append(fields, zap.Strings("stack_trace", proxyErr.Stack))
			}
		}
	}

	return fields
}

// WithSession returns the standard fields identifying a session.
func WithSession(sessionID string) zap.Field {
	return zap.String(FieldSessionID, sessionID)
}
