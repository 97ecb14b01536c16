package errors

import (
	"errors"

	"github.com/actual-software/mcp-proxy/internal/metrics"
)

const (
	// unknownValue is used when a metric label value is not available.
	unknownValue = "unknown"
)

// RecordErrorMetrics records error metrics based on ProxyError details.
func RecordErrorMetrics(err *ProxyError, registry *metrics.Registry) {
	if err == nil || registry == nil {
		return
	}

	code := err.Code
	if code == "" {
		code = unknownValue
	}

	component := err.Component
	if component == "" {
		component = unknownValue
	}

	operation := err.Operation
	if operation == "" {
		operation = unknownValue
	}

	registry.IncrementErrors(code, component, operation)
	registry.IncrementErrorsByType(string(err.Type))
	registry.IncrementRetryableErrors(err.Retryable)
	registry.IncrementErrorsBySeverity(string(err.Severity))
}

// RecordError is a helper to record error metrics if the error is a ProxyError.
func RecordError(err error, registry *metrics.Registry) {
	var proxyErr *ProxyError
	if errors.As(err, &proxyErr) {
		RecordErrorMetrics(proxyErr, registry)
	}
}

// RecordErrorRecovery records when an error is recovered from.
func RecordErrorRecovery(err error, recovered bool, registry *metrics.Registry) {
	var proxyErr *ProxyError

	errorType := unknownValue
	if errors.As(err, &proxyErr) {
		errorType = string(proxyErr.Type)
	}

	registry.IncrementErrorRecovery(recovered, errorType)
}
