// Package errors provides error classification and context management for
// the MCP proxy. Errors carry a taxonomy type that drives retry, recovery,
// and client-facing response mapping.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"strings"
)

// ErrorType represents the category of an error.
type ErrorType string

const (
	// Stack capture configuration.
	stackSkipFrames = 2  // Number of stack frames to skip when capturing
	maxStackDepth   = 10 // Maximum stack depth to capture

	// Error types for classification.
	TypeProtocol     ErrorType = "PROTOCOL"     // malformed message, unsupported version
	TypeSession      ErrorType = "SESSION"      // unknown id, invalid state transition
	TypeTransport    ErrorType = "TRANSPORT"    // pool exhaustion, upstream unreachable
	TypeStream       ErrorType = "STREAM"       // relay disconnect, stream attempt budget exhausted
	TypeTimeout      ErrorType = "TIMEOUT"      // operation deadline breached
	TypeRateLimit    ErrorType = "RATE_LIMIT"   // limiter denial
	TypeUnauthorized ErrorType = "UNAUTHORIZED" // auth collaborator rejection
	TypeValidation   ErrorType = "VALIDATION"   // bad input or configuration
	TypeCanceled     ErrorType = "CANCELED"     // client went away
	TypeInternal     ErrorType = "INTERNAL"     // unclassified failure
	TypeFatal        ErrorType = "FATAL"        // broken invariant, forces session close
)

// Severity levels for errors.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// ProxyError is the base error type for all proxy errors.
type ProxyError struct {
	Type       ErrorType              `json:"type"`
	Message    string                 `json:"message"`
	Code       string                 `json:"code,omitempty"`
	Cause      error                  `json:"-"`
	Context    map[string]interface{} `json:"context,omitempty"`
	Stack      []string               `json:"stack,omitempty"`
	Severity   Severity               `json:"severity"`
	Retryable  bool                   `json:"retryable"`
	HTTPStatus int                    `json:"http_status,omitempty"`
	Component  string                 `json:"component,omitempty"`
	Operation  string                 `json:"operation,omitempty"`
}

// Error implements the error interface.
func (e *ProxyError) Error() string {
	var b strings.Builder

	if e.Component != "" {
		b.WriteString("[")
		b.WriteString(e.Component)
		b.WriteString("] ")
	}

	if e.Operation != "" {
		b.WriteString(e.Operation)
		b.WriteString(": ")
	}

	b.WriteString(string(e.Type))
	b.WriteString(": ")
	b.WriteString(e.Message)

	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}

	return b.String()
}

// Unwrap returns the underlying cause of the error.
func (e *ProxyError) Unwrap() error {
	return e.Cause
}

// Is implements error matching for errors.Is.
func (e *ProxyError) Is(target error) bool {
	t, ok := target.(*ProxyError)
	if !ok {
		return false
	}

	return e.Type == t.Type && e.Code == t.Code
}

// WithContext adds context information to the error.
func (e *ProxyError) WithContext(key string, value interface{}) *ProxyError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}

	e.Context[key] = value

	return e
}

// WithCode sets a stable machine-readable code on the error.
func (e *ProxyError) WithCode(code string) *ProxyError {
	e.Code = code

	return e
}

// WithOperation sets the operation that caused the error.
func (e *ProxyError) WithOperation(operation string) *ProxyError {
	e.Operation = operation

	return e
}

// WithComponent sets the component that generated the error.
func (e *ProxyError) WithComponent(component string) *ProxyError {
	e.Component = component

	return e
}

// WithHTTPStatus sets the HTTP status code for the error.
func (e *ProxyError) WithHTTPStatus(status int) *ProxyError {
	e.HTTPStatus = status

	return e
}

// AsRetryable marks the error as retryable.
func (e *ProxyError) AsRetryable() *ProxyError {
	e.Retryable = true

	return e
}

// New creates a new ProxyError with stack trace.
func New(errType ErrorType, message string) *ProxyError {
	return &ProxyError{
		Type:      errType,
		Message:   message,
		Stack:     captureStack(stackSkipFrames),
		Severity:  getSeverityForType(errType),
		Retryable: isRetryableType(errType),
	}
}

// Wrap wraps an existing error with additional context. A wrapped
// ProxyError keeps its classification; anything else becomes INTERNAL.
func Wrap(err error, message string) *ProxyError {
	if err == nil {
		return nil
	}

	var pe *ProxyError
	if errors.As(err, &pe) {
		return &ProxyError{
			Type:       pe.Type,
			Message:    message,
			Cause:      pe,
			Context:    pe.Context,
			Stack:      captureStack(stackSkipFrames),
			Severity:   pe.Severity,
			Retryable:  pe.Retryable,
			HTTPStatus: pe.HTTPStatus,
			Component:  pe.Component,
			Operation:  pe.Operation,
		}
	}

	return &ProxyError{
		Type:      TypeInternal,
		Message:   message,
		Cause:     err,
		Stack:     captureStack(stackSkipFrames),
		Severity:  SeverityMedium,
		Retryable: false,
	}
}

// WrapWithType wraps an error with a specific type.
func WrapWithType(err error, errType ErrorType, message string) *ProxyError {
	if err == nil {
		return nil
	}

	return &ProxyError{
		Type:      errType,
		Message:   message,
		Cause:     err,
		Stack:     captureStack(stackSkipFrames),
		Severity:  getSeverityForType(errType),
		Retryable: isRetryableType(errType),
	}
}

// Wrapf wraps an error with formatted message.
func Wrapf(err error, format string, args ...interface{}) *ProxyError {
	if err == nil {
		return nil
	}

	return Wrap(err, fmt.Sprintf(format, args...))
}

// TypeOf returns the classification of an error, or TypeInternal for
// errors that carry none.
func TypeOf(err error) ErrorType {
	var pe *ProxyError
	if errors.As(err, &pe) {
		return pe.Type
	}

	return TypeInternal
}

// IsType checks if an error is of a specific type.
func IsType(err error, errType ErrorType) bool {
	var pe *ProxyError
	if errors.As(err, &pe) {
		return pe.Type == errType
	}

	return false
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	var pe *ProxyError
	if errors.As(err, &pe) {
		return pe.Retryable
	}

	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) {
		return true
	}

	if temp, ok := err.(interface{ Temporary() bool }); ok {
		return temp.Temporary()
	}

	return false
}

const (
	// HTTPStatusClientClosedRequest is the nginx convention for client closed request.
	HTTPStatusClientClosedRequest = 499
)

func getErrorTypeStatusMap() map[ErrorType]int {
	return map[ErrorType]int{
		TypeProtocol:     http.StatusBadRequest,
		TypeSession:      http.StatusNotFound,
		TypeTransport:    http.StatusBadGateway,
		TypeStream:       http.StatusBadGateway,
		TypeTimeout:      http.StatusGatewayTimeout,
		TypeRateLimit:    http.StatusTooManyRequests,
		TypeUnauthorized: http.StatusUnauthorized,
		TypeValidation:   http.StatusBadRequest,
		TypeCanceled:     HTTPStatusClientClosedRequest,
		TypeInternal:     http.StatusInternalServerError,
		TypeFatal:        http.StatusInternalServerError,
	}
}

// GetHTTPStatus returns the appropriate HTTP status code for an error.
func GetHTTPStatus(err error) int {
	var pe *ProxyError
	if errors.As(err, &pe) && pe.HTTPStatus > 0 {
		return pe.HTTPStatus
	}

	statusMap := getErrorTypeStatusMap()
	for errType, status := range statusMap {
		if IsType(err, errType) {
			return status
		}
	}

	return http.StatusInternalServerError
}

// Helper functions.

func captureStack(skip int) []string {
	var stack []string

	for i := skip; i < skip+maxStackDepth; i++ {
		pc, file, line, ok := runtime.Caller(i)
		if !ok {
			break
		}

		fn := runtime.FuncForPC(pc)
		if fn != nil {
			stack = append(stack, fmt.Sprintf("%s:%d %s", file, line, fn.Name()))
		}
	}

	return stack
}

func getSeverityForType(errType ErrorType) Severity {
	switch errType {
	case TypeFatal:
		return SeverityCritical
	case TypeInternal:
		return SeverityHigh
	case TypeTransport, TypeStream, TypeTimeout, TypeUnauthorized:
		return SeverityMedium
	case TypeProtocol, TypeSession, TypeValidation, TypeRateLimit, TypeCanceled:
		return SeverityLow
	default:
		return SeverityMedium
	}
}

func isRetryableType(errType ErrorType) bool {
	switch errType {
	case TypeTransport, TypeStream, TypeTimeout, TypeRateLimit:
		return true
	case TypeProtocol, TypeSession, TypeUnauthorized, TypeValidation, TypeCanceled, TypeInternal, TypeFatal:
		return false
	default:
		return false
	}
}

// Convenience functions for creating common errors.

func NewProtocolError(message string) *ProxyError {
	return New(TypeProtocol, message).WithHTTPStatus(http.StatusBadRequest)
}

func NewSessionError(message string) *ProxyError {
	return New(TypeSession, message).WithHTTPStatus(http.StatusNotFound)
}

func NewTransportError(message string, cause error) *ProxyError {
	if cause != nil {
		return WrapWithType(cause, TypeTransport, message).WithHTTPStatus(http.StatusBadGateway)
	}

	return New(TypeTransport, message).WithHTTPStatus(http.StatusBadGateway)
}

func NewStreamError(message string, cause error) *ProxyError {
	if cause != nil {
		return WrapWithType(cause, TypeStream, message).WithHTTPStatus(http.StatusBadGateway)
	}

	return New(TypeStream, message).WithHTTPStatus(http.StatusBadGateway)
}

func NewTimeoutError(operation string, cause error) *ProxyError {
	if cause != nil {
		return WrapWithType(cause, TypeTimeout, "operation "+operation+" timed out").
			WithHTTPStatus(http.StatusGatewayTimeout).
			WithOperation(operation)
	}

	return New(TypeTimeout, "operation "+operation+" timed out").
		WithHTTPStatus(http.StatusGatewayTimeout).
		WithOperation(operation)
}

func NewRateLimitError(message string) *ProxyError {
	return New(TypeRateLimit, message).WithHTTPStatus(http.StatusTooManyRequests)
}

func NewUnauthorizedError(message string) *ProxyError {
	return New(TypeUnauthorized, message).WithHTTPStatus(http.StatusUnauthorized)
}

func NewValidationError(message string) *ProxyError {
	return New(TypeValidation, message).WithHTTPStatus(http.StatusBadRequest)
}

func NewFatalError(message string, cause error) *ProxyError {
	if cause != nil {
		return WrapWithType(cause, TypeFatal, message).WithHTTPStatus(http.StatusInternalServerError)
	}

	return New(TypeFatal, message).WithHTTPStatus(http.StatusInternalServerError)
}

// Standard sentinel errors.
var (
	ErrSessionNotFound   = NewSessionError("session not found").WithCode("SESSION_NOT_FOUND")
	ErrInvalidTransition = NewSessionError("invalid session state transition").WithCode("INVALID_TRANSITION")
	ErrUnauthorized      = NewUnauthorizedError("unauthorized access").WithCode("UNAUTHORIZED")
	ErrRateLimited       = NewRateLimitError("rate limit exceeded").WithCode("RATE_LIMITED")
)
