package logging

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"go.uber.org/zap"
)

// contextKey is a private type for context keys to avoid collisions.
type contextKey string

const (
	requestIDKey contextKey = "request_id"

	// requestIDBytes is the size of request ID in bytes.
	requestIDBytes = 8
)

// GenerateRequestID generates a new request correlation ID.
func GenerateRequestID() string {
	bytes := make([]byte, requestIDBytes)
	if _, err := rand.Read(bytes); err != nil {
		// This should never happen with crypto/rand, but handle gracefully
		return fmt.Sprintf("req_fallback_%d", len(bytes))
	}

	return hex.EncodeToString(bytes)
}

// WithRequestID adds a request ID to the context, minting one if absent.
func WithRequestID(ctx context.Context) context.Context {
	if RequestIDFrom(ctx) != "" {
		return ctx
	}

	return context.WithValue(ctx, requestIDKey, GenerateRequestID())
}

// RequestIDFrom retrieves the request ID from context.
func RequestIDFrom(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}

	return ""
}

// ContextFields extracts correlation fields from a context for logging.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 1)

	if id := RequestIDFrom(ctx); id != "" {
		fields = append(fields, zap.String(FieldRequestID, id))
	}

	return fields
}
