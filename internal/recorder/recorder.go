// Package recorder persists proxied messages to a per-session tape for
// later inspection or replay. Recording is best-effort: the pipeline logs
// failures and keeps processing, so a broken sink never blocks traffic.
package recorder

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/actual-software/mcp-proxy/internal/config"
	"github.com/actual-software/mcp-proxy/internal/errors"
)

// Message directions relative to the proxy.
const (
	DirectionInbound  = "inbound"  // client to upstream
	DirectionOutbound = "outbound" // upstream to client
)

// ProviderRedis selects the Redis stream sink.
const ProviderRedis = "redis"

const (
	defaultKeyPrefix    = "tape:"
	defaultStreamMaxLen = 1024
)

// Recorder appends (session, direction, message) triples to a tape.
type Recorder interface {
	Record(ctx context.Context, sessionID, direction string, message interface{}) error
	Close() error
}

// InitializeRecorder creates the recorder selected by configuration.
func InitializeRecorder(cfg config.RecordingConfig, logger *zap.Logger) (Recorder, error) {
	if !cfg.Enabled {
		return &NopRecorder{}, nil
	}

	switch cfg.Provider {
	case "", ProviderRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})

		logger.Info("Initializing Redis recorder",
			zap.String("addr", cfg.Redis.Addr),
			zap.Int64("stream_max_len", cfg.StreamMaxLen))

		return CreateRedisRecorder(client, cfg, logger), nil
	default:
		return nil, errors.NewValidationError(
			fmt.Sprintf("unknown recording provider: %s", cfg.Provider)).
			WithComponent("recorder")
	}
}

// NopRecorder discards everything. Used when recording is disabled.
type NopRecorder struct{}

func (NopRecorder) Record(context.Context, string, string, interface{}) error { return nil }

func (NopRecorder) Close() error { return nil }

// RedisRecorder appends each message to a capped Redis stream keyed by
// session id. Streams are trimmed approximately so the append cost stays
// constant per entry.
type RedisRecorder struct {
	client    *redis.Client
	keyPrefix string
	maxLen    int64
	logger    *zap.Logger
}

// CreateRedisRecorder wraps an existing Redis client as a recording sink.
func CreateRedisRecorder(client *redis.Client, cfg config.RecordingConfig, logger *zap.Logger) *RedisRecorder {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = defaultKeyPrefix
	}

	maxLen := cfg.StreamMaxLen
	if maxLen <= 0 {
		maxLen = defaultStreamMaxLen
	}

	return &RedisRecorder{
		client:    client,
		keyPrefix: prefix,
		maxLen:    maxLen,
		logger:    logger.With(zap.String("component", "recorder")),
	}
}

// Record appends one message to the session tape.
func (r *RedisRecorder) Record(ctx context.Context, sessionID, direction string, message interface{}) error {
	payload, err := json.Marshal(message)
	if err != nil {
		return errors.Wrap(err, "failed to marshal recorded message").
			WithComponent("recorder")
	}

	err = r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.keyPrefix + sessionID,
		MaxLen: r.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"direction": direction,
			"payload":   payload,
		},
	}).Err()
	if err != nil {
		return errors.Wrap(err, "failed to append to session tape").
			WithComponent("recorder").
			WithContext("session_id", sessionID)
	}

	return nil
}

// Close releases the underlying Redis connection.
func (r *RedisRecorder) Close() error {
	return r.client.Close()
}
