// Package config defines configuration structures for the MCP proxy.
package config

import (
	"time"
)

// Config represents the complete configuration for the MCP proxy.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Upstream  UpstreamConfig  `mapstructure:"upstream"`
	Sessions  SessionConfig   `mapstructure:"sessions"`
	Pool      PoolConfig      `mapstructure:"pool"`
	Router    RouterConfig    `mapstructure:"router"`
	Relay     RelayConfig     `mapstructure:"relay"`
	Auth      AuthConfig      `mapstructure:"auth"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Recording RecordingConfig `mapstructure:"recording"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
}

// ServerConfig represents the client-facing HTTP server configuration.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	MetricsPort  int           `mapstructure:"metrics_port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	MaxBodyBytes int64         `mapstructure:"max_body_bytes"`
	// StreamKeepAlive is the interval between comment keepalives on quiet
	// event streams, so intermediaries do not cut the connection.
	StreamKeepAlive time.Duration `mapstructure:"stream_keepalive"`
}

// UpstreamConfig describes the single upstream MCP server behind the proxy.
type UpstreamConfig struct {
	Name      string            `mapstructure:"name"`
	Transport string            `mapstructure:"transport"` // "stdio", "http"
	Stdio     StdioConfig       `mapstructure:"stdio"`
	HTTP      HTTPConfig        `mapstructure:"http"`
	Headers   map[string]string `mapstructure:"headers"`

	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// StdioConfig describes a subprocess upstream.
type StdioConfig struct {
	Command     string            `mapstructure:"command"`
	Args        []string          `mapstructure:"args"`
	WorkingDir  string            `mapstructure:"working_dir"`
	Env         map[string]string `mapstructure:"env"`
	MaxRestarts int               `mapstructure:"max_restarts"`
}

// HTTPConfig describes an HTTP upstream.
type HTTPConfig struct {
	URL                string `mapstructure:"url"`
	InsecureSkipVerify bool   `mapstructure:"insecure_skip_verify"`
}

// SessionConfig controls the session store.
type SessionConfig struct {
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
	MaxSessions     int           `mapstructure:"max_sessions"`
}

// PoolConfig controls the upstream connection pool.
type PoolConfig struct {
	MinSize             int           `mapstructure:"min_size"`
	MaxSize             int           `mapstructure:"max_size"`
	AcquireTimeout      time.Duration `mapstructure:"acquire_timeout"`
	MaxIdleTime         time.Duration `mapstructure:"max_idle_time"`
	MaxLifetime         time.Duration `mapstructure:"max_lifetime"`
	HealthCheckInterval time.Duration `mapstructure:"health_check_interval"`
}

// RouterConfig controls transport routing and bounded retry.
type RouterConfig struct {
	Retry          RetryConfig          `mapstructure:"retry"`
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
}

// RetryConfig controls the router's bounded retry of transport failures.
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	JitterRatio float64       `mapstructure:"jitter_ratio"`
}

// CircuitBreakerConfig controls the per-upstream breaker.
type CircuitBreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	SuccessThreshold int           `mapstructure:"success_threshold"`
	Timeout          time.Duration `mapstructure:"timeout"`
}

// RelayConfig controls SSE stream relaying and reconnection.
type RelayConfig struct {
	BaseDelay       time.Duration `mapstructure:"base_delay"`
	MaxDelay        time.Duration `mapstructure:"max_delay"`
	MaxAttempts     int           `mapstructure:"max_attempts"`
	JitterRatio     float64       `mapstructure:"jitter_ratio"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	SeenIDsCapacity int           `mapstructure:"seen_ids_capacity"`
}

// AuthConfig represents the authentication configuration.
type AuthConfig struct {
	Provider string    `mapstructure:"provider"` // "none", "jwt"
	JWT      JWTConfig `mapstructure:"jwt"`
}

// JWTConfig represents JWT authentication configuration.
type JWTConfig struct {
	SecretKeyEnv  string `mapstructure:"secret_key_env"`
	PublicKeyPath string `mapstructure:"public_key_path"`
	Issuer        string `mapstructure:"issuer"`
	Audience      string `mapstructure:"audience"`
}

// RateLimitConfig represents rate limiting configuration.
type RateLimitConfig struct {
	Enabled           bool        `mapstructure:"enabled"`
	Provider          string      `mapstructure:"provider"` // "memory", "redis"
	RequestsPerMinute int         `mapstructure:"requests_per_minute"`
	Burst             int         `mapstructure:"burst"`
	Redis             RedisConfig `mapstructure:"redis"`
}

// RecordingConfig represents the recording collaborator configuration.
type RecordingConfig struct {
	Enabled      bool        `mapstructure:"enabled"`
	Provider     string      `mapstructure:"provider"` // "redis"
	KeyPrefix    string      `mapstructure:"key_prefix"`
	StreamMaxLen int64       `mapstructure:"stream_max_len"`
	Redis        RedisConfig `mapstructure:"redis"`
}

// RedisConfig represents a Redis connection configuration.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// MetricsConfig represents metrics configuration.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// LoggingConfig represents logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// TracingConfig represents distributed tracing configuration.
type TracingConfig struct {
	Enabled        bool    `mapstructure:"enabled"`
	Exporter       string  `mapstructure:"exporter"` // "otlp", "stdout"
	Endpoint       string  `mapstructure:"endpoint"`
	ServiceName    string  `mapstructure:"service_name"`
	ServiceVersion string  `mapstructure:"service_version"`
	Environment    string  `mapstructure:"environment"`
	SampleRate     float64 `mapstructure:"sample_rate"`
}
