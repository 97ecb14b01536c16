package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
)

const (
	defaultPort        = 8080
	defaultMetricsPort = 9090

	// TransportStdio routes messages to a subprocess upstream.
	TransportStdio = "stdio"
	// TransportHTTP routes messages to an HTTP upstream.
	TransportHTTP = "http"

	// AuthProviderNone disables authentication.
	AuthProviderNone = "none"
	// AuthProviderJWT enables JWT bearer authentication.
	AuthProviderJWT = "jwt"
)

// Load loads configuration from file with environment overrides.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigFile(configPath)

	v.SetEnvPrefix("MCP_PROXY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

func setServerDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", defaultPort)
	v.SetDefault("server.metrics_port", defaultMetricsPort)
	v.SetDefault("server.read_timeout", "30s")
	// Zero: a write deadline would sever long-lived event streams.
	v.SetDefault("server.write_timeout", "0s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.max_body_bytes", 4*1024*1024)
	v.SetDefault("server.stream_keepalive", "30s")
}

func setUpstreamDefaults(v *viper.Viper) {
	v.SetDefault("upstream.name", "default")
	v.SetDefault("upstream.transport", TransportStdio)
	v.SetDefault("upstream.connect_timeout", "10s")
	v.SetDefault("upstream.request_timeout", "30s")
	v.SetDefault("upstream.stdio.max_restarts", 3)

	v.SetDefault("pool.min_size", 0)
	v.SetDefault("pool.max_size", 10)
	v.SetDefault("pool.acquire_timeout", "5s")
	v.SetDefault("pool.max_idle_time", "300s")
	v.SetDefault("pool.max_lifetime", "3600s")
	v.SetDefault("pool.health_check_interval", "30s")

	v.SetDefault("router.retry.max_attempts", 3)
	v.SetDefault("router.retry.base_delay", "100ms")
	v.SetDefault("router.retry.max_delay", "2s")
	v.SetDefault("router.retry.jitter_ratio", 0.1)
	v.SetDefault("router.circuit_breaker.failure_threshold", 5)
	v.SetDefault("router.circuit_breaker.success_threshold", 2)
	v.SetDefault("router.circuit_breaker.timeout", "30s")

	v.SetDefault("relay.base_delay", "500ms")
	v.SetDefault("relay.max_delay", "30s")
	v.SetDefault("relay.max_attempts", 5)
	v.SetDefault("relay.jitter_ratio", 0.25)
	v.SetDefault("relay.idle_timeout", "90s")
	v.SetDefault("relay.seen_ids_capacity", 256)
}

func setOperationalDefaults(v *viper.Viper) {
	v.SetDefault("sessions.idle_timeout", "30m")
	v.SetDefault("sessions.cleanup_interval", "1m")
	v.SetDefault("sessions.max_sessions", 10000)

	v.SetDefault("auth.provider", AuthProviderNone)
	v.SetDefault("auth.jwt.issuer", "mcp-proxy")
	v.SetDefault("auth.jwt.audience", "mcp-proxy")

	v.SetDefault("rate_limit.enabled", false)
	v.SetDefault("rate_limit.provider", "memory")
	v.SetDefault("rate_limit.requests_per_minute", 600)
	v.SetDefault("rate_limit.burst", 100)

	v.SetDefault("recording.enabled", false)
	v.SetDefault("recording.provider", "redis")
	v.SetDefault("recording.key_prefix", "tape:")
	v.SetDefault("recording.stream_max_len", 10000)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.exporter", "stdout")
	v.SetDefault("tracing.service_name", "mcp-proxy")
	v.SetDefault("tracing.sample_rate", 1.0)
}

func setDefaults(v *viper.Viper) {
	setServerDefaults(v)
	setUpstreamDefaults(v)
	setOperationalDefaults(v)
}

// Validate checks a configuration for inconsistencies.
func Validate(cfg *Config) error {
	if err := validatePort(cfg.Server.Port); err != nil {
		return err
	}

	if err := validateUpstream(&cfg.Upstream); err != nil {
		return err
	}

	if err := validatePool(&cfg.Pool); err != nil {
		return err
	}

	if err := validateRelay(&cfg.Relay); err != nil {
		return err
	}

	if err := validateLogging(&cfg.Logging); err != nil {
		return err
	}

	return validateAuthProvider(cfg.Auth.Provider)
}

func validatePort(port int) error {
	if port <= 0 || port > 65535 {
		return fmt.Errorf("invalid server port: %d", port)
	}

	return nil
}

func validateUpstream(upstream *UpstreamConfig) error {
	switch upstream.Transport {
	case TransportStdio:
		if upstream.Stdio.Command == "" {
			return errors.New("upstream.stdio.command is required for stdio transport")
		}
	case TransportHTTP:
		if upstream.HTTP.URL == "" {
			return errors.New("upstream.http.url is required for http transport")
		}
	default:
		return fmt.Errorf("unsupported upstream transport: %s", upstream.Transport)
	}

	return nil
}

func validatePool(pool *PoolConfig) error {
	if pool.MaxSize <= 0 {
		return errors.New("pool.max_size must be positive")
	}

	if pool.MinSize < 0 || pool.MinSize > pool.MaxSize {
		return fmt.Errorf("pool.min_size %d out of range [0, %d]", pool.MinSize, pool.MaxSize)
	}

	if pool.AcquireTimeout <= 0 {
		return errors.New("pool.acquire_timeout must be positive")
	}

	return nil
}

func validateRelay(relay *RelayConfig) error {
	if relay.MaxAttempts <= 0 {
		return errors.New("relay.max_attempts must be positive")
	}

	if relay.JitterRatio < 0 || relay.JitterRatio > 1 {
		return fmt.Errorf("relay.jitter_ratio %f out of range [0, 1]", relay.JitterRatio)
	}

	if relay.SeenIDsCapacity <= 0 {
		return errors.New("relay.seen_ids_capacity must be positive")
	}

	return nil
}

func validateLogging(logging *LoggingConfig) error {
	if logging.Level != "" {
		var level zapcore.Level
		if err := level.UnmarshalText([]byte(logging.Level)); err != nil {
			return fmt.Errorf("invalid logging.level: %s", logging.Level)
		}
	}

	if logging.Format != "" && logging.Format != "json" && logging.Format != "console" {
		return fmt.Errorf("invalid logging.format: %s, must be json or console", logging.Format)
	}

	return nil
}

func validateAuthProvider(provider string) error {
	if provider != "" && provider != AuthProviderNone && provider != AuthProviderJWT {
		return fmt.Errorf("unsupported auth provider: %s", provider)
	}

	return nil
}
