package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/actual-software/mcp-proxy/internal/auth"
	"github.com/actual-software/mcp-proxy/internal/config"
	"github.com/actual-software/mcp-proxy/internal/intercept"
	"github.com/actual-software/mcp-proxy/internal/metrics"
	"github.com/actual-software/mcp-proxy/internal/pipeline"
	"github.com/actual-software/mcp-proxy/internal/pool"
	"github.com/actual-software/mcp-proxy/internal/ratelimit"
	"github.com/actual-software/mcp-proxy/internal/recorder"
	"github.com/actual-software/mcp-proxy/internal/server"
	"github.com/actual-software/mcp-proxy/internal/session"
	"github.com/actual-software/mcp-proxy/internal/tracing"
	"github.com/actual-software/mcp-proxy/internal/upstream"
	"github.com/actual-software/mcp-proxy/internal/version"
)

const defaultTimeoutSeconds = 30

var (
	Version   = "v1.0.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// VersionRequestedError is returned when the version flag is set.
type VersionRequestedError struct{}

func (e VersionRequestedError) Error() string {
	return "version requested"
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "mcp-proxy",
		Short: "MCP Proxy - protocol-aware reverse proxy for MCP servers",
		Long: `MCP Proxy terminates MCP JSON-RPC over HTTP and SSE, tracks per-client
session state, negotiates protocol versions, and routes each message to an
upstream MCP server over a pooled subprocess or HTTP connection.`,
		RunE: run,
	}

	rootCmd.Flags().StringP("config", "c", "/etc/mcp-proxy/proxy.yaml", "Path to configuration file")
	rootCmd.Flags().BoolP("version", "v", false, "Show version information")
	rootCmd.Flags().String("log-level", "info", "Log level (debug, info, warn, error)")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	if err := handleVersionFlag(cmd); err != nil {
		var errVersionRequested VersionRequestedError
		if errors.As(err, &errVersionRequested) {
			return nil
		}

		return err
	}

	logger, err := setupLogger(cmd)
	if err != nil {
		return err
	}
	defer syncLogger(logger)

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	components, err := initializeComponents(cfg, logger)
	if err != nil {
		return err
	}

	servers, err := startServers(cfg, components, logger)
	if err != nil {
		return err
	}

	return waitForShutdownAndCleanup(servers, components, logger)
}

// Components holds the wired collaborators in dependency order; shutdown
// walks them in reverse.
type Components struct {
	Store    *session.Store
	Auth     auth.Provider
	Limiter  ratelimit.Limiter
	Recorder recorder.Recorder
	Router   *upstream.Router
	Pipeline *pipeline.Pipeline
	Tracer   *tracing.Tracer
	Metrics  *metrics.Registry
}

type Servers struct {
	Proxy   *server.Server
	Metrics *http.Server
}

func handleVersionFlag(cmd *cobra.Command) error {
	showVersion, err := cmd.Flags().GetBool("version")
	if err != nil {
		return fmt.Errorf("failed to get version flag: %w", err)
	}

	if showVersion {
		fmt.Printf("MCP Proxy\n")
		fmt.Printf("Version: %s\n", Version)
		fmt.Printf("Build Time: %s\n", BuildTime)
		fmt.Printf("Git Commit: %s\n", GitCommit)
		fmt.Printf("Protocol Versions: %v\n", version.Supported())

		return VersionRequestedError{}
	}

	return nil
}

func setupLogger(cmd *cobra.Command) (*zap.Logger, error) {
	logLevel, err := cmd.Flags().GetString("log-level")
	if err != nil {
		return nil, fmt.Errorf("failed to get log-level flag: %w", err)
	}

	logger, err := initLogger(logLevel)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	return logger, nil
}

func syncLogger(logger *zap.Logger) {
	if syncErr := logger.Sync(); syncErr != nil {
		// Sync on stderr/stdout fails inside containers; nothing to do.
		if syncErr.Error() != "sync /dev/stderr: invalid argument" &&
			syncErr.Error() != "sync /dev/stdout: invalid argument" {
			fmt.Fprintf(os.Stderr, "Failed to sync logger: %v\n", syncErr)
		}
	}
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, fmt.Errorf("failed to get config flag: %w", err)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	return cfg, nil
}

func initializeComponents(cfg *config.Config, logger *zap.Logger) (*Components, error) {
	logger.Info("Initializing proxy components",
		zap.String("upstream", cfg.Upstream.Name),
		zap.String("transport", cfg.Upstream.Transport),
	)

	metricsRegistry := metrics.InitializeRegistry()

	tracer, err := tracing.Init(cfg.Tracing, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}

	store := session.CreateStore(cfg.Sessions, logger, metricsRegistry)

	factory, err := upstream.NewFactory(cfg.Upstream, logger, tracer)
	if err != nil {
		return nil, fmt.Errorf("failed to create transport factory: %w", err)
	}

	connPool := pool.New(cfg.Upstream.Name, cfg.Pool, factory, logger, metricsRegistry)
	router := upstream.NewRouter(cfg.Upstream, cfg.Router, connPool, logger, metricsRegistry)

	authProvider, err := auth.InitializeProvider(cfg.Auth, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create auth provider: %w", err)
	}

	limiter, err := ratelimit.InitializeLimiter(cfg.RateLimit, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create rate limiter: %w", err)
	}

	rec, err := recorder.InitializeRecorder(cfg.Recording, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create recorder: %w", err)
	}

	pl := pipeline.New(pipeline.Deps{
		Config:     *cfg,
		Store:      store,
		Negotiator: version.NewNegotiator(logger, metricsRegistry),
		Router:     router,
		Hooks:      intercept.NewChain(),
		Pauses:     intercept.NewRegistry(logger),
		Auth:       authProvider,
		Limiter:    limiter,
		Recorder:   rec,
		Metrics:    metricsRegistry,
		Tracer:     tracer,
		Logger:     logger,
	})

	return &Components{
		Store:    store,
		Auth:     authProvider,
		Limiter:  limiter,
		Recorder: rec,
		Router:   router,
		Pipeline: pl,
		Tracer:   tracer,
		Metrics:  metricsRegistry,
	}, nil
}

func startServers(cfg *config.Config, components *Components, logger *zap.Logger) (*Servers, error) {
	proxyServer := server.New(
		cfg.Server,
		components.Pipeline,
		components.Store,
		components.Metrics,
		components.Tracer,
		logger,
	)

	logger.Info("Starting MCP Proxy",
		zap.String("version", Version),
		zap.Int("port", cfg.Server.Port),
	)

	if err := proxyServer.Start(); err != nil {
		return nil, fmt.Errorf("failed to start server: %w", err)
	}

	var metricsServer *http.Server

	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, components.Metrics.Handler())

		metricsServer = &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Server.MetricsPort),
			Handler:           mux,
			ReadHeaderTimeout: defaultTimeoutSeconds * time.Second,
		}

		go func() {
			logger.Info("Starting metrics server", zap.Int("port", cfg.Server.MetricsPort))

			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("Metrics server error", zap.Error(err))
			}
		}()
	}

	return &Servers{Proxy: proxyServer, Metrics: metricsServer}, nil
}

func waitForShutdownAndCleanup(servers *Servers, components *Components, logger *zap.Logger) error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	<-sigChan
	logger.Info("Received shutdown signal")

	return performGracefulShutdown(servers, components, logger)
}

func performGracefulShutdown(servers *Servers, components *Components, logger *zap.Logger) error {
	logger.Info("Starting graceful shutdown")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultTimeoutSeconds*time.Second)
	defer cancel()

	if err := servers.Proxy.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error shutting down server", zap.Error(err))
	}

	if servers.Metrics != nil {
		if err := servers.Metrics.Shutdown(shutdownCtx); err != nil {
			logger.Error("Error shutting down metrics server", zap.Error(err))
		}
	}

	if err := components.Router.Close(); err != nil {
		logger.Error("Error closing upstream router", zap.Error(err))
	}

	if err := components.Store.Close(); err != nil {
		logger.Error("Error closing session store", zap.Error(err))
	}

	if err := components.Recorder.Close(); err != nil {
		logger.Error("Error closing recorder", zap.Error(err))
	}

	if closer, ok := components.Limiter.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			logger.Error("Error closing rate limiter", zap.Error(err))
		}
	}

	if err := components.Tracer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error shutting down tracer", zap.Error(err))
	}

	logger.Info("MCP Proxy shutdown complete")

	return nil
}

func initLogger(level string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	config := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Development:      false,
		Encoding:         "json",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}

	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	config.EncoderConfig.StacktraceKey = ""

	logger, err := config.Build()
	if err != nil {
		return nil, err
	}

	return logger.With(zap.String("service", "mcp-proxy")), nil
}
