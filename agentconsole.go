// Package agentconsole runs conversations with interactive command line
// programs, fires scheduled messages into them and nudges the program when
// a scheduled run stalls without invoking a tool.
package agentconsole

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/aixgo-dev/agentconsole/internal/logging"
	tracing "github.com/aixgo-dev/agentconsole/internal/observability"
	"github.com/aixgo-dev/agentconsole/pkg/config"
	"github.com/aixgo-dev/agentconsole/pkg/observability"
)

// Version is set at build time.
var Version = "dev"

// shutdownTimeout bounds the graceful shutdown after a signal.
const shutdownTimeout = 15 * time.Second

// ConfigLoader loads configuration through a FileReader.
type ConfigLoader struct {
	fileReader config.FileReader
}

// NewConfigLoader creates a config loader.
func NewConfigLoader(fr config.FileReader) *ConfigLoader {
	return &ConfigLoader{fileReader: fr}
}

// LoadConfig loads, overrides from the environment and validates a config file.
func (cl *ConfigLoader) LoadConfig(configPath string) (*config.Config, error) {
	return config.LoadFrom(cl.fileReader, configPath)
}

// Run starts the console from a config file and blocks until SIGINT or SIGTERM.
func Run(configPath string) error {
	cfg, err := NewConfigLoader(config.OSFileReader{}).LoadConfig(configPath)
	if err != nil {
		return err
	}
	return RunWithConfig(cfg)
}

// RunWithConfig starts the console with the provided config and blocks
// until SIGINT or SIGTERM.
func RunWithConfig(cfg *config.Config, opts ...ConsoleOption) error {
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return Serve(ctx, cfg, logger, opts...)
}

// Serve runs the console, the tracing provider and the metrics server until
// ctx is done, then shuts everything down.
func Serve(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts ...ConsoleOption) error {
	tcfg := tracing.ApplyEnv(tracing.Config{
		ServiceName:  cfg.Observability.Tracing.ServiceName,
		Enabled:      cfg.Observability.Tracing.Enabled,
		ExporterType: cfg.Observability.Tracing.Exporter,
		OTLPEndpoint: cfg.Observability.Tracing.Endpoint,
	})
	if err := tracing.Init(tcfg, logger.Named("tracing")); err != nil {
		logger.Warn("tracing disabled", zap.Error(err))
	}

	console, err := NewConsole(cfg, append([]ConsoleOption{WithLogger(logger)}, opts...)...)
	if err != nil {
		return err
	}

	var server *observability.Server
	if cfg.Observability.MetricsEnabled {
		observability.InitMetrics()
		health := observability.NewHealthChecker(Version)
		for _, check := range console.HealthChecks() {
			health.RegisterCheck(check)
		}
		server = observability.NewServer(":"+strconv.Itoa(cfg.Observability.MetricsPort), health)
		go func() {
			if err := server.Start(); err != nil {
				logger.Error("observability server failed", zap.Error(err))
			}
		}()
		logger.Info("observability server listening", zap.Int("port", cfg.Observability.MetricsPort))
	}

	logger.Info("console started",
		zap.String("version", Version),
		zap.String("peer", cfg.Peer.Command),
		zap.Int("initial_tasks", len(cfg.Tasks)))

	runErr := console.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	errs := []error{runErr, console.Shutdown(shutdownCtx)}
	if server != nil {
		errs = append(errs, server.Shutdown(shutdownCtx))
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown tracing: %w", err))
	}
	logger.Info("console stopped")
	return errors.Join(errs...)
}
