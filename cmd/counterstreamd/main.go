// Package main implements the entry point for counterstreamd, the hardware
// counter stream daemon. It brings up a simulated counter device, the
// stream service and the HTTP gateway, and optionally attaches a NATS
// record exporter to every stream opened through the service.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/c360/counterstream/config"
	"github.com/c360/counterstream/export"
	"github.com/c360/counterstream/gateway"
	"github.com/c360/counterstream/hw/sim"
	"github.com/c360/counterstream/metric"
	"github.com/c360/counterstream/service"
	"github.com/c360/counterstream/stream"
)

// Build information constants.
const (
	Version = "0.1.0"
	appName = "counterstreamd"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("Daemon failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cliCfg := parseFlags()

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}

	cfg, err := config.Load(cliCfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Flag overrides beat the config file.
	if cliCfg.LogLevel != "" {
		cfg.Logging.Level = cliCfg.LogLevel
	}
	if cliCfg.LogFormat != "" {
		cfg.Logging.Format = cliCfg.LogFormat
	}

	if cliCfg.Validate {
		fmt.Println("configuration is valid")
		return nil
	}

	logger := setupLogger(cfg.Logging.Level, cfg.Logging.Format)
	slog.SetDefault(logger)

	logger.Info("starting counterstream daemon",
		"generation", cfg.Platform.Generation,
		"listen", cfg.Gateway.Listen,
		"config_path", cliCfg.ConfigPath)

	svc, err := buildService(cfg, logger)
	if err != nil {
		return err
	}
	svc.Register(gateway.New(cfg.Gateway, svc, logger))

	return runWithSignalHandling(svc, cliCfg)
}

// buildService constructs the device, metrics registry and stream service,
// wiring the NATS exporter when one is configured.
func buildService(cfg *config.Config, logger *slog.Logger) (*service.Service, error) {
	devOpts := []sim.Option{sim.WithGeneration(cfg.Platform.Generation)}
	if cfg.Platform.SampleBase > 0 {
		devOpts = append(devOpts, sim.WithAutoSample(cfg.Platform.SampleBase))
	}
	dev := sim.New(devOpts...)

	metricsRegistry, err := metric.NewMetricsRegistry()
	if err != nil {
		return nil, fmt.Errorf("create metrics registry: %w", err)
	}

	svc := service.New(*cfg, dev, metricsRegistry, logger)

	if cfg.NATS.URL != "" {
		logger.Info("record export enabled",
			"url", cfg.NATS.URL, "subject", cfg.NATS.Subject)
		svc.SetExportFactory(func(st *stream.Stream) (service.LifecycleComponent, error) {
			return export.New(export.ConstructorConfig{
				Name:           fmt.Sprintf("export-%d", st.ID()),
				URL:            cfg.NATS.URL,
				Subject:        cfg.NATS.Subject,
				Stream:         st,
				PublishRetries: cfg.NATS.PublishRetries,
				Logger:         logger,
				Metrics:        metricsRegistry,
			})
		})
	}

	return svc, nil
}

// runWithSignalHandling starts the service and blocks until SIGINT or
// SIGTERM, then shuts down within the configured timeout.
func runWithSignalHandling(svc *service.Service, cliCfg *CLIConfig) error {
	signalCtx, signalCancel := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	if err := svc.Start(signalCtx); err != nil {
		return fmt.Errorf("start service: %w", err)
	}
	slog.Info("counterstream daemon started")

	<-signalCtx.Done()
	slog.Info("received shutdown signal")

	if err := svc.Stop(cliCfg.ShutdownTimeout); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}

	slog.Info("counterstream daemon shutdown complete")
	return nil
}
