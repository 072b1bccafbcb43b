package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ruokun-niu/drasi-server/api"
	"github.com/ruokun-niu/drasi-server/componentregistry"
	"github.com/ruokun-niu/drasi-server/config"
	"github.com/ruokun-niu/drasi-server/engine"
	"github.com/ruokun-niu/drasi-server/metric"
	"github.com/ruokun-niu/drasi-server/persistence"
)

// shutdownTimeout bounds graceful shutdown of the API and the components.
const shutdownTimeout = 30 * time.Second

func newServeCommand() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cmd.SilenceUsage = true
			os.Exit(serve(configPath))
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "server.yaml", "configuration file")
	return cmd
}

func newValidateCommand() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a configuration file and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cmd.SilenceUsage = true
			if code := validateOnly(configPath); code != exitOK {
				os.Exit(code)
			}
			fmt.Println("Configuration is valid")
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "server.yaml", "configuration file")
	return cmd
}

func loadConfig(configPath string) (*config.Config, error) {
	if _, err := os.Stat(configPath); err != nil {
		// No config file: run with an empty, in-memory model.
		cfg := &config.Config{}
		cfg.ApplyDefaults()
		return cfg, nil
	}
	return config.Load(configPath)
}

func validateOnly(configPath string) int {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitConfigError
	}
	factories, err := componentregistry.NewRegistry()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitRuntime
	}
	if err := cfg.Validate(factories); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitConfigError
	}
	return exitOK
}

func serve(configPath string) int {
	cfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitConfigError
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	factories, err := componentregistry.NewRegistry()
	if err != nil {
		logger.Error("Connector registration failed", "error", err)
		return exitRuntime
	}
	if err := cfg.Validate(factories); err != nil {
		logger.Error("Configuration invalid", "error", err)
		return exitConfigError
	}

	gate := persistence.ComputeGate(configPath, cfg.DisablePersistence)
	store := persistence.NewStore(configPath, gate, logger)
	logger.Info("Persistence gate computed",
		"read_only", gate.ReadOnly, "persistence_enabled", gate.PersistenceEnabled)

	metrics := metric.NewMetricsRegistry()
	eng, err := engine.New(engine.Options{
		Config:    cfg,
		Factories: factories,
		Logger:    logger,
		Metrics:   metrics,
		Persist:   store,
	})
	if err != nil {
		logger.Error("Engine construction failed", "error", err)
		return exitConfigError
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := eng.Start(ctx); err != nil {
		logger.Error("Engine start failed", "error", err)
		return exitRuntime
	}

	server := api.NewServer(api.Options{
		Host:      cfg.Host,
		Port:      cfg.Port,
		Engine:    eng,
		Logger:    logger,
		Metrics:   metrics,
		RateLimit: 100,
	})

	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Start(ctx) }()

	interrupted := false
	select {
	case <-ctx.Done():
		interrupted = true
		logger.Info("Shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			logger.Error("API server failed", "error", err)
			eng.Stop()
			return exitRuntime
		}
	}

	if err := server.Shutdown(shutdownTimeout); err != nil {
		logger.Warn("API shutdown incomplete", "error", err)
	}
	eng.Stop()
	logger.Info("Shutdown complete")

	if interrupted {
		return exitInterrupt
	}
	return exitOK
}

// newLogger builds the process logger at the configured level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "trace", "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
