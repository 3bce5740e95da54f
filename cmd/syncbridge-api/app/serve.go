package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/trackdock/syncbridge/internal/app"
	"github.com/trackdock/syncbridge/internal/config"
	"github.com/trackdock/syncbridge/internal/telemetry"
	"github.com/trackdock/syncbridge/internal/versions"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the sync bridge server",
	Long: `Start the sync bridge server that receives signed webhooks from the
configured platforms and mirrors entity changes to their counterparts.

The server requires a configuration file (--config) that specifies:
- Platform endpoints, webhook secrets, and API tokens
- Conflict policy and default source of truth
- Retry, lock lease, worker pool, and dead-letter sweep settings
- Database connection parameters (omit for in-memory state)

See examples/ directory for sample configurations.`,
	RunE: runServe,
}

// defaultGracefulTimeout leaves room for in-flight applies to finish
// before the process exits.
const defaultGracefulTimeout = 30 * time.Second

func init() {
	serveCmd.Flags().String("address", ":8080", "Address to listen on")
	serveCmd.Flags().String("config", "", "Path to configuration file (YAML format, required)")
	serveCmd.Flags().Bool("metrics", false, "Enable Prometheus metrics on /metrics")

	if err := viper.BindPFlag("address", serveCmd.Flags().Lookup("address")); err != nil {
		slog.Error("Failed to bind address flag", "error", err)
		os.Exit(1)
	}
	if err := viper.BindPFlag("config", serveCmd.Flags().Lookup("config")); err != nil {
		slog.Error("Failed to bind config flag", "error", err)
		os.Exit(1)
	}
	if err := viper.BindPFlag("metrics", serveCmd.Flags().Lookup("metrics")); err != nil {
		slog.Error("Failed to bind metrics flag", "error", err)
		os.Exit(1)
	}

	if err := serveCmd.MarkFlagRequired("config"); err != nil {
		slog.Error("Failed to mark config flag as required", "error", err)
		os.Exit(1)
	}
}

func runServe(_ *cobra.Command, _ []string) error {
	ctx := context.Background()
	address := viper.GetString("address")

	slog.Info("Starting sync bridge server", "address", address)

	configPath := viper.GetString("config")
	cfg, err := config.LoadConfig(config.WithConfigPath(configPath))
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	slog.Info("Loaded configuration",
		"path", configPath,
		"bridge", cfg.GetBridgeName(),
		"policy", cfg.GetPolicy())

	// Set up metrics when requested
	tel, err := telemetry.New(ctx, telemetry.WithTelemetryConfig(&telemetry.Config{
		Enabled:        viper.GetBool("metrics"),
		ServiceVersion: versions.GetVersionInfo().Version,
	}))
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			slog.Error("Failed to shut down telemetry", "error", err)
		}
	}()

	opts := []app.BridgeAppOptions{
		app.WithConfig(cfg),
		app.WithAddress(address),
	}
	if viper.GetBool("metrics") {
		opts = append(opts,
			app.WithMeterProvider(tel.MeterProvider()),
			app.WithMetricsHandler(tel.PrometheusHandler()),
		)
	}

	bridge, err := app.NewBridgeApp(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to build application: %w", err)
	}

	// Start server in goroutine
	errCh := make(chan error, 1)
	go func() {
		errCh <- bridge.Start()
	}()

	// Wait for interrupt signal or server failure
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case sig := <-quit:
		slog.Info("Received signal, shutting down", "signal", sig.String())
	}

	return bridge.Stop(defaultGracefulTimeout)
}
