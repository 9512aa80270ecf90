package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/zgpcy/llm-cost-exporter/internal/collector"
	"github.com/zgpcy/llm-cost-exporter/internal/config"
	"github.com/zgpcy/llm-cost-exporter/internal/credentials"
	"github.com/zgpcy/llm-cost-exporter/internal/logger"
	"github.com/zgpcy/llm-cost-exporter/internal/scheduler"
	"github.com/zgpcy/llm-cost-exporter/internal/server"
	"github.com/zgpcy/llm-cost-exporter/internal/version"
)

const (
	// DefaultShutdownTimeout is the maximum time to wait for graceful shutdown
	DefaultShutdownTimeout = 30 * time.Second
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Poll the configured providers and serve /metrics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to config file")
	return cmd
}

func serve(configPath string) error {
	processStart := time.Now()

	// Load configuration first (need log level from config)
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Initialize structured logger
	log := logger.NewWithFormat(cfg.LogLevel, cfg.LogFormat, os.Stdout)
	log.Info("LLM Cost Exporter starting",
		"version", version.Get().Version,
		"commit", version.Get().GitCommit,
		"config_path", configPath)

	usageStart, err := cfg.UsageStartTime(processStart)
	if err != nil {
		return err
	}

	enabled := cfg.EnabledProviders()
	log.Info("Configuration loaded successfully",
		"providers", len(enabled),
		"http_port", cfg.HTTPPort,
		"usage_start", usageStart.Format(time.RFC3339),
		"api_timeout_seconds", cfg.APITimeout,
		"retry_max_attempts", cfg.Retry.MaxAttempts,
		"breaker_failure_threshold", cfg.CircuitBreaker.FailureThreshold)
	for _, p := range enabled {
		log.Info("Provider configured", "provider", p.ID, "account", p.Account, "poll_interval", p.PollInterval)
	}

	// Create metrics registry
	registry := collector.NewRegistry(log)

	// Register Go runtime and process metrics
	if err := registry.RegisterRuntimeCollectors(); err != nil {
		log.Warn("Failed to register runtime collectors", "error", err)
	} else {
		log.Info("Runtime metrics registered")
	}

	resolver := credentials.NewResolver(cfg.CredentialRefreshWindow, log)

	sched, err := scheduler.New(cfg, usageStart,
		scheduler.DefaultClientFactory(cfg.APITimeoutDuration(), log),
		resolver, registry, log)
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sched.Start(ctx)

	// Create and start HTTP server
	log.Info("Creating HTTP server", "port", cfg.HTTPPort)
	srv := server.NewServer(cfg, registry, log)

	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- srv.Start()
	}()

	// Wait for interrupt signal or server error
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(shutdown)

	select {
	case err := <-serverErrors:
		cancel()
		_ = sched.Wait()
		return fmt.Errorf("server error: %w", err)

	case sig := <-shutdown:
		log.Info("Received shutdown signal, starting graceful shutdown", "signal", sig.String())
	}

	// Stop polling loops; in-flight fetches are aborted through ctx
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	if err := sched.Wait(); err != nil {
		return fmt.Errorf("scheduler shutdown: %w", err)
	}

	log.Info("Server stopped gracefully")
	return nil
}
