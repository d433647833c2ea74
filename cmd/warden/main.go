package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/wardenhq/llm-warden/internal/audit"
	"github.com/wardenhq/llm-warden/internal/breaker"
	"github.com/wardenhq/llm-warden/internal/completion"
	"github.com/wardenhq/llm-warden/internal/config"
	"github.com/wardenhq/llm-warden/internal/detectors"
	"github.com/wardenhq/llm-warden/internal/guardrail"
	"github.com/wardenhq/llm-warden/internal/logger"
	"github.com/wardenhq/llm-warden/internal/pipeline"
	"github.com/wardenhq/llm-warden/internal/retry"
	"github.com/wardenhq/llm-warden/internal/server"
	"github.com/wardenhq/llm-warden/internal/websocket"
	"go.uber.org/zap"
)

var (
	version = "0.1.0"
	commit  = "dev"
	date    = "unknown"
)

func main() {
	var (
		configPath  = flag.String("config", "", "Path to configuration file")
		showVersion = flag.Bool("version", false, "Show version information")
		healthCheck = flag.Bool("health-check", false, "Perform health check and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("llm-warden %s (commit: %s, built: %s)\n", version, commit, date)
		os.Exit(0)
	}
	if *healthCheck {
		performHealthCheck()
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	loggerConfig := logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	}
	if cfg.Logging.File.Enabled {
		loggerConfig.File = &logger.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		}
	}
	log, err := logger.New(loggerConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting llm-warden",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("build_date", date),
		zap.Int("port", cfg.Server.Port),
	)

	registry := guardrail.NewRegistry()
	detectors.RegisterBuiltins(registry)
	set, err := registry.Build(cfg.Detectors, log)
	if err != nil {
		log.Fatal("Failed to build detector set", zap.Error(err))
	}

	circuits := breaker.New(cfg.Breaker.Threshold, cfg.Breaker.Cooldown, log)
	coordinator := retry.New(circuits, cfg.Retry, log)

	completions, err := completion.New(cfg.Completion, log)
	if err != nil {
		log.Fatal("Failed to create completion backend", zap.Error(err))
	}

	sink, err := audit.NewSink(cfg.Audit, log)
	if err != nil {
		log.Fatal("Failed to create audit sink", zap.Error(err))
	}
	emitter := audit.NewEmitter(sink, cfg.Audit.BufferSize, log)

	var hub *websocket.Hub
	var events pipeline.Events
	if cfg.WebSocket.Enabled {
		hub = websocket.NewHub(cfg.WebSocket, log)
		events = hub
		circuits.OnTransition(hub.BreakerTransition)
	}

	orchestrator := pipeline.New(set, coordinator, completions, emitter, events,
		cfg.Pipeline, cfg.Audit.HashSalt, log)

	reload := func() error {
		fresh, err := config.Load(*configPath)
		if err != nil {
			return fmt.Errorf("failed to reload configuration: %w", err)
		}
		freshSet, err := registry.Build(fresh.Detectors, log)
		if err != nil {
			return fmt.Errorf("failed to rebuild detectors: %w", err)
		}
		orchestrator.Reload(freshSet)
		return nil
	}

	srv := server.New(cfg, orchestrator, circuits, hub, reload, log)

	// Rebuild the detector set when the config file changes on disk.
	// Breaker state survives a reload.
	if err := config.Watch(func(fresh *config.Config) {
		freshSet, err := registry.Build(fresh.Detectors, log)
		if err != nil {
			log.Error("Config change rejected", zap.Error(err))
			return
		}
		orchestrator.Reload(freshSet)
	}); err != nil {
		log.Warn("Config watching unavailable", zap.Error(err))
	}

	serverErrors := make(chan error, 1)
	go func() {
		log.Info("HTTP server listening", zap.Int("port", cfg.Server.Port))
		serverErrors <- srv.Start()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		log.Error("Server error", zap.Error(err))
	case sig := <-shutdown:
		log.Info("Shutdown signal received", zap.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Stop(ctx); err != nil {
			log.Error("Failed to shutdown server gracefully", zap.Error(err))
		}
		if err := emitter.Close(); err != nil {
			log.Error("Failed to flush audit entries", zap.Error(err))
		}
		log.Info("Server shutdown complete")
	}
}

// performHealthCheck performs a health check against the running server
func performHealthCheck() {
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get("http://localhost:8080/health")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "Health check failed: HTTP %d\n", resp.StatusCode)
		os.Exit(1)
	}

	fmt.Println("Health check passed")
	os.Exit(0)
}
