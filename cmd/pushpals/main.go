// PushPals session/event server: durable queues, append-only event logs,
// worker registry, and live event fan-out over SSE and WebSocket.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"

	"github.com/pushpals/pushpals/pkg/api"
	"github.com/pushpals/pushpals/pkg/config"
	"github.com/pushpals/pushpals/pkg/database"
	"github.com/pushpals/pushpals/pkg/events"
	"github.com/pushpals/pushpals/pkg/ingest"
	"github.com/pushpals/pushpals/pkg/metrics"
	"github.com/pushpals/pushpals/pkg/queue"
	"github.com/pushpals/pushpals/pkg/services"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      lvl,
		TimeFormat: time.TimeOnly,
	}))
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	// Load .env from the config directory before anything reads the
	// environment.
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	}

	cfg, err := config.Load(*configDir)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)
	logger.Info("Starting PushPals",
		"http_port", cfg.Server.HTTPPort,
		"config_dir", *configDir)

	ctx := context.Background()

	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		logger.Error("Failed to load database config", "error", err)
		os.Exit(1)
	}

	dbClient, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		logger.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logger.Error("Error closing database client", "error", err)
		}
	}()
	logger.Info("Connected to PostgreSQL database")

	db := dbClient.DB()
	sessionService := services.NewSessionService(db, logger)
	eventService := services.NewEventService(db, logger)
	requestService := services.NewRequestService(db, logger)
	jobService := services.NewJobService(db, logger)
	completionService := services.NewCompletionService(db, logger)
	workerService := services.NewWorkerService(db, logger, cfg.Workers.TTL.Duration)
	systemService := services.NewSystemService(db, workerService, logger, cfg.Watchdog.SLOWindow.Duration)
	logger.Info("Services initialized")

	validator, err := ingest.NewValidator()
	if err != nil {
		logger.Error("Failed to compile payload schemas", "error", err)
		os.Exit(1)
	}

	// Streaming: durable append with NOTIFY, a dedicated LISTEN connection,
	// and the in-process fan-out manager.
	publisher := events.NewPublisher(db, logger)
	manager := events.NewSubscriberManager(eventService, logger,
		cfg.Events.SubscriberBuffer, cfg.Events.CatchupPageSize)

	notifyListener := events.NewNotifyListener(dbClient.DSN(), manager, logger)
	if err := notifyListener.Start(ctx); err != nil {
		logger.Error("Failed to start NOTIFY listener", "error", err)
		os.Exit(1)
	}
	defer notifyListener.Stop(ctx)
	manager.SetListener(notifyListener)
	logger.Info("Streaming infrastructure initialized")

	registry := metrics.NewRegistry()

	watchdog := queue.NewWatchdog(cfg.Watchdog, cfg.Workers.Grace.Duration,
		requestService, jobService, completionService, workerService,
		publisher, registry, logger)
	watchdog.Start(ctx)
	defer watchdog.Stop()

	httpServer := api.NewServer(api.Deps{
		Config:      cfg,
		Logger:      logger,
		DBClient:    dbClient,
		Sessions:    sessionService,
		Events:      eventService,
		Requests:    requestService,
		Jobs:        jobService,
		Completions: completionService,
		Workers:     workerService,
		System:      systemService,
		Validator:   validator,
		Publisher:   publisher,
		Subscriber:  manager,
		Metrics:     registry,
	})

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.Server.HTTPPort
		logger.Info("HTTP server listening", "addr", addr)
		if err := httpServer.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		logger.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		logger.Error("Server error triggered shutdown", "error", err)
	}

	// Drain HTTP first so no new work arrives while the watchdog and
	// listener wind down.
	httpShutdownCtx, httpCancel := context.WithTimeout(ctx, 10*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	logger.Info("Shutdown complete")
}
