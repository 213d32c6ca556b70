// scopeflow orchestrator server — watches microscope output, submits RELION
// stages to SLURM, and streams live progress to the dashboard.
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

	"github.com/scopeflow/scopeflow/pkg/api"
	"github.com/scopeflow/scopeflow/pkg/cleanup"
	"github.com/scopeflow/scopeflow/pkg/config"
	"github.com/scopeflow/scopeflow/pkg/database"
	"github.com/scopeflow/scopeflow/pkg/events"
	"github.com/scopeflow/scopeflow/pkg/live"
	"github.com/scopeflow/scopeflow/pkg/results"
	"github.com/scopeflow/scopeflow/pkg/services"
	"github.com/scopeflow/scopeflow/pkg/slurm"
	"github.com/scopeflow/scopeflow/pkg/stages"
	"github.com/scopeflow/scopeflow/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	// Parse command-line flags
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	// Load .env file from config directory
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	slog.Info("Starting scopeflow",
		"version", version.Full(),
		"config_dir", *configDir)

	ctx := context.Background()

	// 1. Initialize configuration
	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	// 2. Initialize database (runs pending migrations)
	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load database config", "error", err)
		os.Exit(1)
	}

	dbClient, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing database client", "error", err)
		}
	}()
	slog.Info("Connected to PostgreSQL database")

	// 3. Domain services
	projectService := services.NewProjectService(dbClient)
	sessionService := services.NewSessionService(dbClient)
	jobService := services.NewJobService(dbClient)
	activityService := services.NewActivityService(dbClient)
	slog.Info("Services initialized")

	// 4. Progress bus and WebSocket hub
	bus := events.NewBus()
	defer bus.Close()

	hub := events.NewHub(events.HubConfig{
		MaxConnections:     cfg.WebSocket.MaxConnections,
		HeartbeatInterval:  cfg.WebSocket.HeartbeatInterval,
		WriteTimeout:       cfg.WebSocket.WriteTimeout,
		RateLimitPerSecond: cfg.WebSocket.RateLimitPerSecond,
		RateBurst:          cfg.WebSocket.RateBurst,
	}, projectService)

	// 5. Scheduler client and job monitor
	schedulerClient := slurm.NewClient(cfg.Scheduler)
	monitor := slurm.NewMonitor(cfg.Scheduler, jobService, schedulerClient, bus, results.Prober{})

	// 6. Live session orchestrator
	manager := live.NewManager(live.Options{
		Live:             cfg.Live,
		Relion:           cfg.Relion,
		DefaultPartition: cfg.Scheduler.Partition,
		Sessions:         sessionService,
		Jobs:             jobService,
		Projects:         projectService,
		Activity:         activityService,
		Builders:         stages.NewRegistry(),
		Scheduler:        schedulerClient,
		Bus:              bus,
	})
	hub.SetLiveStateProvider(manager)

	// Re-attach sessions that were running when the previous process died;
	// their jobs keep running on the cluster regardless.
	if err := manager.ReattachRunning(ctx); err != nil {
		slog.Error("Failed to reattach running sessions", "error", err)
		os.Exit(1)
	}

	// 7. Event dispatch loops and the scheduler poll loop
	go manager.Run(ctx, bus.Subscribe("orchestrator"))
	go hub.Run(ctx, bus.Subscribe("ws-hub"))
	monitor.Start(ctx)

	// 8. Retention cleanup loop
	cleanupService := cleanup.NewService(cfg.Retention, sessionService, activityService)
	cleanupService.Start(ctx)

	// 9. HTTP server (non-blocking)
	httpServer := api.NewServer(cfg, dbClient,
		projectService, sessionService, jobService, activityService,
		manager, monitor, hub)

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.Server.Port
		slog.Info("HTTP server listening", "addr", addr)
		if err := httpServer.Start(addr); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("scopeflow started successfully")

	// 10. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 11. Graceful shutdown. Sessions stay running in the database; cluster
	// jobs keep going and are re-attached on the next start.
	cleanupService.Stop()
	manager.Shutdown()
	monitor.Stop()
	hub.Shutdown()

	httpShutdownCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
