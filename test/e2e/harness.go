// Package e2e provides end-to-end test infrastructure for the scopeflow
// orchestrator: a full stack (database, services, bus, hub, monitor,
// orchestrator, HTTP server) wired against a scripted scheduler, so pipeline
// scenarios run without SLURM or RELION installed.
package e2e

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/scopeflow/scopeflow/pkg/api"
	"github.com/scopeflow/scopeflow/pkg/config"
	"github.com/scopeflow/scopeflow/pkg/database"
	"github.com/scopeflow/scopeflow/pkg/events"
	"github.com/scopeflow/scopeflow/pkg/live"
	"github.com/scopeflow/scopeflow/pkg/results"
	"github.com/scopeflow/scopeflow/pkg/services"
	"github.com/scopeflow/scopeflow/pkg/slurm"
	"github.com/scopeflow/scopeflow/pkg/stages"
	"github.com/scopeflow/scopeflow/test/util"
)

// testJWTSecret signs the tokens test clients authenticate with.
const testJWTSecret = "e2e-test-secret"

// TestApp boots a complete scopeflow instance for e2e testing.
type TestApp struct {
	Config *config.Config
	DB     *database.Client

	Projects *services.ProjectService
	Sessions *services.SessionService
	Jobs     *services.JobService
	Activity *services.ActivityService

	Bus       *events.Bus
	Hub       *events.Hub
	Scheduler *ScriptedScheduler
	Monitor   *slurm.Monitor
	Manager   *live.Manager
	Server    *api.Server

	BaseURL string // e.g. "http://127.0.0.1:54321"
	WSURL   string // e.g. "ws://127.0.0.1:54321/ws"

	t *testing.T
}

// testAppConfig holds options accumulated before creating the TestApp.
type testAppConfig struct {
	cfg            *config.Config
	maxMissedPolls int
	tickInterval   time.Duration
}

// TestAppOption configures the test app.
type TestAppOption func(*testAppConfig)

// WithConfig sets a custom config.
func WithConfig(cfg *config.Config) TestAppOption {
	return func(c *testAppConfig) { c.cfg = cfg }
}

// WithMaxMissedPolls overrides the ghost detection threshold.
func WithMaxMissedPolls(n int) TestAppOption {
	return func(c *testAppConfig) { c.maxMissedPolls = n }
}

// WithTickInterval overrides the default pass loop cadence.
func WithTickInterval(d time.Duration) TestAppOption {
	return func(c *testAppConfig) { c.tickInterval = d }
}

// NewTestApp creates and starts a full scopeflow test instance.
// Shutdown is registered via t.Cleanup automatically.
func NewTestApp(t *testing.T, opts ...TestAppOption) *TestApp {
	t.Helper()

	tc := &testAppConfig{}
	for _, opt := range opts {
		opt(tc)
	}
	if tc.cfg == nil {
		tc.cfg = defaultTestConfig()
	}
	if tc.maxMissedPolls > 0 {
		tc.cfg.Scheduler.MaxMissedPolls = tc.maxMissedPolls
	}
	if tc.tickInterval > 0 {
		tc.cfg.Live.TickInterval = tc.tickInterval
	}

	// 1. Database — fresh schema per test.
	dbClient := util.SetupTestDatabase(t)

	// 2. Domain services.
	projectService := services.NewProjectService(dbClient)
	sessionService := services.NewSessionService(dbClient)
	jobService := services.NewJobService(dbClient)
	activityService := services.NewActivityService(dbClient)

	// 3. Progress bus and WebSocket hub.
	bus := events.NewBus()
	hub := events.NewHub(events.HubConfig{
		MaxConnections:     tc.cfg.WebSocket.MaxConnections,
		HeartbeatInterval:  tc.cfg.WebSocket.HeartbeatInterval,
		WriteTimeout:       tc.cfg.WebSocket.WriteTimeout,
		RateLimitPerSecond: tc.cfg.WebSocket.RateLimitPerSecond,
		RateBurst:          tc.cfg.WebSocket.RateBurst,
	}, projectService)

	// 4. Scripted scheduler and the real monitor polling it.
	scheduler := NewScriptedScheduler()
	monitor := slurm.NewMonitor(tc.cfg.Scheduler, jobService, scheduler, bus, results.Prober{})

	// 5. Orchestrator.
	manager := live.NewManager(live.Options{
		Live:             tc.cfg.Live,
		Relion:           tc.cfg.Relion,
		DefaultPartition: tc.cfg.Scheduler.Partition,
		Sessions:         sessionService,
		Jobs:             jobService,
		Projects:         projectService,
		Activity:         activityService,
		Builders:         stages.NewRegistry(),
		Scheduler:        scheduler,
		Bus:              bus,
	})
	hub.SetLiveStateProvider(manager)

	// 6. Event loops and the scheduler poll loop.
	ctx, cancel := context.WithCancel(context.Background())
	go manager.Run(ctx, bus.Subscribe("orchestrator"))
	go hub.Run(ctx, bus.Subscribe("ws-hub"))
	monitor.Start(ctx)

	// 7. HTTP server on a random port.
	server := api.NewServer(tc.cfg, dbClient,
		projectService, sessionService, jobService, activityService,
		manager, monitor, hub)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		_ = server.StartWithListener(ln)
	}()

	addr := ln.Addr().String()
	app := &TestApp{
		Config:    tc.cfg,
		DB:        dbClient,
		Projects:  projectService,
		Sessions:  sessionService,
		Jobs:      jobService,
		Activity:  activityService,
		Bus:       bus,
		Hub:       hub,
		Scheduler: scheduler,
		Monitor:   monitor,
		Manager:   manager,
		Server:    server,
		BaseURL:   fmt.Sprintf("http://%s", addr),
		WSURL:     fmt.Sprintf("ws://%s/ws", addr),
		t:         t,
	}

	// Register cleanup in reverse-creation order.
	t.Cleanup(func() {
		manager.Shutdown()
		monitor.Stop()
		hub.Shutdown()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)
		cancel()
		bus.Close()
		// DB cleanup handled by util.SetupTestDatabase.
	})

	return app
}

// defaultTestConfig returns a config with intervals shrunk to test scale:
// 50ms ticks and polls so a full pipeline pass completes in well under a
// second of wall time.
func defaultTestConfig() *config.Config {
	return &config.Config{
		Scheduler: &config.SchedulerConfig{
			Partition:      "emgpu",
			PollInterval:   50 * time.Millisecond,
			ExecTimeout:    5 * time.Second,
			MaxMissedPolls: 5,
		},
		WebSocket: &config.WebSocketConfig{
			AllowedOrigins:     []string{"http://localhost:5173"},
			MaxConnections:     32,
			HeartbeatInterval:  1 * time.Second,
			WriteTimeout:       2 * time.Second,
			RateLimitPerSecond: 100,
			RateBurst:          200,
		},
		Live: &config.LiveConfig{
			TickInterval:          50 * time.Millisecond,
			SettleInterval:        10 * time.Millisecond,
			ScanTimeout:           2 * time.Second,
			SnapshotActivityLimit: 50,
		},
		Relion: &config.RelionConfig{
			Version:     "5.0.0",
			MPILauncher: "mpirun",
		},
		Retention: config.DefaultRetentionConfig(),
		Server: &config.ServerConfig{
			Port:      "0",
			JWTSecret: testJWTSecret,
		},
	}
}
