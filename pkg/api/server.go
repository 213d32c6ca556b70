// Package api exposes the HTTP and WebSocket surface of the orchestrator:
// live-session lifecycle, job reads, activity queries, health and system
// info. Handlers are thin adapters over the services and the live manager.
package api

import (
	"context"
	"net"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/scopeflow/scopeflow/pkg/config"
	"github.com/scopeflow/scopeflow/pkg/database"
	"github.com/scopeflow/scopeflow/pkg/events"
	"github.com/scopeflow/scopeflow/pkg/live"
	"github.com/scopeflow/scopeflow/pkg/services"
	"github.com/scopeflow/scopeflow/pkg/slurm"
)

// Server is the HTTP/WebSocket front end.
type Server struct {
	echo *echo.Echo
	http *http.Server

	cfg      *config.Config
	dbClient *database.Client

	projects *services.ProjectService
	sessions *services.SessionService
	jobs     *services.JobService
	activity *services.ActivityService

	manager *live.Manager
	monitor *slurm.Monitor
	hub     *events.Hub

	startedAt time.Time
}

// NewServer wires the routes. All /api routes require a valid token; /healthz
// is open for liveness probes and /ws does its own auth at upgrade time.
func NewServer(
	cfg *config.Config,
	dbClient *database.Client,
	projects *services.ProjectService,
	sessions *services.SessionService,
	jobs *services.JobService,
	activity *services.ActivityService,
	manager *live.Manager,
	monitor *slurm.Monitor,
	hub *events.Hub,
) *Server {
	s := &Server{
		echo:      echo.New(),
		cfg:       cfg,
		dbClient:  dbClient,
		projects:  projects,
		sessions:  sessions,
		jobs:      jobs,
		activity:  activity,
		manager:   manager,
		monitor:   monitor,
		hub:       hub,
		startedAt: time.Now(),
	}

	e := s.echo
	e.Use(securityHeaders())

	e.GET("/healthz", s.healthHandler)
	e.GET("/ws", s.wsHandler)

	api := e.Group("/api", s.requireAuth())

	api.POST("/live-sessions", s.createSessionHandler)
	api.GET("/live-sessions/:id", s.getSessionHandler)
	api.DELETE("/live-sessions/:id", s.deleteSessionHandler)
	api.POST("/live-sessions/:id/start", s.startSessionHandler)
	api.POST("/live-sessions/:id/pause", s.pauseSessionHandler)
	api.POST("/live-sessions/:id/resume", s.resumeSessionHandler)
	api.POST("/live-sessions/:id/stop", s.stopSessionHandler)
	api.GET("/live-sessions/:id/stats", s.sessionStatsHandler)
	api.GET("/live-sessions/:id/activity", s.sessionActivityHandler)
	api.GET("/live-sessions/project/:projectId", s.listSessionsHandler)

	api.GET("/jobs/:id", s.getJobHandler)
	api.GET("/projects/:projectId/jobs", s.listProjectJobsHandler)

	api.GET("/system/info", s.systemInfoHandler)

	return s
}

// Start begins serving on addr. Blocks until the listener fails or Shutdown
// is called.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.echo,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.http.ListenAndServe()
}

// StartWithListener serves on an existing listener. Used by tests that need
// an OS-assigned port.
func (s *Server) StartWithListener(ln net.Listener) error {
	s.http = &http.Server{
		Handler:           s.echo,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.http.Serve(ln)
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}
