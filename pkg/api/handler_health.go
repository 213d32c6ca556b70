package api

import (
	"context"
	"net/http"
	"os"
	"time"

	echo "github.com/labstack/echo/v5"
	"github.com/shirou/gopsutil/v4/disk"

	"github.com/scopeflow/scopeflow/pkg/database"
	"github.com/scopeflow/scopeflow/pkg/version"
)

const (
	healthStatusHealthy   = "healthy"
	healthStatusDegraded  = "degraded"
	healthStatusUnhealthy = "unhealthy"
)

// diskWarnPercent is the fill level at which the data filesystem degrades
// the health report. Live sessions write continuously, so a nearly full
// disk is an operator problem before it is a crash.
const diskWarnPercent = 90

// dataRoot returns the path whose filesystem holds project data.
func dataRoot() string {
	if root := os.Getenv("DATA_ROOT"); root != "" {
		return root
	}
	return "/"
}

// healthHandler handles GET /healthz.
// Unauthenticated: only internal components are reported, never session
// content. External collaborators (the SLURM cluster itself) are excluded so
// a scheduler outage doesn't make the orchestrator restart-loop.
func (s *Server) healthHandler(c *echo.Context) error {
	reqCtx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]HealthCheck)
	status := healthStatusHealthy

	if _, err := database.Health(reqCtx, s.dbClient.DB()); err != nil {
		status = healthStatusUnhealthy
		checks["database"] = HealthCheck{Status: healthStatusUnhealthy, Message: err.Error()}
	} else {
		checks["database"] = HealthCheck{Status: healthStatusHealthy}
	}

	if s.monitor != nil {
		mh := s.monitor.Health()
		if !mh.Healthy {
			if status == healthStatusHealthy {
				status = healthStatusDegraded
			}
			checks["monitor"] = HealthCheck{Status: healthStatusDegraded, Message: "poll loop stale"}
		} else {
			checks["monitor"] = HealthCheck{Status: healthStatusHealthy}
		}
	}

	if usage, err := disk.UsageWithContext(reqCtx, dataRoot()); err == nil {
		if usage.UsedPercent >= diskWarnPercent {
			if status == healthStatusHealthy {
				status = healthStatusDegraded
			}
			checks["disk"] = HealthCheck{Status: healthStatusDegraded, Message: "data filesystem nearly full"}
		} else {
			checks["disk"] = HealthCheck{Status: healthStatusHealthy}
		}
	}

	httpStatus := http.StatusOK
	if status == healthStatusUnhealthy {
		httpStatus = http.StatusServiceUnavailable
	}

	return c.JSON(httpStatus, &HealthResponse{
		Status:  status,
		Version: version.GitCommit,
		Checks:  checks,
	})
}
