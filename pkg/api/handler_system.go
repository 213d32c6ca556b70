package api

import (
	"net/http"
	"runtime"
	"time"

	echo "github.com/labstack/echo/v5"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/scopeflow/scopeflow/pkg/version"
)

// systemInfoHandler handles GET /api/system/info: the dashboard footer's
// one-call summary of the process and its host.
func (s *Server) systemInfoHandler(c *echo.Context) error {
	info := SystemInfoResponse{
		Name:             version.AppName,
		Version:          version.GitCommit,
		GoVersion:        runtime.Version(),
		UptimeSeconds:    int64(time.Since(s.startedAt).Seconds()),
		RelionVersion:    s.cfg.Relion.Version,
		DefaultPartition: s.cfg.Scheduler.Partition,
	}

	if s.hub != nil {
		info.ActiveConnections = s.hub.ActiveConnections()
	}
	if s.monitor != nil {
		info.Monitor = s.monitor.Health()
	}

	ctx := c.Request().Context()
	if usage, err := disk.UsageWithContext(ctx, dataRoot()); err == nil {
		info.Disk = &DiskUsage{
			Path:        usage.Path,
			TotalBytes:  usage.Total,
			FreeBytes:   usage.Free,
			UsedPercent: usage.UsedPercent,
		}
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		info.MemoryUsedPercent = vm.UsedPercent
	}

	return c.JSON(http.StatusOK, info)
}
