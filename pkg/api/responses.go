package api

import (
	"github.com/scopeflow/scopeflow/pkg/slurm"
)

// HealthCheck is one component's entry in the health response.
type HealthCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthResponse is returned by GET /healthz.
type HealthResponse struct {
	Status  string                 `json:"status"`
	Version string                 `json:"version"`
	Checks  map[string]HealthCheck `json:"checks"`
}

// DiskUsage reports the filesystem holding the data root.
type DiskUsage struct {
	Path        string  `json:"path"`
	TotalBytes  uint64  `json:"totalBytes"`
	FreeBytes   uint64  `json:"freeBytes"`
	UsedPercent float64 `json:"usedPercent"`
}

// SystemInfoResponse is returned by GET /api/system/info.
type SystemInfoResponse struct {
	Name              string              `json:"name"`
	Version           string              `json:"version"`
	GoVersion         string              `json:"goVersion"`
	UptimeSeconds     int64               `json:"uptimeSeconds"`
	RelionVersion     string              `json:"relionVersion"`
	DefaultPartition  string              `json:"defaultPartition,omitempty"`
	ActiveConnections int                 `json:"activeConnections"`
	Monitor           slurm.MonitorHealth `json:"monitor"`
	Disk              *DiskUsage          `json:"disk,omitempty"`
	MemoryUsedPercent float64             `json:"memoryUsedPercent"`
}
