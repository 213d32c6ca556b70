package slurm

import (
	"log/slog"

	"github.com/scopeflow/scopeflow/pkg/models"
)

// squeueStates maps squeue short codes to job statuses. CG (completing) and
// S/ST (suspended or stopped) still hold resources, so they count as running.
var squeueStates = map[string]models.JobStatus{
	"PD":  models.JobPending,
	"CF":  models.JobPending,
	"R":   models.JobRunning,
	"CG":  models.JobRunning,
	"S":   models.JobRunning,
	"ST":  models.JobRunning,
	"CD":  models.JobSuccess,
	"CA":  models.JobCancelled,
	"F":   models.JobFailed,
	"TO":  models.JobFailed,
	"NF":  models.JobFailed,
	"OOM": models.JobFailed,
	"PR":  models.JobFailed,
	"BF":  models.JobFailed,
}

// sacctStates maps sacct long-form states to job statuses.
var sacctStates = map[string]models.JobStatus{
	"PENDING":       models.JobPending,
	"CONFIGURING":   models.JobPending,
	"RUNNING":       models.JobRunning,
	"COMPLETING":    models.JobRunning,
	"SUSPENDED":     models.JobRunning,
	"COMPLETED":     models.JobSuccess,
	"CANCELLED":     models.JobCancelled,
	"FAILED":        models.JobFailed,
	"TIMEOUT":       models.JobFailed,
	"NODE_FAIL":     models.JobFailed,
	"OUT_OF_MEMORY": models.JobFailed,
	"PREEMPTED":     models.JobFailed,
	"BOOT_FAIL":     models.JobFailed,
	"DEADLINE":      models.JobFailed,
}

// MapSqueueState translates a squeue code. Unknown codes map to failed with
// a warning so a scheduler version skew can never wedge a job in running.
func MapSqueueState(code string) models.JobStatus {
	if st, ok := squeueStates[code]; ok {
		return st
	}
	slog.Warn("Unknown squeue state code, treating as failed", "state", code)
	return models.JobFailed
}

// MapSacctState translates a sacct state name, same fallback rule.
func MapSacctState(state string) models.JobStatus {
	if st, ok := sacctStates[state]; ok {
		return st
	}
	slog.Warn("Unknown sacct state, treating as failed", "state", state)
	return models.JobFailed
}
