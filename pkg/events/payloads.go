package events

import (
	"time"

	"github.com/scopeflow/scopeflow/pkg/models"
)

// StatusChange is published when a job's lifecycle status changes.
// OldStatus and NewStatus always differ, and NewStatus matches the job
// store value at emission time.
type StatusChange struct {
	JobID             string           `json:"jobId"`
	ProjectID         string           `json:"projectId"`
	Stage             models.StageKey  `json:"stage"`
	OldStatus         models.JobStatus `json:"oldStatus"`
	NewStatus         models.JobStatus `json:"newStatus"`
	RawSchedulerState string           `json:"rawSchedulerState,omitempty"`
	Source            string           `json:"source"`
	ErrorMessage      string           `json:"errorMessage,omitempty"`
	Timestamp         time.Time        `json:"timestamp"`
}

// ProgressChange is published when a job's parsed pipeline statistics move.
type ProgressChange struct {
	JobID           string          `json:"jobId"`
	ProjectID       string          `json:"projectId"`
	Stage           models.StageKey `json:"stageKey"`
	IterationCount  int             `json:"iterationCount"`
	TotalIterations int             `json:"totalIterations"`
	MicrographCount int             `json:"micrographCount"`
	ParticleCount   int             `json:"particleCount"`
	ProgressPercent float64         `json:"progressPercent"`
	Timestamp       time.Time       `json:"timestamp"`
}

// SessionUpdate is published by the orchestrator when session-level state
// changes: status transitions, pass completion, counter movement.
type SessionUpdate struct {
	SessionID       string                 `json:"sessionId"`
	ProjectID       string                 `json:"projectId"`
	Status          models.SessionStatus   `json:"status"`
	Counters        models.SessionCounters `json:"counters"`
	PassesCompleted int                    `json:"passesCompleted"`
	Event           string                 `json:"event"`
	Timestamp       time.Time              `json:"timestamp"`
}
