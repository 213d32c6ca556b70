package models

import (
	"encoding/json"
	"time"
)

// JobStatus is the lifecycle state of one scheduler job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobSuccess   JobStatus = "success"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// IsValid reports whether s is a known job status.
func (s JobStatus) IsValid() bool {
	switch s {
	case JobPending, JobRunning, JobSuccess, JobFailed, JobCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether s is absorbing: once set it never changes.
func (s JobStatus) IsTerminal() bool {
	return s == JobSuccess || s == JobFailed || s == JobCancelled
}

// PipelineStats are the progress statistics parsed from a job's output.
type PipelineStats struct {
	IterationCount  int     `json:"iterationCount,omitempty"`
	TotalIterations int     `json:"totalIterations,omitempty"`
	MicrographCount int     `json:"micrographCount,omitempty"`
	ParticleCount   int     `json:"particleCount,omitempty"`
	PixelSize       float64 `json:"pixelSize,omitempty"`
	BoxSize         int     `json:"boxSize,omitempty"`
}

// ProgressPercent derives a 0–100 completion estimate from the stats.
// Iteration-driven stages report iteration progress; others report 0.
func (p PipelineStats) ProgressPercent() float64 {
	if p.TotalIterations > 0 {
		pct := float64(p.IterationCount) / float64(p.TotalIterations) * 100
		if pct > 100 {
			pct = 100
		}
		return pct
	}
	return 0
}

// Job is one scheduler submission. Stage, Params, Command and OutputDir are
// immutable after creation; SchedulerID is set exactly once on submission.
type Job struct {
	ID        string          `json:"id"`
	ProjectID string          `json:"projectId"`
	Stage     StageKey        `json:"stage"`
	Params    json.RawMessage `json:"params,omitempty"`
	Command   string          `json:"command"`
	OutputDir string          `json:"outputDir"`

	Status       JobStatus     `json:"status"`
	SchedulerID  string        `json:"schedulerId,omitempty"`
	StartedAt    *time.Time    `json:"startedAt,omitempty"`
	EndedAt      *time.Time    `json:"endedAt,omitempty"`
	ErrorMessage string        `json:"errorMessage,omitempty"`
	Stats        PipelineStats `json:"stats"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}
