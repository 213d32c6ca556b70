// Package models defines the domain types shared by the orchestrator,
// the scheduler monitor, the job store, and the API layer.
package models

import (
	"encoding/json"
	"time"
)

// SessionStatus is the lifecycle state of a live session.
type SessionStatus string

const (
	SessionPending   SessionStatus = "pending"
	SessionRunning   SessionStatus = "running"
	SessionPaused    SessionStatus = "paused"
	SessionStopped   SessionStatus = "stopped"
	SessionCompleted SessionStatus = "completed"
	SessionError     SessionStatus = "error"
)

// sessionTransitions is the allowed status graph. Terminal statuses
// (stopped, completed, error) are absorbing.
var sessionTransitions = map[SessionStatus][]SessionStatus{
	SessionPending: {SessionRunning, SessionError},
	SessionRunning: {SessionPaused, SessionStopped, SessionCompleted, SessionError},
	SessionPaused:  {SessionRunning, SessionStopped, SessionError},
}

// IsValid reports whether s is a known session status.
func (s SessionStatus) IsValid() bool {
	switch s {
	case SessionPending, SessionRunning, SessionPaused, SessionStopped, SessionCompleted, SessionError:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether s can never change again.
func (s SessionStatus) IsTerminal() bool {
	return s == SessionStopped || s == SessionCompleted || s == SessionError
}

// CanTransitionTo reports whether the status graph allows s → to.
func (s SessionStatus) CanTransitionTo(to SessionStatus) bool {
	for _, t := range sessionTransitions[s] {
		if t == to {
			return true
		}
	}
	return false
}

// InputMode selects how a session discovers its input movies.
type InputMode string

const (
	// InputModeWatch polls the watch directory for new files indefinitely.
	InputModeWatch InputMode = "watch"
	// InputModeExisting processes the files present at start, then completes.
	InputModeExisting InputMode = "existing"
)

// IsValid reports whether m is a known input mode.
func (m InputMode) IsValid() bool {
	return m == InputModeWatch || m == InputModeExisting
}

// OpticsConfig holds the microscope optics parameters applied at import.
type OpticsConfig struct {
	PixelSize           float64 `json:"pixelSize"`           // Å/px
	Voltage             float64 `json:"voltage"`             // kV
	SphericalAberration float64 `json:"sphericalAberration"` // mm
	AmplitudeContrast   float64 `json:"amplitudeContrast"`   // (0,1]
}

// QualityThresholds filter micrographs between CTF estimation and picking.
// Zero values disable the corresponding filter.
type QualityThresholds struct {
	MaxCtfResolution float64 `json:"maxCtfResolution,omitempty"` // Å
	MinDefocus       float64 `json:"minDefocus,omitempty"`       // Å
	MaxDefocus       float64 `json:"maxDefocus,omitempty"`       // Å
}

// ResourceHints shape the scheduler submission script for every stage job
// of a session. Stages that do not support GPU or MPI ignore those fields.
type ResourceHints struct {
	Partition string `json:"partition,omitempty"`
	GpuCount  int    `json:"gpuCount,omitempty"`
	MpiProcs  int    `json:"mpiProcs,omitempty"`
	Threads   int    `json:"threads,omitempty"`
	MemoryGB  int    `json:"memoryGb,omitempty"`
	TimeLimit string `json:"timeLimit,omitempty"` // sbatch --time format
}

// PipelineConfig is the immutable per-session pipeline configuration.
type PipelineConfig struct {
	EnabledStages     []StageKey                   `json:"enabledStages"`
	StageParams       map[StageKey]json.RawMessage `json:"stageParams,omitempty"`
	ParticleThreshold int64                        `json:"particleThreshold,omitempty"`
	Quality           QualityThresholds            `json:"quality,omitempty"`
	Resources         ResourceHints                `json:"resources,omitempty"`
	TickSeconds       int                          `json:"tickSeconds,omitempty"`
}

// StageEnabled reports whether key is part of the session's pipeline.
func (p PipelineConfig) StageEnabled(key StageKey) bool {
	for _, k := range p.EnabledStages {
		if k == key {
			return true
		}
	}
	return false
}

// PickStage returns the picking stage the session uses, defaulting to AutoPick.
func (p PipelineConfig) PickStage() StageKey {
	if p.StageEnabled(StageManualPick) {
		return StageManualPick
	}
	return StageAutoPick
}

// SessionCounters are the cumulative, monotonically non-decreasing progress
// counters of one session.
type SessionCounters struct {
	MoviesImported     int64 `json:"moviesImported"`
	MoviesMotion       int64 `json:"moviesMotion"`
	MoviesCtf          int64 `json:"moviesCtf"`
	MoviesPicked       int64 `json:"moviesPicked"`
	ParticlesExtracted int64 `json:"particlesExtracted"`
	Class2DRuns        int64 `json:"class2dRuns"`
}

// Pass-record count keys. PassRecord counts are keyed by these strings so
// history rows stay readable without schema changes per stage.
const (
	CountMoviesImported     = "movies_imported"
	CountMoviesMotion       = "movies_motion"
	CountMoviesCtf          = "movies_ctf"
	CountMoviesPicked       = "movies_picked"
	CountParticlesExtracted = "particles_extracted"
	CountClass2DRuns        = "class2d_runs"
)

// AsPassCounts converts the counters into pass-record count keys.
func (c SessionCounters) AsPassCounts() map[string]int64 {
	return map[string]int64{
		CountMoviesImported:     c.MoviesImported,
		CountMoviesMotion:       c.MoviesMotion,
		CountMoviesCtf:          c.MoviesCtf,
		CountMoviesPicked:       c.MoviesPicked,
		CountParticlesExtracted: c.ParticlesExtracted,
		CountClass2DRuns:        c.Class2DRuns,
	}
}

// StageJobs tracks the latest and all historical job ids of one stage
// within a session.
type StageJobs struct {
	Latest  string   `json:"latest"`
	History []string `json:"history"`
}

// JobsMap maps each stage to its submitted jobs.
type JobsMap map[StageKey]*StageJobs

// Record appends jobID as the latest job of stage.
func (m JobsMap) Record(stage StageKey, jobID string) {
	sj := m[stage]
	if sj == nil {
		sj = &StageJobs{}
		m[stage] = sj
	}
	sj.Latest = jobID
	sj.History = append(sj.History, jobID)
}

// Latest returns the latest job id for stage, or "" when none was submitted.
func (m JobsMap) LatestID(stage StageKey) string {
	if sj := m[stage]; sj != nil {
		return sj.Latest
	}
	return ""
}

// PassRecord is one element of a session's append-only pass history.
type PassRecord struct {
	PassNumber  int              `json:"passNumber"`
	Counts      map[string]int64 `json:"counts"`
	CompletedAt time.Time        `json:"completedAt"`
}

// LiveSession is a configured live processing run bound to a project and a
// watch directory. Configuration fields are immutable after creation; state
// fields are mutated only through the session service.
type LiveSession struct {
	ID        string `json:"id"`
	ProjectID string `json:"projectId"`
	CreatedBy string `json:"createdBy"`
	Name      string `json:"name"`

	// Configuration (immutable after creation).
	InputMode InputMode      `json:"inputMode"`
	WatchDir  string         `json:"watchDir"`
	WatchGlob string         `json:"watchGlob"`
	Optics    OpticsConfig   `json:"optics"`
	Pipeline  PipelineConfig `json:"pipeline"`

	// State.
	Status          SessionStatus   `json:"status"`
	CurrentStage    StageKey        `json:"currentStage,omitempty"`
	Counters        SessionCounters `json:"counters"`
	PassesCompleted int             `json:"passesCompleted"`
	LastPassAt      *time.Time      `json:"lastPassAt,omitempty"`
	LastTriggeredK  int             `json:"lastTriggeredK"`
	Jobs            JobsMap         `json:"jobs"`
	ErrorMessage    string          `json:"errorMessage,omitempty"`

	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// EnabledLiveStages returns the session's enabled stages in pipeline order,
// with the configured picking stage substituted and Class2D excluded.
func (s *LiveSession) EnabledLiveStages() []StageKey {
	order := make([]StageKey, 0, len(LivePipelineOrder))
	for _, k := range LivePipelineOrder {
		if k == StageAutoPick {
			k = s.Pipeline.PickStage()
		}
		if s.Pipeline.StageEnabled(k) {
			order = append(order, k)
		}
	}
	return order
}
