package models

// CreateLiveSessionRequest is the POST /api/live-sessions body: the full
// immutable session configuration.
type CreateLiveSessionRequest struct {
	ProjectID string         `json:"projectId"`
	Name      string         `json:"name"`
	InputMode InputMode      `json:"inputMode"`
	WatchDir  string         `json:"watchDir"`
	WatchGlob string         `json:"watchGlob"`
	Optics    OpticsConfig   `json:"optics"`
	Pipeline  PipelineConfig `json:"pipeline"`
}

// SessionSnapshot is the GET /api/live-sessions/:id response: current state,
// counters, latest jobs and recent activity in one read.
type SessionSnapshot struct {
	Session        *LiveSession        `json:"session"`
	LatestJobs     map[StageKey]*Job   `json:"latestJobs"`
	RecentActivity []*ActivityEntry    `json:"recentActivity"`
	PassHistory    []*PassRecord       `json:"passHistory"`
}

// SessionStats is the GET /api/live-sessions/:id/stats response.
type SessionStats struct {
	SessionID       string          `json:"sessionId"`
	Status          SessionStatus   `json:"status"`
	Counters        SessionCounters `json:"counters"`
	PassesCompleted int             `json:"passesCompleted"`
	Jobs            JobsMap         `json:"jobs"`
}
