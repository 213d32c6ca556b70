package models

import "time"

// ActivityLevel grades an activity entry for the dashboard.
type ActivityLevel string

const (
	ActivityInfo    ActivityLevel = "info"
	ActivitySuccess ActivityLevel = "success"
	ActivityWarning ActivityLevel = "warning"
	ActivityError   ActivityLevel = "error"
)

// IsValid reports whether l is a known activity level.
func (l ActivityLevel) IsValid() bool {
	switch l {
	case ActivityInfo, ActivitySuccess, ActivityWarning, ActivityError:
		return true
	default:
		return false
	}
}

// Activity event kinds. Closed set; the dashboard switches on these.
const (
	ActivitySessionStarted   = "session_started"
	ActivitySessionPaused    = "session_paused"
	ActivitySessionResumed   = "session_resumed"
	ActivitySessionStopped   = "session_stopped"
	ActivityJobSubmitted     = "job_submitted"
	ActivityJobFailed        = "job_failed"
	ActivityPipelinePass     = "pipeline_pass"
	ActivityPipelineComplete = "pipeline_complete"
	ActivityClass2DTriggered = "class2d_triggered"
	ActivityArgsRejected     = "args_rejected"
	ActivityGhostJob         = "ghost_job"
	ActivityInternalError    = "internal_error"
)

// ActivityEntry is one append-only structured log record of a session.
// Seq increases strictly monotonically within a session.
type ActivityEntry struct {
	SessionID string         `json:"sessionId"`
	Seq       int64          `json:"seq"`
	Timestamp time.Time      `json:"timestamp"`
	Level     ActivityLevel  `json:"level"`
	Stage     *StageKey      `json:"stage,omitempty"`
	Kind      string         `json:"kind"`
	Message   string         `json:"message"`
	Context   map[string]any `json:"context,omitempty"`
}

// ActivityQuery filters activity retrieval. Zero fields are ignored.
type ActivityQuery struct {
	Level  ActivityLevel
	Stage  StageKey
	Search string
	Limit  int
}
