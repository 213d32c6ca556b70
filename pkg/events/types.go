// Package events provides the in-process progress bus and the WebSocket hub
// that fans bus events out to subscribed dashboard clients.
//
// Two event kinds flow through the bus:
//
//   - statusChange: a job moved between lifecycle states. Delivery is
//     exactly-once per process: the publisher blocks briefly when a
//     subscriber's buffer is full.
//   - progressChange: a job's parsed pipeline statistics changed. Delivery
//     is lossy: a slow subscriber drops progress events rather than stall
//     the monitor.
//
// Ordering is preserved per job for each subscriber: the monitor publishes
// from a single goroutine and each subscription is a FIFO channel.
package events

// Event kinds carried by the bus.
const (
	KindStatusChange   = "statusChange"
	KindProgressChange = "progressChange"
)

// Observation sources for status changes, in reconciliation precedence
// order: marker file beats squeue beats sacct; orphan detection fires only
// when everything else stayed silent.
const (
	SourceFile   = "file"
	SourceSqueue = "squeue"
	SourceSacct  = "sacct"
	SourceOrphan = "orphan_detection"
)

// Outbound WebSocket message types.
const (
	MsgConnected        = "connected"
	MsgSubscribed       = "subscribed"
	MsgUnsubscribed     = "unsubscribed"
	MsgError            = "error"
	MsgPong             = "pong"
	MsgJobUpdate        = "job_update"
	MsgJobProgress      = "job_progress"
	MsgLiveUpdate       = "live_session_update"
	MsgLiveSessionState = "live_session_state"
)

// ProjectChannel returns the channel name for a project's events.
// Format: "project:{project_id}"
func ProjectChannel(projectID string) string {
	return "project:" + projectID
}

// ClientMessage is the JSON structure for client → server WebSocket messages.
type ClientMessage struct {
	Type      string `json:"type"`                // "subscribe", "unsubscribe", "ping", "get_live_state"
	ProjectID string `json:"projectId,omitempty"` // subscribe/unsubscribe by project
	Channel   string `json:"channel,omitempty"`   // subscribe/unsubscribe by raw channel name
	SessionID string `json:"sessionId,omitempty"` // get_live_state
}
