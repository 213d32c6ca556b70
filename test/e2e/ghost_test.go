package e2e

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scopeflow/scopeflow/pkg/models"
)

// TestGhostJobDetection submits against a scheduler that immediately loses
// every job: no squeue row, no sacct row, no marker. After MaxMissedPolls
// consecutive misses the monitor declares the job a ghost and fails it.
func TestGhostJobDetection(t *testing.T) {
	app := NewTestApp(t, WithMaxMissedPolls(2))
	app.Scheduler.GhostAllSubmissions()
	app.SeedProject(t, "p1", "alice")

	watchDir := t.TempDir()
	WriteMovies(t, watchDir, 1)

	req := WatchSessionRequest("p1", watchDir)
	req.Pipeline.EnabledStages = []models.StageKey{models.StageImport}
	sessionID := app.CreateSession(t, "alice", req)

	ws, err := WSConnect(context.Background(), app.WSURL, app.Token(t, "alice"))
	require.NoError(t, err)
	defer func() { _ = ws.Close() }()
	require.NoError(t, ws.SubscribeProject("p1"))
	_, err = ws.WaitForEventType("subscribed", 5*time.Second)
	require.NoError(t, err)

	app.StartSession(t, "alice", sessionID)
	app.WaitForStageJob(t, "alice", sessionID, models.StageImport)

	evt, err := ws.WaitForJobStatus("Import", "failed", 10*time.Second)
	require.NoError(t, err)
	payload := evt.Payload()
	assert.Equal(t, "orphan_detection", payload["source"])
	assert.Contains(t, payload["errorMessage"], "GHOST_JOB")

	// The orchestrator records the ghost as a warning and latches the stage;
	// the session itself keeps running.
	require.Eventually(t, func() bool {
		warnings := app.GetActivity(t, "alice", sessionID, "level=warning")
		for _, e := range warnings {
			if e["kind"] == "ghost_job" {
				return true
			}
		}
		return false
	}, 10*time.Second, 25*time.Millisecond, "no ghost_job activity entry")

	sess, err := app.Sessions.GetSession(context.Background(), sessionID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionRunning, sess.Status)
	assert.Len(t, app.Scheduler.Submissions(), 1, "latched stage must not be resubmitted")
}
