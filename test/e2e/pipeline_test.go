package e2e

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scopeflow/scopeflow/pkg/models"
)

// TestLivePipelineHappyPath drives a watch-mode session through one full
// pass: movies land, Import through Extract run in order (completion signaled
// by marker files and star outputs), and the pass is recorded with counters
// and WebSocket updates.
func TestLivePipelineHappyPath(t *testing.T) {
	app := NewTestApp(t)
	app.SeedProject(t, "p1", "alice")

	watchDir := t.TempDir()
	WriteMovies(t, watchDir, 3)

	sessionID := app.CreateSession(t, "alice", WatchSessionRequest("p1", watchDir))

	ws, err := WSConnect(context.Background(), app.WSURL, app.Token(t, "alice"))
	require.NoError(t, err)
	defer func() { _ = ws.Close() }()

	_, err = ws.WaitForEventType("connected", 5*time.Second)
	require.NoError(t, err)
	require.NoError(t, ws.SubscribeProject("p1"))
	_, err = ws.WaitForEventType("subscribed", 5*time.Second)
	require.NoError(t, err)

	app.StartSession(t, "alice", sessionID)

	// Import picks up the three settled movies.
	app.CompleteStage(t, "alice", sessionID, models.StageImport, 3)
	evt, err := ws.WaitForJobStatus("Import", "success", 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "file", evt.Payload()["source"], "marker file should be the status source")

	// Each downstream stage is submitted once its predecessor has output.
	app.CompleteStage(t, "alice", sessionID, models.StageMotionCorr, 3)
	app.CompleteStage(t, "alice", sessionID, models.StageCtfFind, 3)
	app.CompleteStage(t, "alice", sessionID, models.StageAutoPick, 3)
	app.CompleteStage(t, "alice", sessionID, models.StageExtract, 3)

	// Terminal stage output growth finalizes the pass.
	passEvt, err := ws.WaitForEvent(func(e WSEvent) bool {
		return e.Type == "live_session_update" && e.Payload()["event"] == "pipeline_pass"
	}, 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, sessionID, passEvt.Payload()["sessionId"])

	stats := app.GetStats(t, "alice", sessionID)
	counters, _ := stats["counters"].(map[string]interface{})
	assert.EqualValues(t, 3, counters["moviesImported"])
	assert.EqualValues(t, 3, counters["moviesMotion"])
	assert.EqualValues(t, 3, counters["moviesCtf"])
	assert.EqualValues(t, 3, counters["moviesPicked"])
	assert.EqualValues(t, 3, counters["particlesExtracted"])
	assert.EqualValues(t, 1, stats["passesCompleted"])

	// Every stage left a submission trail: script on disk, activity entry.
	subs := app.Scheduler.Submissions()
	require.Len(t, subs, 5)
	script, err := os.ReadFile(subs[0].ScriptPath)
	require.NoError(t, err)
	assert.Contains(t, string(script), "#SBATCH")
	assert.Contains(t, string(script), "relion_import")

	activity := app.GetActivity(t, "alice", sessionID, "")
	kinds := make(map[string]int)
	for _, e := range activity {
		kind, _ := e["kind"].(string)
		kinds[kind]++
	}
	assert.Equal(t, 5, kinds["job_submitted"])
	assert.GreaterOrEqual(t, kinds["pipeline_pass"], 1)

	app.StopSession(t, "alice", sessionID)
	assert.Empty(t, app.Scheduler.Cancelled(), "terminal jobs need no scancel")
}

// TestExistingModeSessionCompletes runs a one-stage session over a fixed
// input directory: once every input is processed and discovery has been idle,
// the session completes on its own.
func TestExistingModeSessionCompletes(t *testing.T) {
	app := NewTestApp(t)
	app.SeedProject(t, "p1", "alice")

	watchDir := t.TempDir()
	WriteMovies(t, watchDir, 2)

	req := WatchSessionRequest("p1", watchDir)
	req.InputMode = models.InputModeExisting
	req.Pipeline.EnabledStages = []models.StageKey{models.StageImport}
	sessionID := app.CreateSession(t, "alice", req)

	ws, err := WSConnect(context.Background(), app.WSURL, app.Token(t, "alice"))
	require.NoError(t, err)
	defer func() { _ = ws.Close() }()
	require.NoError(t, ws.SubscribeProject("p1"))

	app.StartSession(t, "alice", sessionID)
	app.CompleteStage(t, "alice", sessionID, models.StageImport, 2)

	app.WaitForSessionStatus(t, sessionID, models.SessionCompleted)

	_, err = ws.WaitForEvent(func(e WSEvent) bool {
		return e.Type == "live_session_update" && e.Payload()["event"] == "pipeline_complete"
	}, 10*time.Second)
	require.NoError(t, err)

	stats := app.GetStats(t, "alice", sessionID)
	assert.Equal(t, "completed", stats["status"])
	assert.EqualValues(t, 1, stats["passesCompleted"])
}

// TestMarkerOutranksScheduler verifies that a stage's own failure marker
// decides the job outcome even while squeue still reports the job running,
// and that the failed stage latches the pass loop.
func TestMarkerOutranksScheduler(t *testing.T) {
	app := NewTestApp(t)
	app.SeedProject(t, "p1", "alice")

	watchDir := t.TempDir()
	WriteMovies(t, watchDir, 1)

	req := WatchSessionRequest("p1", watchDir)
	req.Pipeline.EnabledStages = []models.StageKey{models.StageImport}
	sessionID := app.CreateSession(t, "alice", req)

	app.StartSession(t, "alice", sessionID)
	job := app.WaitForStageJob(t, "alice", sessionID, models.StageImport)
	schedulerID, _ := job["schedulerId"].(string)

	app.FailStage(t, "alice", sessionID, models.StageImport)
	app.WaitForJobStatusDB(t, "alice", sessionID, models.StageImport, "failed")

	// The scheduler never learned: the queue still lists the job as running.
	assert.True(t, app.Scheduler.StillQueued(schedulerID))

	activity := app.GetActivity(t, "alice", sessionID, "level=error")
	require.NotEmpty(t, activity)
	assert.Equal(t, "job_failed", activity[0]["kind"])

	// The latched stage is not resubmitted; the session stays running so the
	// operator can pause and resume after fixing the input.
	time.Sleep(5 * app.Config.Live.TickInterval)
	assert.Len(t, app.Scheduler.Submissions(), 1)
	sess, err := app.Sessions.GetSession(context.Background(), sessionID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionRunning, sess.Status)
}
