package e2e

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scopeflow/scopeflow/pkg/models"
)

// TestClass2DTriggerOnParticleThreshold enables the supplemental Class2D
// stage with a low particle threshold: once the extracted particle count
// crosses it, exactly one classification job is submitted into a fresh
// output directory.
func TestClass2DTriggerOnParticleThreshold(t *testing.T) {
	app := NewTestApp(t)
	app.SeedProject(t, "p1", "alice")

	watchDir := t.TempDir()
	WriteMovies(t, watchDir, 3)

	req := WatchSessionRequest("p1", watchDir)
	req.Pipeline.EnabledStages = append(req.Pipeline.EnabledStages, models.StageClass2D)
	req.Pipeline.ParticleThreshold = 2
	sessionID := app.CreateSession(t, "alice", req)

	ws, err := WSConnect(context.Background(), app.WSURL, app.Token(t, "alice"))
	require.NoError(t, err)
	defer func() { _ = ws.Close() }()
	require.NoError(t, ws.SubscribeProject("p1"))

	app.StartSession(t, "alice", sessionID)

	app.CompleteStage(t, "alice", sessionID, models.StageImport, 3)
	app.CompleteStage(t, "alice", sessionID, models.StageMotionCorr, 3)
	app.CompleteStage(t, "alice", sessionID, models.StageCtfFind, 3)
	app.CompleteStage(t, "alice", sessionID, models.StageAutoPick, 3)
	app.CompleteStage(t, "alice", sessionID, models.StageExtract, 3)

	// 3 extracted particles cross the k=1 threshold of 2.
	class2d := app.WaitForStageJob(t, "alice", sessionID, models.StageClass2D)
	outputDir, _ := class2d["outputDir"].(string)
	assert.Contains(t, outputDir, "Class2D")

	extract := app.WaitForStageJob(t, "alice", sessionID, models.StageExtract)
	assert.NotEqual(t, extract["outputDir"], outputDir,
		"classification must not reuse the extraction directory")

	require.Eventually(t, func() bool {
		for _, e := range app.GetActivity(t, "alice", sessionID, "") {
			if e["kind"] == "class2d_triggered" {
				return true
			}
		}
		return false
	}, 10*time.Second, 25*time.Millisecond, "no class2d_triggered activity entry")

	sess, err := app.Sessions.GetSession(context.Background(), sessionID)
	require.NoError(t, err)
	assert.Equal(t, 1, sess.LastTriggeredK)

	// At 3 particles only k=1 has been crossed; no second submission while
	// the first is in flight and the threshold multiple is unreached.
	time.Sleep(5 * app.Config.Live.TickInterval)
	var class2dSubs int
	for _, sub := range app.Scheduler.Submissions() {
		if strings.Contains(sub.WorkDir, "Class2D") {
			class2dSubs++
		}
	}
	assert.Equal(t, 1, class2dSubs)
}

// TestClass2DFailureDoesNotHaltPipeline fails the classification job via its
// marker and verifies the session neither errors nor latches: Class2D is
// supplemental.
func TestClass2DFailureDoesNotHaltPipeline(t *testing.T) {
	app := NewTestApp(t)
	app.SeedProject(t, "p1", "alice")

	watchDir := t.TempDir()
	WriteMovies(t, watchDir, 3)

	req := WatchSessionRequest("p1", watchDir)
	req.Pipeline.EnabledStages = append(req.Pipeline.EnabledStages, models.StageClass2D)
	req.Pipeline.ParticleThreshold = 2
	sessionID := app.CreateSession(t, "alice", req)

	app.StartSession(t, "alice", sessionID)

	app.CompleteStage(t, "alice", sessionID, models.StageImport, 3)
	app.CompleteStage(t, "alice", sessionID, models.StageMotionCorr, 3)
	app.CompleteStage(t, "alice", sessionID, models.StageCtfFind, 3)
	app.CompleteStage(t, "alice", sessionID, models.StageAutoPick, 3)
	app.CompleteStage(t, "alice", sessionID, models.StageExtract, 3)

	app.FailStage(t, "alice", sessionID, models.StageClass2D)
	app.WaitForJobStatusDB(t, "alice", sessionID, models.StageClass2D, "failed")

	// The failure surfaces as a warning, not an error, and the session keeps
	// running.
	require.Eventually(t, func() bool {
		for _, e := range app.GetActivity(t, "alice", sessionID, "level=warning") {
			if e["kind"] == "job_failed" {
				return true
			}
		}
		return false
	}, 10*time.Second, 25*time.Millisecond, "no class2d failure warning")

	sess, err := app.Sessions.GetSession(context.Background(), sessionID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionRunning, sess.Status)
	assert.Empty(t, sess.ErrorMessage)
}
