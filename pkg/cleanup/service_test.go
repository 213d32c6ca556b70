package cleanup

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scopeflow/scopeflow/pkg/config"
	"github.com/scopeflow/scopeflow/pkg/database"
	"github.com/scopeflow/scopeflow/pkg/models"
	"github.com/scopeflow/scopeflow/pkg/services"
	"github.com/scopeflow/scopeflow/test/util"
)

type testEnv struct {
	client   *database.Client
	sessions *services.SessionService
	activity *services.ActivityService
}

func setupEnv(t *testing.T) *testEnv {
	t.Helper()
	client := util.SetupTestDatabase(t)
	return &testEnv{
		client:   client,
		sessions: services.NewSessionService(client),
		activity: services.NewActivityService(client),
	}
}

func (e *testEnv) seedSession(t *testing.T, projectID string) *models.LiveSession {
	t.Helper()
	ctx := context.Background()

	projects := services.NewProjectService(e.client)
	_, err := projects.CreateProject(ctx, &models.Project{
		ID:      projectID,
		Name:    "relion " + projectID,
		OwnerID: "alice",
		RootDir: "/data/" + projectID,
	})
	require.NoError(t, err)

	sess, err := e.sessions.CreateSession(ctx, "alice", models.CreateLiveSessionRequest{
		ProjectID: projectID,
		Name:      "grid3 overnight",
		InputMode: models.InputModeWatch,
		WatchDir:  "/data/microscope/grid3",
		WatchGlob: "**/*.tiff",
		Optics: models.OpticsConfig{
			PixelSize:           0.85,
			Voltage:             300,
			SphericalAberration: 2.7,
			AmplitudeContrast:   0.1,
		},
		Pipeline: models.PipelineConfig{
			EnabledStages: []models.StageKey{
				models.StageImport, models.StageMotionCorr, models.StageCtfFind,
				models.StageAutoPick, models.StageExtract,
			},
		},
	})
	require.NoError(t, err)
	return sess
}

func retentionConfig() *config.RetentionConfig {
	return &config.RetentionConfig{
		SessionRetentionDays:  30,
		ActivityRetentionDays: 365,
		CleanupInterval:       time.Hour,
	}
}

func TestService_PurgesOldDeletedSessions(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()

	sess := env.seedSession(t, "proj-purge")
	require.NoError(t, env.sessions.DeleteSession(ctx, sess.ID))

	_, err := env.client.DB().ExecContext(ctx,
		`UPDATE live_sessions SET deleted_at = now() - interval '40 days' WHERE id = $1`, sess.ID)
	require.NoError(t, err)

	svc := NewService(retentionConfig(), env.sessions, env.activity)
	svc.runAll(ctx)

	var count int
	err = env.client.DB().QueryRowContext(ctx,
		`SELECT count(*) FROM live_sessions WHERE id = $1`, sess.ID).Scan(&count)
	require.NoError(t, err)
	assert.Zero(t, count, "session row should be gone after retention window")
}

func TestService_PurgeCascadesToActivityAndPasses(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()

	sess := env.seedSession(t, "proj-cascade")
	_, err := env.activity.Append(ctx, sess.ID, models.ActivityInfo, "", "session_started", "started", nil)
	require.NoError(t, err)
	_, err = env.sessions.TransitionStatus(ctx, sess.ID, models.SessionRunning)
	require.NoError(t, err)
	_, err = env.sessions.CompletePass(ctx, sess.ID, map[string]int64{"moviesImported": 10})
	require.NoError(t, err)

	require.NoError(t, env.sessions.DeleteSession(ctx, sess.ID))
	_, err = env.client.DB().ExecContext(ctx,
		`UPDATE live_sessions SET deleted_at = now() - interval '40 days' WHERE id = $1`, sess.ID)
	require.NoError(t, err)

	svc := NewService(retentionConfig(), env.sessions, env.activity)
	svc.runAll(ctx)

	for _, table := range []string{"session_activity", "session_passes"} {
		var count int
		err = env.client.DB().QueryRowContext(ctx,
			`SELECT count(*) FROM `+table+` WHERE session_id = $1`, sess.ID).Scan(&count)
		require.NoError(t, err)
		assert.Zero(t, count, "%s rows should cascade with the session", table)
	}
}

func TestService_PreservesRecentlyDeletedSessions(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()

	sess := env.seedSession(t, "proj-recent")
	require.NoError(t, env.sessions.DeleteSession(ctx, sess.ID))

	svc := NewService(retentionConfig(), env.sessions, env.activity)
	svc.runAll(ctx)

	var count int
	err := env.client.DB().QueryRowContext(ctx,
		`SELECT count(*) FROM live_sessions WHERE id = $1`, sess.ID).Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, 1, count, "recently deleted session must survive the purge")
}

func TestService_PurgesOldActivityFromTerminalSessions(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()

	sess := env.seedSession(t, "proj-activity")
	_, err := env.sessions.TransitionStatus(ctx, sess.ID, models.SessionRunning)
	require.NoError(t, err)

	old, err := env.activity.Append(ctx, sess.ID, models.ActivityInfo, "", "session_started", "started", nil)
	require.NoError(t, err)
	_, err = env.activity.Append(ctx, sess.ID, models.ActivityInfo, "", "session_stopped", "stopped", nil)
	require.NoError(t, err)

	_, err = env.client.DB().ExecContext(ctx,
		`UPDATE session_activity SET ts = now() - interval '400 days'
		 WHERE session_id = $1 AND seq = $2`, sess.ID, old.Seq)
	require.NoError(t, err)

	_, err = env.sessions.TransitionStatus(ctx, sess.ID, models.SessionStopped)
	require.NoError(t, err)

	svc := NewService(retentionConfig(), env.sessions, env.activity)
	svc.runAll(ctx)

	entries, err := env.activity.Recent(ctx, sess.ID, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1, "only the recent entry should remain")
	assert.Equal(t, "session_stopped", entries[0].Kind)
}

func TestService_KeepsActivityOfLiveSessions(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()

	sess := env.seedSession(t, "proj-live")
	_, err := env.sessions.TransitionStatus(ctx, sess.ID, models.SessionRunning)
	require.NoError(t, err)

	old, err := env.activity.Append(ctx, sess.ID, models.ActivityInfo, "", "session_started", "started", nil)
	require.NoError(t, err)
	_, err = env.client.DB().ExecContext(ctx,
		`UPDATE session_activity SET ts = now() - interval '400 days'
		 WHERE session_id = $1 AND seq = $2`, sess.ID, old.Seq)
	require.NoError(t, err)

	svc := NewService(retentionConfig(), env.sessions, env.activity)
	svc.runAll(ctx)

	entries, err := env.activity.Recent(ctx, sess.ID, 10)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "running sessions keep their full activity log")
}

func TestService_StartStop(t *testing.T) {
	env := setupEnv(t)

	svc := NewService(retentionConfig(), env.sessions, env.activity)
	svc.Start(context.Background())
	svc.Start(context.Background()) // second Start is a no-op
	svc.Stop()
}
