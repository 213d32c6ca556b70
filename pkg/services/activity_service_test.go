package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scopeflow/scopeflow/pkg/models"
)

func TestActivityAppendSequence(t *testing.T) {
	svc := newTestServices(t)
	seedProject(t, svc, "proj-1")
	ctx := context.Background()

	sess, err := svc.Sessions.CreateSession(ctx, "alice", validSessionRequest("proj-1"))
	require.NoError(t, err)

	first, err := svc.Activity.Append(ctx, sess.ID, models.ActivityInfo, "", models.ActivitySessionStarted, "session started", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.Seq)

	second, err := svc.Activity.Append(ctx, sess.ID, models.ActivityInfo, models.StageImport, models.ActivityJobSubmitted, "Import submitted", map[string]any{"jobId": "job-a"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), second.Seq)
	require.NotNil(t, second.Stage)
	assert.Equal(t, models.StageImport, *second.Stage)

	_, err = svc.Activity.Append(ctx, "missing", models.ActivityInfo, "", models.ActivitySessionStarted, "x", nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestActivityQueryFilters(t *testing.T) {
	svc := newTestServices(t)
	seedProject(t, svc, "proj-1")
	ctx := context.Background()

	sess, err := svc.Sessions.CreateSession(ctx, "alice", validSessionRequest("proj-1"))
	require.NoError(t, err)

	mustAppend := func(level models.ActivityLevel, stage models.StageKey, kind, msg string) {
		t.Helper()
		_, err := svc.Activity.Append(ctx, sess.ID, level, stage, kind, msg, nil)
		require.NoError(t, err)
	}

	mustAppend(models.ActivityInfo, "", models.ActivitySessionStarted, "session started")
	mustAppend(models.ActivityInfo, models.StageImport, models.ActivityJobSubmitted, "Import job submitted")
	mustAppend(models.ActivityError, models.StageMotionCorr, models.ActivityJobFailed, "MotionCorr failed: exit code 137")
	mustAppend(models.ActivityWarning, models.StageExtract, models.ActivityArgsRejected, "dangerous additional arguments dropped")
	mustAppend(models.ActivityInfo, "", models.ActivityPipelinePass, "pass 1 complete")

	// Newest first, no filter.
	all, err := svc.Activity.Query(ctx, sess.ID, models.ActivityQuery{})
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Equal(t, int64(5), all[0].Seq)
	assert.Equal(t, int64(1), all[4].Seq)

	// Level filter.
	errs, err := svc.Activity.Query(ctx, sess.ID, models.ActivityQuery{Level: models.ActivityError})
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, models.ActivityJobFailed, errs[0].Kind)

	// Stage filter.
	extract, err := svc.Activity.Query(ctx, sess.ID, models.ActivityQuery{Stage: models.StageExtract})
	require.NoError(t, err)
	require.Len(t, extract, 1)

	// Substring search is case-insensitive.
	found, err := svc.Activity.Query(ctx, sess.ID, models.ActivityQuery{Search: "EXIT CODE"})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Contains(t, found[0].Message, "exit code 137")

	// Limit.
	limited, err := svc.Activity.Query(ctx, sess.ID, models.ActivityQuery{Limit: 2})
	require.NoError(t, err)
	require.Len(t, limited, 2)
	assert.Equal(t, int64(5), limited[0].Seq)
}
