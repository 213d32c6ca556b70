package slurm

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scopeflow/scopeflow/pkg/events"
	"github.com/scopeflow/scopeflow/pkg/models"
)

func TestMapSqueueState(t *testing.T) {
	tests := []struct {
		code string
		want models.JobStatus
	}{
		{"PD", models.JobPending},
		{"CF", models.JobPending},
		{"R", models.JobRunning},
		{"CG", models.JobRunning},
		{"S", models.JobRunning},
		{"ST", models.JobRunning},
		{"CD", models.JobSuccess},
		{"CA", models.JobCancelled},
		{"F", models.JobFailed},
		{"TO", models.JobFailed},
		{"NF", models.JobFailed},
		{"OOM", models.JobFailed},
		{"PR", models.JobFailed},
		{"BF", models.JobFailed},
		{"XX", models.JobFailed}, // unknown codes fail closed
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, MapSqueueState(tt.code), "code %s", tt.code)
	}
}

func TestMapSacctState(t *testing.T) {
	tests := []struct {
		state string
		want  models.JobStatus
	}{
		{"PENDING", models.JobPending},
		{"RUNNING", models.JobRunning},
		{"COMPLETED", models.JobSuccess},
		{"CANCELLED", models.JobCancelled},
		{"FAILED", models.JobFailed},
		{"TIMEOUT", models.JobFailed},
		{"NODE_FAIL", models.JobFailed},
		{"OUT_OF_MEMORY", models.JobFailed},
		{"WEIRD_NEW_STATE", models.JobFailed},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, MapSacctState(tt.state), "state %s", tt.state)
	}
}

func writeMarker(t *testing.T, dir, name string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o644))
}

func TestReadMarker(t *testing.T) {
	dir := t.TempDir()
	assert.Equal(t, MarkerNone, ReadMarker(dir))

	writeMarker(t, dir, MarkerFailureFile)
	assert.Equal(t, MarkerFailure, ReadMarker(dir))

	// Success wins when both exist.
	writeMarker(t, dir, MarkerSuccessFile)
	assert.Equal(t, MarkerSuccess, ReadMarker(dir))

	assert.Equal(t, MarkerNone, ReadMarker(filepath.Join(dir, "missing")))
}

func TestReconcile_MarkerBeatsQueue(t *testing.T) {
	// The stage's own verdict outranks a stale squeue row.
	out := Reconcile(Observation{
		Marker: MarkerSuccess,
		Queue:  &QueueEntry{JobID: "101", State: "R"},
	})
	assert.True(t, out.Observed)
	assert.Equal(t, models.JobSuccess, out.Status)
	assert.Equal(t, events.SourceFile, out.Source)
}

func TestReconcile_FailureMarker(t *testing.T) {
	out := Reconcile(Observation{Marker: MarkerFailure})
	assert.Equal(t, models.JobFailed, out.Status)
	assert.Equal(t, events.SourceFile, out.Source)
	assert.NotEmpty(t, out.ErrorMessage)
}

func TestReconcile_QueueBeatsAccounting(t *testing.T) {
	out := Reconcile(Observation{
		Queue: &QueueEntry{JobID: "101", State: "PD"},
		Acct:  &AcctEntry{JobID: "101", State: "FAILED"},
	})
	assert.Equal(t, models.JobPending, out.Status)
	assert.Equal(t, events.SourceSqueue, out.Source)
	assert.Equal(t, "PD", out.RawState)
}

func TestReconcile_AccountingFallback(t *testing.T) {
	out := Reconcile(Observation{
		Acct: &AcctEntry{JobID: "101", State: "TIMEOUT", ExitCode: "0:1"},
	})
	assert.Equal(t, models.JobFailed, out.Status)
	assert.Equal(t, events.SourceSacct, out.Source)
	assert.Contains(t, out.ErrorMessage, "TIMEOUT")
	assert.Contains(t, out.ErrorMessage, "0:1")
}

func TestReconcile_AccountingSuccessHasNoError(t *testing.T) {
	out := Reconcile(Observation{
		Acct: &AcctEntry{JobID: "101", State: "COMPLETED", ExitCode: "0:0"},
	})
	assert.Equal(t, models.JobSuccess, out.Status)
	assert.Empty(t, out.ErrorMessage)
}

func TestReconcile_NothingObserved(t *testing.T) {
	out := Reconcile(Observation{})
	assert.False(t, out.Observed)
}
