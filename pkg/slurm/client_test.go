package slurm

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scopeflow/scopeflow/pkg/config"
)

// fakeRunner returns scripted results keyed by binary name.
type fakeRunner struct {
	results map[string]Result
	errs    map[string]error
	calls   [][]string
}

func (f *fakeRunner) Run(_ context.Context, binary string, args ...string) (Result, error) {
	f.calls = append(f.calls, append([]string{binary}, args...))
	if err, ok := f.errs[binary]; ok {
		return Result{}, err
	}
	return f.results[binary], nil
}

func testSchedulerConfig() *config.SchedulerConfig {
	return &config.SchedulerConfig{
		SbatchBin:   "sbatch",
		SqueueBin:   "squeue",
		SacctBin:    "sacct",
		ScancelBin:  "scancel",
		ExecTimeout: 10 * time.Second,
	}
}

func TestValidJobID(t *testing.T) {
	tests := []struct {
		id   string
		want bool
	}{
		{"12345", true},
		{"12345_7", true},
		{"0", true},
		{"", false},
		{"12345_", false},
		{"_7", false},
		{"12345_7_8", false},
		{"12345; rm -rf /", false},
		{"abc", false},
		{"12345\n", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ValidJobID(tt.id), "id %q", tt.id)
	}
}

func TestSubmit_ParsesJobID(t *testing.T) {
	runner := &fakeRunner{results: map[string]Result{
		"sbatch": {Stdout: "Submitted batch job 987654\n"},
	}}
	client := NewClientWithRunner(testSchedulerConfig(), runner)

	id, err := client.Submit(context.Background(), "/work/run.sh", "/work")
	require.NoError(t, err)
	assert.Equal(t, "987654", id)

	require.Len(t, runner.calls, 1)
	assert.Equal(t, []string{"sbatch", "--chdir", "/work", "/work/run.sh"}, runner.calls[0])
}

func TestSubmit_SkipsInformationalLines(t *testing.T) {
	runner := &fakeRunner{results: map[string]Result{
		"sbatch": {Stdout: "sbatch: lua plugin loaded\nSubmitted batch job 42\n"},
	}}
	client := NewClientWithRunner(testSchedulerConfig(), runner)

	id, err := client.Submit(context.Background(), "run.sh", "")
	require.NoError(t, err)
	assert.Equal(t, "42", id)
}

func TestSubmit_Errors(t *testing.T) {
	tests := []struct {
		name   string
		result Result
	}{
		{"non-zero exit", Result{ExitCode: 1, Stderr: "sbatch: error: invalid partition"}},
		{"missing ack line", Result{Stdout: "something unexpected"}},
		{"malformed id", Result{Stdout: "Submitted batch job banana"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &fakeRunner{results: map[string]Result{"sbatch": tt.result}}
			client := NewClientWithRunner(testSchedulerConfig(), runner)
			_, err := client.Submit(context.Background(), "run.sh", "")
			require.Error(t, err)
		})
	}
}

func TestQueue_ParsesRows(t *testing.T) {
	runner := &fakeRunner{results: map[string]Result{
		"squeue": {Stdout: "101|R|12:34|1:23:45\n102|PD|0:00|2:00:00\n\n"},
	}}
	client := NewClientWithRunner(testSchedulerConfig(), runner)

	entries, err := client.Queue(context.Background(), []string{"101", "102"})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "R", entries["101"].State)
	assert.Equal(t, "12:34", entries["101"].Elapsed)
	assert.Equal(t, "PD", entries["102"].State)

	require.Len(t, runner.calls, 1)
	assert.Equal(t,
		[]string{"squeue", "-j", "101,102", "--format=%i|%t|%M|%L", "--noheader"},
		runner.calls[0])
}

func TestQueue_SkipsInvalidIDs(t *testing.T) {
	runner := &fakeRunner{results: map[string]Result{"squeue": {}}}
	client := NewClientWithRunner(testSchedulerConfig(), runner)

	entries, err := client.Queue(context.Background(), []string{"bad;id", "101"})
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Equal(t, "101", runner.calls[0][2], "only the valid id reaches squeue")
}

func TestQueue_AllIDsOnlyInvalid(t *testing.T) {
	runner := &fakeRunner{}
	client := NewClientWithRunner(testSchedulerConfig(), runner)

	entries, err := client.Queue(context.Background(), []string{"nope"})
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Empty(t, runner.calls, "no CLI call for an empty id set")
}

func TestQueue_NonZeroExitWithEmptyOutput(t *testing.T) {
	// squeue exits 1 when every requested id has already left the queue.
	runner := &fakeRunner{results: map[string]Result{
		"squeue": {ExitCode: 1, Stderr: "slurm_load_jobs error: Invalid job id specified"},
	}}
	client := NewClientWithRunner(testSchedulerConfig(), runner)

	entries, err := client.Queue(context.Background(), []string{"101"})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestAccounting_ParsesRowsAndSkipsSteps(t *testing.T) {
	runner := &fakeRunner{results: map[string]Result{
		"sacct": {Stdout: "101|COMPLETED|0:0|10:00\n101.batch|COMPLETED|0:0|10:00\n102|CANCELLED by 1000|0:0|5:00\n"},
	}}
	client := NewClientWithRunner(testSchedulerConfig(), runner)

	entries, err := client.Accounting(context.Background(), []string{"101", "102"})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "COMPLETED", entries["101"].State)
	assert.Equal(t, "0:0", entries["101"].ExitCode)
	assert.Equal(t, "CANCELLED", entries["102"].State, "qualifier after the state is dropped")

	assert.Equal(t,
		[]string{"sacct", "-j", "101,102", "--format=JobID,State,ExitCode,Elapsed", "--noheader", "--parsable2"},
		runner.calls[0])
}

func TestAccounting_RunnerError(t *testing.T) {
	runner := &fakeRunner{errs: map[string]error{"sacct": fmt.Errorf("binary not found")}}
	client := NewClientWithRunner(testSchedulerConfig(), runner)

	_, err := client.Accounting(context.Background(), []string{"101"})
	require.Error(t, err)
}

func TestCancel_RejectsMalformedID(t *testing.T) {
	runner := &fakeRunner{}
	client := NewClientWithRunner(testSchedulerConfig(), runner)

	err := client.Cancel(context.Background(), "101; scancel -u root")
	require.Error(t, err)
	assert.Empty(t, runner.calls, "malformed id must never reach scancel")
}

func TestCancel_ToleratesNonZeroExit(t *testing.T) {
	runner := &fakeRunner{results: map[string]Result{
		"scancel": {ExitCode: 1, Stderr: "Job has already finished"},
	}}
	client := NewClientWithRunner(testSchedulerConfig(), runner)

	err := client.Cancel(context.Background(), "101")
	require.NoError(t, err)
}
