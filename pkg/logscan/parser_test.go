package logscan

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyLine(t *testing.T) {
	tests := []struct {
		name     string
		line     string
		category Category
		match    bool
	}{
		{"cuda error", "cudaErrorMemoryAllocation: out of memory on device 0", CategoryCUDAError, true},
		{"oom kill", "slurmstepd: Job 123 oom-killed", CategoryOOM, true},
		{"bad alloc", "terminate called after throwing an instance of 'std::bad_alloc'", CategoryOOM, true},
		{"segfault", "Segmentation fault (core dumped)", CategorySegFault, true},
		{"missing input", "fopen: corrected_micrographs.star: No such file or directory", CategoryMissingInput, true},
		{"permission", "cannot create directory: Permission denied", CategoryPermissionDenied, true},
		{"time limit", "slurmstepd: *** JOB 42 CANCELLED AT 2025-03-01 DUE TO TIME LIMIT ***", CategorySchedulerTimeout, true},
		{"relion assertion", "ERROR: BPref::backrotate2D: dimension mismatch", CategoryRelionAssertion, true},
		{"benign", "Estimating CTF parameters for micrograph 12 of 40", "", false},
		{"blank", "   ", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			issue, ok := classifyLine(tt.line)
			if !tt.match {
				assert.False(t, ok)
				return
			}
			require.True(t, ok)
			assert.Equal(t, tt.category, issue.Category)
			assert.NotEmpty(t, issue.Suggestion)
		})
	}
}

// CUDA patterns are checked before generic OOM so a device allocation
// failure is not misfiled as host memory pressure.
func TestClassifyLinePrecedence(t *testing.T) {
	issue, ok := classifyLine("CUDA error: out of memory")
	require.True(t, ok)
	assert.Equal(t, CategoryCUDAError, issue.Category)
}

func TestScanJobLogs(t *testing.T) {
	dir := t.TempDir()
	writeLog(t, dir, "run.err", []string{
		"reading input star file",
		"Segmentation fault (core dumped)",
	})
	writeLog(t, dir, "run.out", []string{
		"iteration 3 of 25",
		"ERROR: MultidimArray::resize: cannot allocate memory",
	})

	issues := ScanJobLogs(dir)
	require.Len(t, issues, 2)

	// stderr is scanned first.
	assert.Equal(t, "stderr", issues[0].Source)
	assert.Equal(t, CategorySegFault, issues[0].Category)
	assert.Equal(t, 2, issues[0].LineNumber)

	assert.Equal(t, "stdout", issues[1].Source)
	assert.Equal(t, CategoryOOM, issues[1].Category)
}

func TestScanJobLogsMissingFiles(t *testing.T) {
	assert.Empty(t, ScanJobLogs(t.TempDir()))
}

func TestScanJobLogsIssueCap(t *testing.T) {
	dir := t.TempDir()
	lines := make([]string, maxIssues+10)
	for i := range lines {
		lines[i] = "ERROR: iteration diverged"
	}
	writeLog(t, dir, "run.err", lines)

	assert.Len(t, ScanJobLogs(dir), maxIssues)
}

func TestSummarize(t *testing.T) {
	t.Run("no issues", func(t *testing.T) {
		summary := Summarize(nil)
		assert.True(t, strings.HasPrefix(summary, string(CategoryUnknown)))
	})

	t.Run("prefers stderr errors", func(t *testing.T) {
		summary := Summarize([]Issue{
			{Category: CategoryOOM, Severity: SeverityError, Source: "stdout", Message: "std::bad_alloc"},
			{Category: CategorySegFault, Severity: SeverityError, Source: "stderr", Message: "Segmentation fault"},
		})
		assert.Equal(t, "SegFault: Segmentation fault", summary)
	})
}

func writeLog(t *testing.T, dir, name string, lines []string) {
	t.Helper()
	content := strings.Join(lines, "\n") + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}
