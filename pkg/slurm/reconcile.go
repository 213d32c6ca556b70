package slurm

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/scopeflow/scopeflow/pkg/events"
	"github.com/scopeflow/scopeflow/pkg/models"
)

// Marker file names written by pipeline stages into their output directory.
// A marker is the stage's own verdict and outranks anything the scheduler
// reports.
const (
	MarkerSuccessFile = "RELION_JOB_EXIT_SUCCESS"
	MarkerFailureFile = "RELION_JOB_EXIT_FAILURE"
)

// Marker is the outcome recorded by the stage itself.
type Marker int

const (
	MarkerNone Marker = iota
	MarkerSuccess
	MarkerFailure
)

// ReadMarker inspects a job's output directory for an exit marker. Success
// wins if both are somehow present, matching a stage that retried into
// success after a failed attempt.
func ReadMarker(outputDir string) Marker {
	if fileExists(filepath.Join(outputDir, MarkerSuccessFile)) {
		return MarkerSuccess
	}
	if fileExists(filepath.Join(outputDir, MarkerFailureFile)) {
		return MarkerFailure
	}
	return MarkerNone
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// Observation is everything one poll learned about a job.
type Observation struct {
	Marker Marker
	Queue  *QueueEntry
	Acct   *AcctEntry
}

// Outcome is the reconciled verdict for one poll. Observed is false when no
// source saw the job, which feeds the caller's miss counter.
type Outcome struct {
	Observed     bool
	Status       models.JobStatus
	Source       string
	RawState     string
	ErrorMessage string
}

// Reconcile merges one poll's observations in precedence order: the stage's
// own marker file beats the live queue, which beats accounting history.
func Reconcile(obs Observation) Outcome {
	switch obs.Marker {
	case MarkerSuccess:
		return Outcome{Observed: true, Status: models.JobSuccess, Source: events.SourceFile}
	case MarkerFailure:
		return Outcome{
			Observed:     true,
			Status:       models.JobFailed,
			Source:       events.SourceFile,
			ErrorMessage: "stage wrote failure marker",
		}
	}

	if obs.Queue != nil {
		return Outcome{
			Observed: true,
			Status:   MapSqueueState(obs.Queue.State),
			Source:   events.SourceSqueue,
			RawState: obs.Queue.State,
		}
	}

	if obs.Acct != nil {
		out := Outcome{
			Observed: true,
			Status:   MapSacctState(obs.Acct.State),
			Source:   events.SourceSacct,
			RawState: obs.Acct.State,
		}
		if out.Status == models.JobFailed {
			out.ErrorMessage = fmt.Sprintf("scheduler reported %s (exit code %s)",
				obs.Acct.State, obs.Acct.ExitCode)
		}
		return out
	}

	return Outcome{Observed: false}
}
