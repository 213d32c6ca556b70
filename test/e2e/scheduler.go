package e2e

import (
	"context"
	"strconv"
	"sync"

	"github.com/scopeflow/scopeflow/pkg/slurm"
)

// Submission records one sbatch call the orchestrator made.
type Submission struct {
	SchedulerID string
	ScriptPath  string
	WorkDir     string
}

// ScriptedScheduler stands in for the SLURM CLI: submissions get sequential
// ids and appear in the queue as running until a test completes, fails or
// vanishes them. It serves both the orchestrator (Submit/Cancel) and the
// monitor (Queue/Accounting).
type ScriptedScheduler struct {
	mu         sync.Mutex
	nextID     int
	queue      map[string]slurm.QueueEntry
	accounting map[string]slurm.AcctEntry
	submitted  []Submission
	cancelled  []string

	// ghostAll makes every submission invisible to squeue and sacct, so the
	// monitor's miss counter is the only thing that ever sees it.
	ghostAll bool

	submitErr error
}

// NewScriptedScheduler returns a scheduler with an empty queue.
func NewScriptedScheduler() *ScriptedScheduler {
	return &ScriptedScheduler{
		nextID:     7000,
		queue:      make(map[string]slurm.QueueEntry),
		accounting: make(map[string]slurm.AcctEntry),
	}
}

// Submit assigns the next scheduler id and, unless ghosting is on, places
// the job in the queue in state R.
func (s *ScriptedScheduler) Submit(ctx context.Context, scriptPath, workDir string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.submitErr != nil {
		return "", s.submitErr
	}

	s.nextID++
	id := strconv.Itoa(s.nextID)
	s.submitted = append(s.submitted, Submission{
		SchedulerID: id,
		ScriptPath:  scriptPath,
		WorkDir:     workDir,
	})
	if !s.ghostAll {
		s.queue[id] = slurm.QueueEntry{JobID: id, State: "R", Elapsed: "0:10", TimeLeft: "59:50"}
	}
	return id, nil
}

// Cancel records the scancel call and removes the job from the queue.
func (s *ScriptedScheduler) Cancel(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = append(s.cancelled, id)
	delete(s.queue, id)
	return nil
}

// Queue returns the queue entries for the requested ids.
func (s *ScriptedScheduler) Queue(ctx context.Context, ids []string) (map[string]slurm.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]slurm.QueueEntry)
	for _, id := range ids {
		if entry, ok := s.queue[id]; ok {
			out[id] = entry
		}
	}
	return out, nil
}

// Accounting returns the accounting entries for the requested ids.
func (s *ScriptedScheduler) Accounting(ctx context.Context, ids []string) (map[string]slurm.AcctEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]slurm.AcctEntry)
	for _, id := range ids {
		if entry, ok := s.accounting[id]; ok {
			out[id] = entry
		}
	}
	return out, nil
}

// Complete moves a job from the queue into accounting as COMPLETED.
func (s *ScriptedScheduler) Complete(schedulerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.queue, schedulerID)
	s.accounting[schedulerID] = slurm.AcctEntry{
		JobID: schedulerID, State: "COMPLETED", ExitCode: "0:0", Elapsed: "2:31",
	}
}

// Fail moves a job from the queue into accounting as FAILED.
func (s *ScriptedScheduler) Fail(schedulerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.queue, schedulerID)
	s.accounting[schedulerID] = slurm.AcctEntry{
		JobID: schedulerID, State: "FAILED", ExitCode: "1:0", Elapsed: "0:42",
	}
}

// GhostAllSubmissions makes every future submission invisible to both
// squeue and sacct, simulating a scheduler that lost the job entirely.
func (s *ScriptedScheduler) GhostAllSubmissions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ghostAll = true
}

// SetSubmitError makes future Submit calls fail.
func (s *ScriptedScheduler) SetSubmitError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submitErr = err
}

// StillQueued reports whether the job is still visible to squeue.
func (s *ScriptedScheduler) StillQueued(schedulerID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.queue[schedulerID]
	return ok
}

// Submissions returns a snapshot of every submission in order.
func (s *ScriptedScheduler) Submissions() []Submission {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Submission, len(s.submitted))
	copy(out, s.submitted)
	return out
}

// Cancelled returns the scheduler ids scancel was called for.
func (s *ScriptedScheduler) Cancelled() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.cancelled))
	copy(out, s.cancelled)
	return out
}
