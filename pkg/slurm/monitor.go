package slurm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/scopeflow/scopeflow/pkg/config"
	"github.com/scopeflow/scopeflow/pkg/events"
	"github.com/scopeflow/scopeflow/pkg/logscan"
	"github.com/scopeflow/scopeflow/pkg/models"
	"github.com/scopeflow/scopeflow/pkg/services"
)

// JobStore is the slice of the job service the monitor needs.
type JobStore interface {
	ListActiveScheduled(ctx context.Context) ([]*models.Job, error)
	TransitionStatus(ctx context.Context, id string, to models.JobStatus, errMessage string) (*models.Job, models.JobStatus, error)
	AppendErrorMessage(ctx context.Context, id, message string) error
	UpdateStats(ctx context.Context, id string, stats models.PipelineStats) error
}

// Scheduler is the slice of the SLURM client the monitor needs.
type Scheduler interface {
	Queue(ctx context.Context, ids []string) (map[string]QueueEntry, error)
	Accounting(ctx context.Context, ids []string) (map[string]AcctEntry, error)
}

// Publisher is the bus surface the monitor publishes to.
type Publisher interface {
	PublishStatus(events.StatusChange)
	PublishProgress(events.ProgressChange)
}

// ProgressProber reads a running job's output directory and reports its
// current pipeline statistics. ok is false when nothing is parseable yet.
type ProgressProber interface {
	Probe(job *models.Job) (models.PipelineStats, bool)
}

// Monitor polls the scheduler for every active job, reconciles observations
// against marker files, applies status transitions and publishes the
// resulting events. It is the only writer of scheduler-observed job state.
type Monitor struct {
	cfg       *config.SchedulerConfig
	jobs      JobStore
	scheduler Scheduler
	bus       Publisher
	prober    ProgressProber

	// missedPolls counts consecutive polls in which a job was invisible to
	// every source. Reaching MaxMissedPolls declares the job a ghost.
	missedPolls map[string]int

	mu       sync.Mutex
	lastPoll time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// MonitorHealth is the monitor's health report for the health endpoint.
type MonitorHealth struct {
	Healthy  bool      `json:"healthy"`
	LastPoll time.Time `json:"lastPoll"`
}

// Health reports whether the poll loop has completed a cycle recently.
// Stale by more than three intervals means the loop is wedged or stopped.
func (m *Monitor) Health() MonitorHealth {
	m.mu.Lock()
	last := m.lastPoll
	m.mu.Unlock()
	return MonitorHealth{
		Healthy:  !last.IsZero() && time.Since(last) < 3*m.cfg.PollInterval,
		LastPoll: last,
	}
}

func (m *Monitor) markPolled() {
	m.mu.Lock()
	m.lastPoll = time.Now()
	m.mu.Unlock()
}

// NewMonitor creates a monitor. prober may be nil to disable progress
// probing.
func NewMonitor(cfg *config.SchedulerConfig, jobs JobStore, scheduler Scheduler, bus Publisher, prober ProgressProber) *Monitor {
	return &Monitor{
		cfg:         cfg,
		jobs:        jobs,
		scheduler:   scheduler,
		bus:         bus,
		prober:      prober,
		missedPolls: make(map[string]int),
		stopCh:      make(chan struct{}),
	}
}

// Start launches the poll loop.
func (m *Monitor) Start(ctx context.Context) {
	m.markPolled()
	m.wg.Add(1)
	go m.run(ctx)
	slog.Info("Scheduler monitor started", "poll_interval", m.cfg.PollInterval)
}

// Stop halts the poll loop and waits for the in-flight tick to finish.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
	slog.Info("Scheduler monitor stopped")
}

func (m *Monitor) run(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.Tick(ctx)
		}
	}
}

// Tick performs one poll cycle. Exported so tests and the startup
// re-attachment path can drive the monitor synchronously.
func (m *Monitor) Tick(ctx context.Context) {
	defer m.markPolled()

	active, err := m.jobs.ListActiveScheduled(ctx)
	if err != nil {
		slog.Error("Failed to list active jobs", "error", err)
		return
	}

	m.pruneMissCounters(active)
	if len(active) == 0 {
		return
	}

	ids := make([]string, 0, len(active))
	for _, job := range active {
		ids = append(ids, job.SchedulerID)
	}

	queue, err := m.scheduler.Queue(ctx, ids)
	if err != nil {
		// A timed-out or failed query is a miss for every job it covered,
		// not a failure: ghost detection absorbs scheduler outages.
		slog.Warn("squeue poll failed", "error", err)
		queue = map[string]QueueEntry{}
	}

	markers := make(map[string]Marker, len(active))
	var missing []string
	for _, job := range active {
		markers[job.ID] = ReadMarker(job.OutputDir)
		if _, inQueue := queue[job.SchedulerID]; !inQueue && markers[job.ID] == MarkerNone {
			missing = append(missing, job.SchedulerID)
		}
	}

	acct := map[string]AcctEntry{}
	if len(missing) > 0 {
		acct, err = m.scheduler.Accounting(ctx, missing)
		if err != nil {
			slog.Warn("sacct poll failed", "error", err)
			acct = map[string]AcctEntry{}
		}
	}

	for _, job := range active {
		obs := Observation{Marker: markers[job.ID]}
		if entry, ok := queue[job.SchedulerID]; ok {
			obs.Queue = &entry
		}
		if entry, ok := acct[job.SchedulerID]; ok {
			obs.Acct = &entry
		}

		out := Reconcile(obs)
		if !out.Observed {
			m.recordMiss(ctx, job)
			continue
		}

		delete(m.missedPolls, job.ID)
		m.apply(ctx, job, out)
	}
}

// recordMiss advances a job's miss counter and declares it a ghost once the
// threshold is reached.
func (m *Monitor) recordMiss(ctx context.Context, job *models.Job) {
	m.missedPolls[job.ID]++
	missed := m.missedPolls[job.ID]
	if missed < m.cfg.MaxMissedPolls {
		return
	}

	delete(m.missedPolls, job.ID)
	msg := fmt.Sprintf("GHOST_JOB: scheduler lost track of job %s (no squeue, sacct or marker data for %d consecutive polls)",
		job.SchedulerID, missed)
	m.apply(ctx, job, Outcome{
		Observed:     true,
		Status:       models.JobFailed,
		Source:       events.SourceOrphan,
		ErrorMessage: msg,
	})
}

// apply pushes one reconciled outcome into the store and onto the bus.
func (m *Monitor) apply(ctx context.Context, job *models.Job, out Outcome) {
	if out.Status != job.Status {
		updated, prev, err := m.jobs.TransitionStatus(ctx, job.ID, out.Status, out.ErrorMessage)
		if err != nil {
			// A lost race with another observer of the same terminal fact is
			// expected; anything else is worth a log line.
			if !errors.Is(err, services.ErrInvalidTransition) {
				slog.Error("Failed to transition job status",
					"job_id", job.ID, "to", out.Status, "error", err)
			}
			return
		}

		errMsg := out.ErrorMessage
		if out.Status == models.JobFailed && out.Source != events.SourceOrphan {
			if summary := logscan.Summarize(logscan.ScanJobLogs(job.OutputDir)); summary != "" {
				if err := m.jobs.AppendErrorMessage(ctx, job.ID, summary); err != nil {
					slog.Warn("Failed to append log summary", "job_id", job.ID, "error", err)
				}
				if errMsg == "" {
					errMsg = summary
				} else {
					errMsg = errMsg + "; " + summary
				}
			}
		}

		slog.Info("Job status changed", "job_id", job.ID, "stage", job.Stage,
			"from", prev, "to", out.Status, "source", out.Source)
		m.bus.PublishStatus(events.StatusChange{
			JobID:             job.ID,
			ProjectID:         job.ProjectID,
			Stage:             job.Stage,
			OldStatus:         prev,
			NewStatus:         out.Status,
			RawSchedulerState: out.RawState,
			Source:            out.Source,
			ErrorMessage:      errMsg,
			Timestamp:         time.Now().UTC(),
		})
		job = updated
	}

	if job.Status == models.JobRunning && m.prober != nil {
		m.probeProgress(ctx, job)
	}
}

// probeProgress publishes a progress event when the job's parsed statistics
// moved since the stored snapshot.
func (m *Monitor) probeProgress(ctx context.Context, job *models.Job) {
	stats, ok := m.prober.Probe(job)
	if !ok || stats == job.Stats {
		return
	}
	if err := m.jobs.UpdateStats(ctx, job.ID, stats); err != nil {
		slog.Warn("Failed to update job stats", "job_id", job.ID, "error", err)
		return
	}
	m.bus.PublishProgress(events.ProgressChange{
		JobID:           job.ID,
		ProjectID:       job.ProjectID,
		Stage:           job.Stage,
		IterationCount:  stats.IterationCount,
		TotalIterations: stats.TotalIterations,
		MicrographCount: stats.MicrographCount,
		ParticleCount:   stats.ParticleCount,
		ProgressPercent: stats.ProgressPercent(),
		Timestamp:       time.Now().UTC(),
	})
}

// pruneMissCounters drops counters for jobs that left the active set.
func (m *Monitor) pruneMissCounters(active []*models.Job) {
	current := make(map[string]bool, len(active))
	for _, job := range active {
		current[job.ID] = true
	}
	for id := range m.missedPolls {
		if !current[id] {
			delete(m.missedPolls, id)
		}
	}
}
