// Package live is the session orchestrator: it advances running sessions
// through pipeline passes, submits stage jobs to the scheduler, keeps the
// session counters and pass history, and reacts to job status events from
// the monitor. It is the only writer of session status.
package live

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/scopeflow/scopeflow/pkg/config"
	"github.com/scopeflow/scopeflow/pkg/events"
	"github.com/scopeflow/scopeflow/pkg/models"
	"github.com/scopeflow/scopeflow/pkg/services"
	"github.com/scopeflow/scopeflow/pkg/stages"
)

// SessionStore is the slice of SessionService the orchestrator uses.
type SessionStore interface {
	GetSession(ctx context.Context, id string) (*models.LiveSession, error)
	ListSessionsByStatus(ctx context.Context, status models.SessionStatus) ([]*models.LiveSession, error)
	TransitionStatus(ctx context.Context, id string, to models.SessionStatus) (*models.LiveSession, error)
	TransitionToError(ctx context.Context, id, message string) (*models.LiveSession, error)
	UpdateCounters(ctx context.Context, id string, c models.SessionCounters) (*models.SessionCounters, error)
	RecordJob(ctx context.Context, id string, stage models.StageKey, jobID string) error
	CompletePass(ctx context.Context, id string, counts map[string]int64) (*models.PassRecord, error)
	GetPassHistory(ctx context.Context, id string) ([]*models.PassRecord, error)
	SetLastTriggeredK(ctx context.Context, id string, k int) error
}

// JobStore is the slice of JobService the orchestrator uses.
type JobStore interface {
	CreateJob(ctx context.Context, req services.CreateJobRequest) (*models.Job, error)
	GetJobs(ctx context.Context, ids []string) ([]*models.Job, error)
	SetSchedulerID(ctx context.Context, id, schedulerID string) error
}

// ProjectStore resolves project roots and membership.
type ProjectStore interface {
	GetProject(ctx context.Context, id string) (*models.Project, error)
	IsMember(ctx context.Context, projectID, userID string) (bool, error)
}

// ActivityLog appends and reads session activity.
type ActivityLog interface {
	Append(ctx context.Context, sessionID string, level models.ActivityLevel, stage models.StageKey, kind, message string, fields map[string]any) (*models.ActivityEntry, error)
	Recent(ctx context.Context, sessionID string, n int) ([]*models.ActivityEntry, error)
}

// Scheduler submits and cancels batch jobs.
type Scheduler interface {
	Submit(ctx context.Context, scriptPath, workDir string) (string, error)
	Cancel(ctx context.Context, id string) error
}

// Publisher pushes session-level updates onto the progress bus.
type Publisher interface {
	PublishSessionUpdate(ev events.SessionUpdate)
}

// Options wires the orchestrator's collaborators.
type Options struct {
	Live             *config.LiveConfig
	Relion           *config.RelionConfig
	DefaultPartition string

	Sessions  SessionStore
	Jobs      JobStore
	Projects  ProjectStore
	Activity  ActivityLog
	Builders  *stages.Registry
	Scheduler Scheduler
	Bus       Publisher
}

// Manager owns one runner per running session and dispatches bus events to
// them. Session status is mutated only here; the scheduler monitor never
// touches it.
type Manager struct {
	opts Options

	mu       sync.Mutex
	runners  map[string]*runner
	jobIndex map[string]string // job id -> session id

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

// NewManager creates an orchestrator with no attached sessions.
func NewManager(opts Options) *Manager {
	return &Manager{
		opts:       opts,
		runners:    make(map[string]*runner),
		jobIndex:   make(map[string]string),
		shutdownCh: make(chan struct{}),
	}
}

// Start moves a pending session to running and launches its pass loop.
func (m *Manager) Start(ctx context.Context, sessionID string) (*models.LiveSession, error) {
	return m.activate(ctx, sessionID, models.ActivitySessionStarted, "Session started")
}

// Resume restarts a paused session's pass loop. A stage failure latch from
// before the pause is discarded: the stage is re-submitted on the next pass.
func (m *Manager) Resume(ctx context.Context, sessionID string) (*models.LiveSession, error) {
	return m.activate(ctx, sessionID, models.ActivitySessionResumed, "Session resumed")
}

func (m *Manager) activate(ctx context.Context, sessionID, kind, message string) (*models.LiveSession, error) {
	select {
	case <-m.shutdownCh:
		return nil, fmt.Errorf("orchestrator is shutting down")
	default:
	}

	sess, err := m.opts.Sessions.TransitionStatus(ctx, sessionID, models.SessionRunning)
	if err != nil {
		return nil, err
	}

	if err := m.attach(ctx, sess); err != nil {
		// The session row says running but we cannot drive it; surface that
		// as a session error rather than a silently dead loop.
		if _, terr := m.opts.Sessions.TransitionToError(ctx, sessionID, err.Error()); terr != nil {
			slog.Error("Failed to mark session as errored", "session_id", sessionID, "error", terr)
		}
		return nil, err
	}

	m.appendActivity(ctx, sessionID, models.ActivityInfo, "", kind, message, nil)
	m.publishSession(sess, kind)
	return sess, nil
}

// Pause stops the session's watcher and pass loop. In-flight jobs keep
// running under the scheduler.
func (m *Manager) Pause(ctx context.Context, sessionID string) (*models.LiveSession, error) {
	sess, err := m.opts.Sessions.TransitionStatus(ctx, sessionID, models.SessionPaused)
	if err != nil {
		return nil, err
	}
	m.detach(sessionID)
	m.appendActivity(ctx, sessionID, models.ActivityInfo, "", models.ActivitySessionPaused, "Session paused", nil)
	m.publishSession(sess, models.ActivitySessionPaused)
	return sess, nil
}

// Stop terminally stops the session and cancels its in-flight jobs. It does
// not wait for the scheduler to confirm the cancellations.
func (m *Manager) Stop(ctx context.Context, sessionID string) (*models.LiveSession, error) {
	sess, err := m.opts.Sessions.TransitionStatus(ctx, sessionID, models.SessionStopped)
	if err != nil {
		return nil, err
	}
	m.detach(sessionID)
	m.CancelSessionJobs(ctx, sess)
	m.appendActivity(ctx, sessionID, models.ActivityInfo, "", models.ActivitySessionStopped, "Session stopped", nil)
	m.publishSession(sess, models.ActivitySessionStopped)
	return sess, nil
}

// CancelSessionJobs issues scancel for every non-terminal job the session
// has submitted. Errors are logged per job; cancellation is best-effort.
func (m *Manager) CancelSessionJobs(ctx context.Context, sess *models.LiveSession) {
	var ids []string
	for _, sj := range sess.Jobs {
		if sj.Latest != "" {
			ids = append(ids, sj.Latest)
		}
	}
	jobs, err := m.opts.Jobs.GetJobs(ctx, ids)
	if err != nil {
		slog.Error("Failed to load session jobs for cancellation", "session_id", sess.ID, "error", err)
		return
	}
	for _, job := range jobs {
		if job.Status.IsTerminal() || job.SchedulerID == "" {
			continue
		}
		if err := m.opts.Scheduler.Cancel(ctx, job.SchedulerID); err != nil {
			slog.Warn("Failed to cancel job", "job_id", job.ID, "scheduler_id", job.SchedulerID, "error", err)
		}
	}
}

// Snapshot assembles the session's current state, latest jobs, recent
// activity and pass history in one read.
func (m *Manager) Snapshot(ctx context.Context, sessionID string) (*models.SessionSnapshot, error) {
	sess, err := m.opts.Sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	var latestIDs []string
	for _, sj := range sess.Jobs {
		if sj.Latest != "" {
			latestIDs = append(latestIDs, sj.Latest)
		}
	}
	jobs, err := m.opts.Jobs.GetJobs(ctx, latestIDs)
	if err != nil {
		return nil, err
	}
	latest := make(map[models.StageKey]*models.Job, len(jobs))
	for _, job := range jobs {
		latest[job.Stage] = job
	}

	activity, err := m.opts.Activity.Recent(ctx, sessionID, m.opts.Live.SnapshotActivityLimit)
	if err != nil {
		return nil, err
	}
	history, err := m.opts.Sessions.GetPassHistory(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	return &models.SessionSnapshot{
		Session:        sess,
		LatestJobs:     latest,
		RecentActivity: activity,
		PassHistory:    history,
	}, nil
}

// LiveState serves the hub's get_live_state requests: a membership-checked
// session snapshot for reconnecting clients.
func (m *Manager) LiveState(ctx context.Context, sessionID, userID string) (any, error) {
	sess, err := m.opts.Sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	ok, err := m.opts.Projects.IsMember(ctx, sess.ProjectID, userID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("project %s: %w", sess.ProjectID, services.ErrAccessDenied)
	}
	return m.Snapshot(ctx, sessionID)
}

// ReattachRunning restores pass loops for sessions left running by a
// previous process. Called once at startup.
func (m *Manager) ReattachRunning(ctx context.Context) error {
	sessions, err := m.opts.Sessions.ListSessionsByStatus(ctx, models.SessionRunning)
	if err != nil {
		return fmt.Errorf("failed to list running sessions: %w", err)
	}
	for _, sess := range sessions {
		if err := m.attach(ctx, sess); err != nil {
			slog.Error("Failed to re-attach session", "session_id", sess.ID, "error", err)
			if _, terr := m.opts.Sessions.TransitionToError(ctx, sess.ID, err.Error()); terr != nil {
				slog.Error("Failed to mark session as errored", "session_id", sess.ID, "error", terr)
			}
			continue
		}
		slog.Info("Re-attached running session", "session_id", sess.ID)
	}
	return nil
}

// Run consumes the orchestrator's bus subscription until ctx is cancelled,
// routing job status events to the owning runner. Progress events and the
// orchestrator's own session updates are drained unused.
func (m *Manager) Run(ctx context.Context, sub *events.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Status():
			if !ok {
				return
			}
			m.handleStatusChange(ctx, ev)
		case _, ok := <-sub.Progress():
			if !ok {
				return
			}
		case _, ok := <-sub.Session():
			if !ok {
				return
			}
		}
	}
}

// Shutdown halts every runner. Session rows stay running so the next
// process re-attaches them.
func (m *Manager) Shutdown() {
	m.shutdownOnce.Do(func() { close(m.shutdownCh) })

	m.mu.Lock()
	runners := make([]*runner, 0, len(m.runners))
	for _, r := range m.runners {
		runners = append(runners, r)
	}
	m.runners = make(map[string]*runner)
	m.mu.Unlock()

	for _, r := range runners {
		r.halt()
	}
}

// attach builds and starts a runner for the session.
func (m *Manager) attach(ctx context.Context, sess *models.LiveSession) error {
	project, err := m.opts.Projects.GetProject(ctx, sess.ProjectID)
	if err != nil {
		return fmt.Errorf("failed to resolve project: %w", err)
	}

	m.mu.Lock()
	if _, exists := m.runners[sess.ID]; exists {
		m.mu.Unlock()
		return nil
	}
	r := newRunner(m, sess, project)
	m.runners[sess.ID] = r
	for _, sj := range sess.Jobs {
		for _, id := range sj.History {
			m.jobIndex[id] = sess.ID
		}
	}
	m.mu.Unlock()

	if err := r.start(ctx); err != nil {
		m.mu.Lock()
		delete(m.runners, sess.ID)
		m.mu.Unlock()
		return err
	}
	return nil
}

// detach stops and removes the session's runner, if any.
func (m *Manager) detach(sessionID string) {
	m.mu.Lock()
	r := m.runners[sessionID]
	delete(m.runners, sessionID)
	m.mu.Unlock()
	if r != nil {
		r.halt()
	}
}

// runnerFor returns the live runner for a session, or nil.
func (m *Manager) runnerFor(sessionID string) *runner {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runners[sessionID]
}

// registerJob indexes a submitted job for bus-event routing.
func (m *Manager) registerJob(jobID, sessionID string) {
	m.mu.Lock()
	m.jobIndex[jobID] = sessionID
	m.mu.Unlock()
}

// handleStatusChange turns monitor observations into session activity:
// ghost detections, stage failures (which latch the pass loop) and the
// supplemental Class2D failures that never halt the pipeline.
func (m *Manager) handleStatusChange(ctx context.Context, ev events.StatusChange) {
	m.mu.Lock()
	sessionID, known := m.jobIndex[ev.JobID]
	m.mu.Unlock()
	if !known {
		return
	}

	switch {
	case ev.Source == events.SourceOrphan:
		m.appendActivity(ctx, sessionID, models.ActivityWarning, ev.Stage, models.ActivityGhostJob,
			fmt.Sprintf("Job vanished from the scheduler: %s", ev.ErrorMessage),
			map[string]any{"jobId": ev.JobID})
		if r := m.runnerFor(sessionID); r != nil && ev.Stage != models.StageClass2D {
			r.latch(ev.Stage)
		}
	case ev.NewStatus == models.JobFailed && ev.Stage == models.StageClass2D:
		// Supplemental: the pipeline keeps going.
		m.appendActivity(ctx, sessionID, models.ActivityWarning, ev.Stage, models.ActivityJobFailed,
			fmt.Sprintf("2D classification failed: %s", ev.ErrorMessage),
			map[string]any{"jobId": ev.JobID, "schedulerState": ev.RawSchedulerState})
	case ev.NewStatus == models.JobFailed:
		m.appendActivity(ctx, sessionID, models.ActivityError, ev.Stage, models.ActivityJobFailed,
			fmt.Sprintf("%s job failed: %s", ev.Stage, ev.ErrorMessage),
			map[string]any{"jobId": ev.JobID, "schedulerState": ev.RawSchedulerState})
		if r := m.runnerFor(sessionID); r != nil {
			r.latch(ev.Stage)
		}
	}
}

// appendActivity writes an activity entry, logging rather than propagating
// failures: activity is observability, not control flow.
func (m *Manager) appendActivity(ctx context.Context, sessionID string, level models.ActivityLevel, stage models.StageKey, kind, message string, fields map[string]any) {
	if _, err := m.opts.Activity.Append(ctx, sessionID, level, stage, kind, message, fields); err != nil {
		slog.Error("Failed to append activity", "session_id", sessionID, "kind", kind, "error", err)
	}
}

// publishSession pushes a session update onto the bus.
func (m *Manager) publishSession(sess *models.LiveSession, event string) {
	m.opts.Bus.PublishSessionUpdate(events.SessionUpdate{
		SessionID:       sess.ID,
		ProjectID:       sess.ProjectID,
		Status:          sess.Status,
		Counters:        sess.Counters,
		PassesCompleted: sess.PassesCompleted,
		Event:           event,
		Timestamp:       time.Now().UTC(),
	})
}
