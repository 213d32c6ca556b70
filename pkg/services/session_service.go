package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/scopeflow/scopeflow/pkg/database"
	"github.com/scopeflow/scopeflow/pkg/models"
)

// SessionService manages live session rows: creation, the status graph,
// monotone counters, job bookkeeping and pass history. It is the only
// writer of session state; the orchestrator drives it.
type SessionService struct {
	db *sql.DB
}

// NewSessionService creates a new SessionService
func NewSessionService(client *database.Client) *SessionService {
	return &SessionService{db: client.DB()}
}

const sessionColumns = `id, project_id, created_by, name, status, input_mode,
	watch_dir, watch_glob, optics, pipeline, counters, current_stage,
	passes_completed, last_pass_at, last_triggered_k, jobs, error_message,
	created_at, updated_at, started_at, completed_at`

// CreateSession validates the configuration and inserts a pending session.
func (s *SessionService) CreateSession(ctx context.Context, createdBy string, req models.CreateLiveSessionRequest) (*models.LiveSession, error) {
	if err := validateCreateRequest(req); err != nil {
		return nil, err
	}

	// Reject unknown projects up front; the FK would also catch it but the
	// caller deserves a 400, not a 500.
	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM projects WHERE id = $1)`, req.ProjectID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("failed to check project: %w", err)
	}
	if !exists {
		return nil, NewValidationError("projectId", "unknown project")
	}

	optics, err := json.Marshal(req.Optics)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal optics: %w", err)
	}
	pipeline, err := json.Marshal(req.Pipeline)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal pipeline: %w", err)
	}

	id := uuid.NewString()
	now := time.Now().UTC()

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO live_sessions
		 (id, project_id, created_by, name, status, input_mode, watch_dir, watch_glob,
		  optics, pipeline, counters, jobs, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, '{}', '{}', $11, $11)`,
		id, req.ProjectID, createdBy, req.Name, models.SessionPending, req.InputMode,
		req.WatchDir, req.WatchGlob, optics, pipeline, now)
	if err != nil {
		return nil, fmt.Errorf("failed to insert session: %w", err)
	}

	return s.GetSession(ctx, id)
}

func validateCreateRequest(req models.CreateLiveSessionRequest) error {
	if req.ProjectID == "" {
		return NewValidationError("projectId", "required")
	}
	if req.Name == "" {
		return NewValidationError("name", "required")
	}
	if !req.InputMode.IsValid() {
		return NewValidationError("inputMode", "must be watch or existing")
	}
	if req.WatchDir == "" {
		return NewValidationError("watchDir", "required")
	}
	if req.WatchGlob == "" {
		return NewValidationError("watchGlob", "required")
	}
	if req.Optics.PixelSize <= 0 {
		return NewValidationError("optics.pixelSize", "must be > 0")
	}
	if req.Optics.Voltage <= 0 {
		return NewValidationError("optics.voltage", "must be > 0")
	}
	if req.Optics.AmplitudeContrast <= 0 || req.Optics.AmplitudeContrast > 1 {
		return NewValidationError("optics.amplitudeContrast", "must be in (0,1]")
	}
	if len(req.Pipeline.EnabledStages) == 0 {
		return NewValidationError("pipeline.enabledStages", "at least one stage required")
	}
	for _, k := range req.Pipeline.EnabledStages {
		if !k.IsValid() {
			return NewValidationError("pipeline.enabledStages", fmt.Sprintf("unknown stage %q", k))
		}
	}
	if !req.Pipeline.StageEnabled(models.StageImport) {
		return NewValidationError("pipeline.enabledStages", "Import is mandatory")
	}
	if req.Pipeline.StageEnabled(models.StageClass2D) && req.Pipeline.ParticleThreshold <= 0 {
		return NewValidationError("pipeline.particleThreshold", "must be > 0 when Class2D is enabled")
	}
	if req.Pipeline.TickSeconds < 0 {
		return NewValidationError("pipeline.tickSeconds", "must be >= 0")
	}
	return nil
}

// GetSession returns one session by id. Soft-deleted sessions are invisible.
func (s *SessionService) GetSession(ctx context.Context, id string) (*models.LiveSession, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM live_sessions WHERE id = $1 AND deleted_at IS NULL`, id)
	sess, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to query session: %w", err)
	}
	return sess, nil
}

// ListSessionsByProject returns a project's sessions, newest first.
func (s *SessionService) ListSessionsByProject(ctx context.Context, projectID string) ([]*models.LiveSession, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM live_sessions
		 WHERE project_id = $1 AND deleted_at IS NULL
		 ORDER BY created_at DESC`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*models.LiveSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// ListSessionsByStatus returns non-deleted sessions in the given status,
// oldest first. Used at startup to re-attach runners to running sessions.
func (s *SessionService) ListSessionsByStatus(ctx context.Context, status models.SessionStatus) ([]*models.LiveSession, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM live_sessions
		 WHERE status = $1 AND deleted_at IS NULL
		 ORDER BY created_at ASC`, status)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions by status: %w", err)
	}
	defer rows.Close()

	var sessions []*models.LiveSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// DeleteSession soft-deletes the session. The retention loop purges the row
// later; queries treat it as gone immediately.
func (s *SessionService) DeleteSession(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE live_sessions SET deleted_at = now(), updated_at = now()
		 WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return nil
}

// TransitionStatus applies one edge of the session status graph atomically
// and stamps started_at/completed_at on the relevant transitions. Returns
// ErrInvalidTransition when the graph forbids the move.
func (s *SessionService) TransitionStatus(ctx context.Context, id string, to models.SessionStatus) (*models.LiveSession, error) {
	if !to.IsValid() {
		return nil, NewValidationError("status", fmt.Sprintf("unknown status %q", to))
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current models.SessionStatus
	err = tx.QueryRowContext(ctx,
		`SELECT status FROM live_sessions WHERE id = $1 AND deleted_at IS NULL FOR UPDATE`, id).
		Scan(&current)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to lock session: %w", err)
	}

	if !current.CanTransitionTo(to) {
		return nil, fmt.Errorf("%s -> %s: %w", current, to, ErrInvalidTransition)
	}

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx,
		`UPDATE live_sessions SET
			status = $2,
			updated_at = $3,
			started_at = CASE WHEN $2 = 'running' THEN COALESCE(started_at, $3) ELSE started_at END,
			completed_at = CASE WHEN $2 IN ('stopped', 'completed', 'error') THEN COALESCE(completed_at, $3) ELSE completed_at END
		 WHERE id = $1`, id, to, now)
	if err != nil {
		return nil, fmt.Errorf("failed to update status: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transition: %w", err)
	}
	return s.GetSession(ctx, id)
}

// TransitionToError moves the session to error with a message, from any
// non-terminal status.
func (s *SessionService) TransitionToError(ctx context.Context, id, message string) (*models.LiveSession, error) {
	sess, err := s.TransitionStatus(ctx, id, models.SessionError)
	if err != nil {
		return nil, err
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE live_sessions SET error_message = $2, updated_at = now() WHERE id = $1`, id, message)
	if err != nil {
		return nil, fmt.Errorf("failed to record error message: %w", err)
	}
	sess.ErrorMessage = message
	return sess, nil
}

// UpdateCounters raises the session counters to the given values. Counters
// never decrease: each field is clamped to the maximum of the stored and
// offered value.
func (s *SessionService) UpdateCounters(ctx context.Context, id string, c models.SessionCounters) (*models.SessionCounters, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var raw []byte
	err = tx.QueryRowContext(ctx,
		`SELECT counters FROM live_sessions WHERE id = $1 AND deleted_at IS NULL FOR UPDATE`, id).
		Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to lock session: %w", err)
	}

	var stored models.SessionCounters
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &stored); err != nil {
			return nil, fmt.Errorf("failed to unmarshal counters: %w", err)
		}
	}

	merged := models.SessionCounters{
		MoviesImported:     max64(stored.MoviesImported, c.MoviesImported),
		MoviesMotion:       max64(stored.MoviesMotion, c.MoviesMotion),
		MoviesCtf:          max64(stored.MoviesCtf, c.MoviesCtf),
		MoviesPicked:       max64(stored.MoviesPicked, c.MoviesPicked),
		ParticlesExtracted: max64(stored.ParticlesExtracted, c.ParticlesExtracted),
		Class2DRuns:        max64(stored.Class2DRuns, c.Class2DRuns),
	}

	out, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal counters: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE live_sessions SET counters = $2, updated_at = now() WHERE id = $1`, id, out); err != nil {
		return nil, fmt.Errorf("failed to update counters: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit counters: %w", err)
	}
	return &merged, nil
}

// RecordJob appends a job id to the session's per-stage job bookkeeping and
// marks the stage as the session's current stage.
func (s *SessionService) RecordJob(ctx context.Context, id string, stage models.StageKey, jobID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var raw []byte
	err = tx.QueryRowContext(ctx,
		`SELECT jobs FROM live_sessions WHERE id = $1 AND deleted_at IS NULL FOR UPDATE`, id).
		Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("session %s: %w", id, ErrNotFound)
		}
		return fmt.Errorf("failed to lock session: %w", err)
	}

	jobs := models.JobsMap{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &jobs); err != nil {
			return fmt.Errorf("failed to unmarshal jobs map: %w", err)
		}
	}
	jobs.Record(stage, jobID)

	out, err := json.Marshal(jobs)
	if err != nil {
		return fmt.Errorf("failed to marshal jobs map: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE live_sessions SET jobs = $2, current_stage = $3, updated_at = now() WHERE id = $1`,
		id, out, stage); err != nil {
		return fmt.Errorf("failed to update jobs map: %w", err)
	}
	return tx.Commit()
}

// CompletePass appends a pass record and advances the pass counter in one
// transaction, so pass numbers stay dense and strictly increasing.
func (s *SessionService) CompletePass(ctx context.Context, id string, counts map[string]int64) (*models.PassRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var passes int
	err = tx.QueryRowContext(ctx,
		`SELECT passes_completed FROM live_sessions WHERE id = $1 AND deleted_at IS NULL FOR UPDATE`, id).
		Scan(&passes)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to lock session: %w", err)
	}

	rec := &models.PassRecord{
		PassNumber:  passes + 1,
		Counts:      counts,
		CompletedAt: time.Now().UTC(),
	}

	rawCounts, err := json.Marshal(counts)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal pass counts: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO session_passes (session_id, pass_number, counts, completed_at)
		 VALUES ($1, $2, $3, $4)`,
		id, rec.PassNumber, rawCounts, rec.CompletedAt); err != nil {
		return nil, fmt.Errorf("failed to insert pass record: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE live_sessions SET passes_completed = $2, last_pass_at = $3, updated_at = $3
		 WHERE id = $1`, id, rec.PassNumber, rec.CompletedAt); err != nil {
		return nil, fmt.Errorf("failed to advance pass counter: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit pass: %w", err)
	}
	return rec, nil
}

// GetPassHistory returns the session's pass records in pass order.
func (s *SessionService) GetPassHistory(ctx context.Context, id string) ([]*models.PassRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT pass_number, counts, completed_at FROM session_passes
		 WHERE session_id = $1 ORDER BY pass_number ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query pass history: %w", err)
	}
	defer rows.Close()

	var history []*models.PassRecord
	for rows.Next() {
		var rec models.PassRecord
		var rawCounts []byte
		if err := rows.Scan(&rec.PassNumber, &rawCounts, &rec.CompletedAt); err != nil {
			return nil, fmt.Errorf("failed to scan pass record: %w", err)
		}
		if err := json.Unmarshal(rawCounts, &rec.Counts); err != nil {
			return nil, fmt.Errorf("failed to unmarshal pass counts: %w", err)
		}
		history = append(history, &rec)
	}
	return history, rows.Err()
}

// SetLastTriggeredK persists the highest particle-threshold multiple for
// which a Class2D job was submitted.
func (s *SessionService) SetLastTriggeredK(ctx context.Context, id string, k int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE live_sessions SET last_triggered_k = $2, updated_at = now()
		 WHERE id = $1 AND deleted_at IS NULL AND last_triggered_k < $2`, id, k)
	if err != nil {
		return fmt.Errorf("failed to update trigger mark: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("trigger mark %d not recorded: %w", k, ErrInvalidTransition)
	}
	return nil
}

// PurgeDeletedSessions removes soft-deleted sessions older than the
// retention window. Activity and pass rows go with them via FK cascade.
func (s *SessionService) PurgeDeletedSessions(ctx context.Context, retentionDays int) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM live_sessions
		 WHERE deleted_at IS NOT NULL AND deleted_at < now() - ($1 * interval '1 day')`,
		retentionDays)
	if err != nil {
		return 0, fmt.Errorf("failed to purge deleted sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// scanSession scans one live_sessions row in sessionColumns order.
func scanSession(row interface{ Scan(...any) error }) (*models.LiveSession, error) {
	var sess models.LiveSession
	var optics, pipeline, counters, jobs []byte
	var currentStage sql.NullString
	var lastPassAt, startedAt, completedAt sql.NullTime

	err := row.Scan(
		&sess.ID, &sess.ProjectID, &sess.CreatedBy, &sess.Name, &sess.Status,
		&sess.InputMode, &sess.WatchDir, &sess.WatchGlob, &optics, &pipeline,
		&counters, &currentStage, &sess.PassesCompleted, &lastPassAt,
		&sess.LastTriggeredK, &jobs, &sess.ErrorMessage,
		&sess.CreatedAt, &sess.UpdatedAt, &startedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(optics, &sess.Optics); err != nil {
		return nil, fmt.Errorf("failed to unmarshal optics: %w", err)
	}
	if err := json.Unmarshal(pipeline, &sess.Pipeline); err != nil {
		return nil, fmt.Errorf("failed to unmarshal pipeline: %w", err)
	}
	if len(counters) > 0 {
		if err := json.Unmarshal(counters, &sess.Counters); err != nil {
			return nil, fmt.Errorf("failed to unmarshal counters: %w", err)
		}
	}
	sess.Jobs = models.JobsMap{}
	if len(jobs) > 0 {
		if err := json.Unmarshal(jobs, &sess.Jobs); err != nil {
			return nil, fmt.Errorf("failed to unmarshal jobs map: %w", err)
		}
	}
	sess.CurrentStage = models.StageKey(nullString(currentStage))
	sess.LastPassAt = nullTime(lastPassAt)
	sess.StartedAt = nullTime(startedAt)
	sess.CompletedAt = nullTime(completedAt)
	return &sess, nil
}
