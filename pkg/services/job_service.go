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

// JobService owns job rows. Status transitions are compare-and-set under a
// row lock so terminal states are never overwritten, regardless of the
// order scheduler observations arrive in.
type JobService struct {
	db *sql.DB
}

// NewJobService creates a new JobService
func NewJobService(client *database.Client) *JobService {
	return &JobService{db: client.DB()}
}

const jobColumns = `id, project_id, stage, params, command, output_dir, status,
	scheduler_id, started_at, ended_at, error_message, stats, created_at, updated_at`

// CreateJobRequest carries the immutable fields of a new job.
type CreateJobRequest struct {
	ProjectID string
	Stage     models.StageKey
	Params    json.RawMessage
	Command   string
	OutputDir string
}

// CreateJob inserts a pending job.
func (s *JobService) CreateJob(ctx context.Context, req CreateJobRequest) (*models.Job, error) {
	if req.ProjectID == "" {
		return nil, NewValidationError("projectId", "required")
	}
	if !req.Stage.IsValid() {
		return nil, NewValidationError("stage", fmt.Sprintf("unknown stage %q", req.Stage))
	}
	if req.Command == "" {
		return nil, NewValidationError("command", "required")
	}
	if req.OutputDir == "" {
		return nil, NewValidationError("outputDir", "required")
	}

	params := req.Params
	if len(params) == 0 {
		params = json.RawMessage("{}")
	}

	id := uuid.NewString()
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, project_id, stage, params, command, output_dir, status, stats, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, '{}', $8, $8)`,
		id, req.ProjectID, req.Stage, []byte(params), req.Command, req.OutputDir, models.JobPending, now)
	if err != nil {
		return nil, fmt.Errorf("failed to insert job: %w", err)
	}
	return s.GetJob(ctx, id)
}

// GetJob returns one job by id.
func (s *JobService) GetJob(ctx context.Context, id string) (*models.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to query job: %w", err)
	}
	return job, nil
}

// GetJobs returns the jobs for the given ids, skipping unknown ids.
func (s *JobService) GetJobs(ctx context.Context, ids []string) ([]*models.Job, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// ListJobsByProject returns a project's jobs, newest first.
func (s *JobService) ListJobsByProject(ctx context.Context, projectID string, limit int) ([]*models.Job, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE project_id = $1
		 ORDER BY created_at DESC LIMIT $2`, projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// ListActiveScheduled returns every pending or running job that has a
// scheduler id. This is the monitor's per-tick working set.
func (s *JobService) ListActiveScheduled(ctx context.Context) ([]*models.Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE status IN ('pending', 'running') AND scheduler_id IS NOT NULL
		 ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list active jobs: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// SetSchedulerID records the external scheduler id. It is set exactly once;
// a second attempt returns ErrAlreadyExists.
func (s *JobService) SetSchedulerID(ctx context.Context, id, schedulerID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET scheduler_id = $2, updated_at = now()
		 WHERE id = $1 AND scheduler_id IS NULL`, id, schedulerID)
	if err != nil {
		return fmt.Errorf("failed to set scheduler id: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		if _, getErr := s.GetJob(ctx, id); getErr != nil {
			return getErr
		}
		return fmt.Errorf("scheduler id for job %s: %w", id, ErrAlreadyExists)
	}
	return nil
}

// TransitionStatus moves the job to a new status under a row lock and
// returns the updated job together with the status it replaced. Terminal
// statuses are absorbing; attempts to leave one (or no-op transitions)
// return ErrInvalidTransition. errMessage is recorded on failed/cancelled.
func (s *JobService) TransitionStatus(ctx context.Context, id string, to models.JobStatus, errMessage string) (*models.Job, models.JobStatus, error) {
	if !to.IsValid() {
		return nil, "", NewValidationError("status", fmt.Sprintf("unknown status %q", to))
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, "", fmt.Errorf("failed to start transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current models.JobStatus
	err = tx.QueryRowContext(ctx,
		`SELECT status FROM jobs WHERE id = $1 FOR UPDATE`, id).Scan(&current)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, "", fmt.Errorf("job %s: %w", id, ErrNotFound)
		}
		return nil, "", fmt.Errorf("failed to lock job: %w", err)
	}

	if current.IsTerminal() || current == to {
		return nil, current, fmt.Errorf("%s -> %s: %w", current, to, ErrInvalidTransition)
	}

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx,
		`UPDATE jobs SET
			status = $2,
			updated_at = $3,
			started_at = CASE WHEN $2 = 'running' THEN COALESCE(started_at, $3) ELSE started_at END,
			ended_at = CASE WHEN $2 IN ('success', 'failed', 'cancelled') THEN COALESCE(ended_at, $3) ELSE ended_at END,
			error_message = CASE WHEN $4 <> '' THEN $4 ELSE error_message END
		 WHERE id = $1`, id, to, now, errMessage)
	if err != nil {
		return nil, "", fmt.Errorf("failed to update job status: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, "", fmt.Errorf("failed to commit job transition: %w", err)
	}

	job, err := s.GetJob(ctx, id)
	if err != nil {
		return nil, "", err
	}
	return job, current, nil
}

// AppendErrorMessage appends parsed log excerpts to the job's error message.
func (s *JobService) AppendErrorMessage(ctx context.Context, id, message string) error {
	if message == "" {
		return nil
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET
			error_message = CASE WHEN error_message = '' THEN $2 ELSE error_message || '; ' || $2 END,
			updated_at = now()
		 WHERE id = $1`, id, message)
	if err != nil {
		return fmt.Errorf("failed to append error message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return nil
}

// UpdateStats replaces the job's pipeline statistics.
func (s *JobService) UpdateStats(ctx context.Context, id string, stats models.PipelineStats) error {
	raw, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("failed to marshal stats: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET stats = $2, updated_at = now() WHERE id = $1`, id, raw)
	if err != nil {
		return fmt.Errorf("failed to update stats: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return nil
}

func collectJobs(rows *sql.Rows) ([]*models.Job, error) {
	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// scanJob scans one jobs row in jobColumns order.
func scanJob(row interface{ Scan(...any) error }) (*models.Job, error) {
	var job models.Job
	var params, stats []byte
	var schedulerID sql.NullString
	var startedAt, endedAt sql.NullTime

	err := row.Scan(
		&job.ID, &job.ProjectID, &job.Stage, &params, &job.Command, &job.OutputDir,
		&job.Status, &schedulerID, &startedAt, &endedAt, &job.ErrorMessage,
		&stats, &job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	job.Params = json.RawMessage(params)
	if len(stats) > 0 {
		if err := json.Unmarshal(stats, &job.Stats); err != nil {
			return nil, fmt.Errorf("failed to unmarshal stats: %w", err)
		}
	}
	job.SchedulerID = nullString(schedulerID)
	job.StartedAt = nullTime(startedAt)
	job.EndedAt = nullTime(endedAt)
	return &job, nil
}
