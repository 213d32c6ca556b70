package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/scopeflow/scopeflow/pkg/database"
	"github.com/scopeflow/scopeflow/pkg/models"
)

// ActivityService appends and queries the per-session activity log. The
// sequence number is allocated from the session row, so entries are dense
// and strictly ordered even with concurrent writers.
type ActivityService struct {
	db *sql.DB
}

// NewActivityService creates a new ActivityService
func NewActivityService(client *database.Client) *ActivityService {
	return &ActivityService{db: client.DB()}
}

// Append writes one activity entry and returns it with its sequence number.
// stage may be empty for session-wide entries.
func (s *ActivityService) Append(ctx context.Context, sessionID string, level models.ActivityLevel, stage models.StageKey, kind, message string, fields map[string]any) (*models.ActivityEntry, error) {
	if !level.IsValid() {
		return nil, NewValidationError("level", fmt.Sprintf("unknown level %q", level))
	}
	if kind == "" {
		return nil, NewValidationError("kind", "required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var seq int64
	err = tx.QueryRowContext(ctx,
		`UPDATE live_sessions SET activity_seq = activity_seq + 1
		 WHERE id = $1 RETURNING activity_seq`, sessionID).Scan(&seq)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to allocate activity seq: %w", err)
	}

	entry := &models.ActivityEntry{
		SessionID: sessionID,
		Seq:       seq,
		Timestamp: time.Now().UTC(),
		Level:     level,
		Kind:      kind,
		Message:   message,
		Context:   fields,
	}
	var stageCol any
	if stage != "" {
		entry.Stage = &stage
		stageCol = string(stage)
	}

	rawCtx := []byte("{}")
	if len(fields) > 0 {
		rawCtx, err = json.Marshal(fields)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal context: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO session_activity (session_id, seq, ts, level, stage, kind, message, context)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		sessionID, seq, entry.Timestamp, level, stageCol, kind, message, rawCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to insert activity: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit activity: %w", err)
	}
	return entry, nil
}

// Query returns activity entries for a session, newest first, honoring the
// optional level, stage, substring and limit filters.
func (s *ActivityService) Query(ctx context.Context, sessionID string, q models.ActivityQuery) ([]*models.ActivityEntry, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 500 {
		limit = 500
	}

	query := `SELECT session_id, seq, ts, level, stage, kind, message, context
		FROM session_activity WHERE session_id = $1`
	args := []any{sessionID}

	if q.Level != "" {
		args = append(args, q.Level)
		query += fmt.Sprintf(" AND level = $%d", len(args))
	}
	if q.Stage != "" {
		args = append(args, string(q.Stage))
		query += fmt.Sprintf(" AND stage = $%d", len(args))
	}
	if q.Search != "" {
		args = append(args, "%"+q.Search+"%")
		query += fmt.Sprintf(" AND message ILIKE $%d", len(args))
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY seq DESC LIMIT $%d", len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query activity: %w", err)
	}
	defer rows.Close()

	var entries []*models.ActivityEntry
	for rows.Next() {
		var e models.ActivityEntry
		var stage sql.NullString
		var rawCtx []byte
		if err := rows.Scan(&e.SessionID, &e.Seq, &e.Timestamp, &e.Level, &stage, &e.Kind, &e.Message, &rawCtx); err != nil {
			return nil, fmt.Errorf("failed to scan activity: %w", err)
		}
		if stage.Valid {
			k := models.StageKey(stage.String)
			e.Stage = &k
		}
		if len(rawCtx) > 0 && string(rawCtx) != "{}" {
			if err := json.Unmarshal(rawCtx, &e.Context); err != nil {
				return nil, fmt.Errorf("failed to unmarshal context: %w", err)
			}
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// Recent returns the newest n entries for the snapshot endpoint.
func (s *ActivityService) Recent(ctx context.Context, sessionID string, n int) ([]*models.ActivityEntry, error) {
	return s.Query(ctx, sessionID, models.ActivityQuery{Limit: n})
}

// PurgeTerminalActivity removes activity entries older than the retention
// window from sessions that reached a terminal status. Live sessions keep
// their full log.
func (s *ActivityService) PurgeTerminalActivity(ctx context.Context, retentionDays int) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM session_activity a
		 USING live_sessions s
		 WHERE a.session_id = s.id
		   AND s.status IN ('stopped', 'completed', 'error')
		   AND a.ts < now() - ($1 * interval '1 day')`,
		retentionDays)
	if err != nil {
		return 0, fmt.Errorf("failed to purge activity: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
