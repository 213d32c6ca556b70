package api

import (
	"context"
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"

	"github.com/scopeflow/scopeflow/pkg/models"
)

// requireMember verifies the authenticated user belongs to projectID.
func (s *Server) requireMember(c *echo.Context, projectID string) error {
	ok, err := s.projects.IsMember(c.Request().Context(), projectID, currentUser(c))
	if err != nil {
		return mapServiceError(err)
	}
	if !ok {
		return echo.NewHTTPError(http.StatusForbidden, "access denied to project")
	}
	return nil
}

// sessionForUser loads a session and checks project membership.
func (s *Server) sessionForUser(c *echo.Context, id string) (*models.LiveSession, error) {
	sess, err := s.sessions.GetSession(c.Request().Context(), id)
	if err != nil {
		return nil, mapServiceError(err)
	}
	if err := s.requireMember(c, sess.ProjectID); err != nil {
		return nil, err
	}
	return sess, nil
}

// createSessionHandler handles POST /api/live-sessions.
func (s *Server) createSessionHandler(c *echo.Context) error {
	var req models.CreateLiveSessionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.ProjectID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "projectId is required")
	}
	if err := s.requireMember(c, req.ProjectID); err != nil {
		return err
	}

	sess, err := s.sessions.CreateSession(c.Request().Context(), currentUser(c), req)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusCreated, sess)
}

// getSessionHandler handles GET /api/live-sessions/:id.
func (s *Server) getSessionHandler(c *echo.Context) error {
	sessionID := c.Param("id")
	if sessionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "session id is required")
	}
	if _, err := s.sessionForUser(c, sessionID); err != nil {
		return err
	}

	snapshot, err := s.manager.Snapshot(c.Request().Context(), sessionID)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, snapshot)
}

// startSessionHandler handles POST /api/live-sessions/:id/start.
func (s *Server) startSessionHandler(c *echo.Context) error {
	return s.lifecycleHandler(c, s.manager.Start)
}

// pauseSessionHandler handles POST /api/live-sessions/:id/pause.
func (s *Server) pauseSessionHandler(c *echo.Context) error {
	return s.lifecycleHandler(c, s.manager.Pause)
}

// resumeSessionHandler handles POST /api/live-sessions/:id/resume.
func (s *Server) resumeSessionHandler(c *echo.Context) error {
	return s.lifecycleHandler(c, s.manager.Resume)
}

// stopSessionHandler handles POST /api/live-sessions/:id/stop.
func (s *Server) stopSessionHandler(c *echo.Context) error {
	return s.lifecycleHandler(c, s.manager.Stop)
}

type lifecycleOp func(ctx context.Context, sessionID string) (*models.LiveSession, error)

func (s *Server) lifecycleHandler(c *echo.Context, op lifecycleOp) error {
	sessionID := c.Param("id")
	if sessionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "session id is required")
	}
	if _, err := s.sessionForUser(c, sessionID); err != nil {
		return err
	}

	sess, err := op(c.Request().Context(), sessionID)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, sess)
}

// deleteSessionHandler handles DELETE /api/live-sessions/:id. A non-terminal
// session is stopped first so no scheduler jobs are left running.
func (s *Server) deleteSessionHandler(c *echo.Context) error {
	sessionID := c.Param("id")
	if sessionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "session id is required")
	}
	sess, err := s.sessionForUser(c, sessionID)
	if err != nil {
		return err
	}

	ctx := c.Request().Context()
	switch sess.Status {
	case models.SessionRunning, models.SessionPaused:
		if _, err := s.manager.Stop(ctx, sessionID); err != nil {
			return mapServiceError(err)
		}
	default:
		// Already terminal or never started; cancel any leftover jobs anyway.
		s.manager.CancelSessionJobs(ctx, sess)
	}

	if err := s.sessions.DeleteSession(ctx, sessionID); err != nil {
		return mapServiceError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// sessionStatsHandler handles GET /api/live-sessions/:id/stats.
func (s *Server) sessionStatsHandler(c *echo.Context) error {
	sessionID := c.Param("id")
	if sessionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "session id is required")
	}
	sess, err := s.sessionForUser(c, sessionID)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, &models.SessionStats{
		SessionID:       sess.ID,
		Status:          sess.Status,
		Counters:        sess.Counters,
		PassesCompleted: sess.PassesCompleted,
		Jobs:            sess.Jobs,
	})
}

// sessionActivityHandler handles
// GET /api/live-sessions/:id/activity?level=&stage=&search=&limit=.
func (s *Server) sessionActivityHandler(c *echo.Context) error {
	sessionID := c.Param("id")
	if sessionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "session id is required")
	}
	var q models.ActivityQuery
	if v := c.QueryParam("level"); v != "" {
		level := models.ActivityLevel(v)
		if !level.IsValid() {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid level: "+v)
		}
		q.Level = level
	}
	if v := c.QueryParam("stage"); v != "" {
		stage := models.StageKey(v)
		if !stage.IsValid() {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid stage: "+v)
		}
		q.Stage = stage
	}
	q.Search = c.QueryParam("search")
	if v := c.QueryParam("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid limit: "+v)
		}
		q.Limit = limit
	}

	if _, err := s.sessionForUser(c, sessionID); err != nil {
		return err
	}

	entries, err := s.activity.Query(c.Request().Context(), sessionID, q)
	if err != nil {
		return mapServiceError(err)
	}
	if entries == nil {
		entries = []*models.ActivityEntry{}
	}
	return c.JSON(http.StatusOK, entries)
}

// listSessionsHandler handles GET /api/live-sessions/project/:projectId.
func (s *Server) listSessionsHandler(c *echo.Context) error {
	projectID := c.Param("projectId")
	if projectID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "project id is required")
	}
	if err := s.requireMember(c, projectID); err != nil {
		return err
	}

	sessions, err := s.sessions.ListSessionsByProject(c.Request().Context(), projectID)
	if err != nil {
		return mapServiceError(err)
	}
	if sessions == nil {
		sessions = []*models.LiveSession{}
	}
	return c.JSON(http.StatusOK, sessions)
}
