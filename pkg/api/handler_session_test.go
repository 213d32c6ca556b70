package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	echo "github.com/labstack/echo/v5"
	"github.com/stretchr/testify/assert"
)

// Validation-only tests: these paths return 400 before touching any service.
// Happy paths run against a real stack in the e2e suite.

// sessionTestEcho registers the session routes without auth middleware.
func sessionTestEcho(s *Server) *echo.Echo {
	e := echo.New()
	e.GET("/api/live-sessions/:id/activity", s.sessionActivityHandler)
	e.GET("/api/projects/:projectId/jobs", s.listProjectJobsHandler)
	return e
}

func TestSessionActivityHandler_Validation(t *testing.T) {
	e := sessionTestEcho(&Server{})

	tests := []struct {
		name   string
		query  string
		errMsg string
	}{
		{"invalid level", "level=loud", "invalid level"},
		{"invalid stage", "stage=refine3d", "invalid stage"},
		{"non-numeric limit", "limit=abc", "invalid limit"},
		{"negative limit", "limit=-5", "invalid limit"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/live-sessions/s1/activity?"+tt.query, nil)
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.errMsg)
		})
	}
}

func TestSessionHandlers_RequireID(t *testing.T) {
	s := &Server{}

	handlers := map[string]func(c *echo.Context) error{
		"get":      s.getSessionHandler,
		"stats":    s.sessionStatsHandler,
		"activity": s.sessionActivityHandler,
		"delete":   s.deleteSessionHandler,
		"start":    s.startSessionHandler,
		"pause":    s.pauseSessionHandler,
		"resume":   s.resumeSessionHandler,
		"stop":     s.stopSessionHandler,
	}

	for name, handler := range handlers {
		t.Run(name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodPost, "/api/live-sessions/", nil)
			rec := httptest.NewRecorder()

			err := handler(e.NewContext(req, rec))
			if assert.Error(t, err) {
				he, ok := err.(*echo.HTTPError)
				if assert.True(t, ok, "expected echo.HTTPError") {
					assert.Equal(t, http.StatusBadRequest, he.Code)
					assert.Contains(t, he.Message, "session id")
				}
			}
		})
	}
}

func TestCreateSessionHandler_RequiresProject(t *testing.T) {
	s := &Server{}

	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/live-sessions",
		strings.NewReader(`{"name":"grid3 overnight"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()

	err := s.createSessionHandler(e.NewContext(req, rec))
	if assert.Error(t, err) {
		he, ok := err.(*echo.HTTPError)
		if assert.True(t, ok) {
			assert.Equal(t, http.StatusBadRequest, he.Code)
			assert.Contains(t, he.Message, "projectId")
		}
	}
}

func TestListProjectJobsHandler_Validation(t *testing.T) {
	e := sessionTestEcho(&Server{})

	for _, limit := range []string{"0", "-1", "abc", "9999"} {
		t.Run("limit "+limit, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/projects/p1/jobs?limit="+limit, nil)
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, rec.Body.String(), "invalid limit")
		})
	}
}
