package api

import (
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"

	"github.com/scopeflow/scopeflow/pkg/models"
)

// getJobHandler handles GET /api/jobs/:id.
func (s *Server) getJobHandler(c *echo.Context) error {
	jobID := c.Param("id")
	if jobID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "job id is required")
	}

	job, err := s.jobs.GetJob(c.Request().Context(), jobID)
	if err != nil {
		return mapServiceError(err)
	}
	if err := s.requireMember(c, job.ProjectID); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, job)
}

// listProjectJobsHandler handles GET /api/projects/:projectId/jobs?limit=.
func (s *Server) listProjectJobsHandler(c *echo.Context) error {
	projectID := c.Param("projectId")
	if projectID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "project id is required")
	}
	limit := 100
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 500 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid limit: "+v)
		}
		limit = n
	}

	if err := s.requireMember(c, projectID); err != nil {
		return err
	}

	jobs, err := s.jobs.ListJobsByProject(c.Request().Context(), projectID, limit)
	if err != nil {
		return mapServiceError(err)
	}
	if jobs == nil {
		jobs = []*models.Job{}
	}
	return c.JSON(http.StatusOK, jobs)
}
