package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/scopeflow/scopeflow/pkg/models"
	"github.com/scopeflow/scopeflow/pkg/results"
	"github.com/scopeflow/scopeflow/pkg/slurm"
)

// ────────────────────────────────────────────────────────────
// Auth and Seeding
// ────────────────────────────────────────────────────────────

// Token signs a short-lived JWT for userID with the test secret.
func (app *TestApp) Token(t *testing.T, userID string) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(app.Config.Server.JWTSecret))
	require.NoError(t, err)
	return signed
}

// SeedProject inserts a project rooted in a fresh temp dir.
func (app *TestApp) SeedProject(t *testing.T, id, owner string, members ...string) *models.Project {
	t.Helper()
	p, err := app.Projects.CreateProject(context.Background(), &models.Project{
		ID:        id,
		Name:      "relion " + id,
		OwnerID:   owner,
		MemberIDs: members,
		RootDir:   t.TempDir(),
	})
	require.NoError(t, err)
	return p
}

// WatchSessionRequest returns a valid watch-mode create request with the
// full live chain enabled. watchDir should already exist.
func WatchSessionRequest(projectID, watchDir string) models.CreateLiveSessionRequest {
	return models.CreateLiveSessionRequest{
		ProjectID: projectID,
		Name:      "grid3 overnight",
		InputMode: models.InputModeWatch,
		WatchDir:  watchDir,
		WatchGlob: "*.tiff",
		Optics: models.OpticsConfig{
			PixelSize:           0.85,
			Voltage:             300,
			SphericalAberration: 2.7,
			AmplitudeContrast:   0.1,
		},
		Pipeline: models.PipelineConfig{
			EnabledStages: []models.StageKey{
				models.StageImport, models.StageMotionCorr, models.StageCtfFind,
				models.StageAutoPick, models.StageExtract,
			},
		},
	}
}

// WriteMovies drops n settled movie files into dir.
func WriteMovies(t *testing.T, dir string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		path := filepath.Join(dir, fmt.Sprintf("FoilHole_%03d.tiff", i+1))
		require.NoError(t, os.WriteFile(path, []byte("movie frames"), 0o644))
	}
}

// ────────────────────────────────────────────────────────────
// HTTP Client Helpers
// ────────────────────────────────────────────────────────────

// CreateSession posts a create request as user and returns the session ID.
func (app *TestApp) CreateSession(t *testing.T, user string, req models.CreateLiveSessionRequest) string {
	t.Helper()
	resp := app.postJSON(t, user, "/api/live-sessions", req, http.StatusCreated)
	id, _ := resp["id"].(string)
	require.NotEmpty(t, id, "create response carries no session id")
	return id
}

// StartSession posts /start and requires the session to come back running.
func (app *TestApp) StartSession(t *testing.T, user, sessionID string) {
	t.Helper()
	resp := app.postJSON(t, user, "/api/live-sessions/"+sessionID+"/start", nil, http.StatusOK)
	require.Equal(t, "running", resp["status"])
}

// StopSession posts /stop.
func (app *TestApp) StopSession(t *testing.T, user, sessionID string) {
	t.Helper()
	resp := app.postJSON(t, user, "/api/live-sessions/"+sessionID+"/stop", nil, http.StatusOK)
	require.Equal(t, "stopped", resp["status"])
}

// GetSnapshot retrieves the session snapshot.
func (app *TestApp) GetSnapshot(t *testing.T, user, sessionID string) map[string]interface{} {
	t.Helper()
	return app.getJSON(t, user, "/api/live-sessions/"+sessionID, http.StatusOK)
}

// GetStats retrieves the session stats.
func (app *TestApp) GetStats(t *testing.T, user, sessionID string) map[string]interface{} {
	t.Helper()
	return app.getJSON(t, user, "/api/live-sessions/"+sessionID+"/stats", http.StatusOK)
}

// GetActivity retrieves the session activity feed, optionally filtered.
func (app *TestApp) GetActivity(t *testing.T, user, sessionID, query string) []map[string]interface{} {
	t.Helper()
	path := "/api/live-sessions/" + sessionID + "/activity"
	if query != "" {
		path += "?" + query
	}
	raw := app.getJSONArray(t, user, path, http.StatusOK)
	out := make([]map[string]interface{}, 0, len(raw))
	for _, e := range raw {
		m, _ := e.(map[string]interface{})
		out = append(out, m)
	}
	return out
}

func (app *TestApp) postJSON(t *testing.T, user, path string, body interface{}, expectedStatus int) map[string]interface{} {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, app.BaseURL+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	app.authenticate(t, req, user)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, expectedStatus, resp.StatusCode, "POST %s: unexpected status", path)
	var result map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	return result
}

func (app *TestApp) getJSON(t *testing.T, user, path string, expectedStatus int) map[string]interface{} {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, app.BaseURL+path, nil)
	require.NoError(t, err)
	app.authenticate(t, req, user)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, expectedStatus, resp.StatusCode, "GET %s: unexpected status", path)
	var result map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	return result
}

func (app *TestApp) getJSONArray(t *testing.T, user, path string, expectedStatus int) []interface{} {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, app.BaseURL+path, nil)
	require.NoError(t, err)
	app.authenticate(t, req, user)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, expectedStatus, resp.StatusCode, "GET %s: unexpected status", path)
	var result []interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	return result
}

// authenticate attaches the auth cookie. An empty user sends no credentials.
func (app *TestApp) authenticate(t *testing.T, req *http.Request, user string) {
	t.Helper()
	if user == "" {
		return
	}
	req.AddCookie(&http.Cookie{Name: "atoken", Value: app.Token(t, user)})
}

// ────────────────────────────────────────────────────────────
// Pipeline Driving Helpers
// ────────────────────────────────────────────────────────────

// WaitForStageJob polls the snapshot until a job for the stage has been
// submitted (scheduler id assigned) and returns its JSON object.
func (app *TestApp) WaitForStageJob(t *testing.T, user, sessionID string, stage models.StageKey) map[string]interface{} {
	t.Helper()
	var job map[string]interface{}
	require.Eventually(t, func() bool {
		snapshot := app.GetSnapshot(t, user, sessionID)
		latest, _ := snapshot["latestJobs"].(map[string]interface{})
		j, ok := latest[string(stage)].(map[string]interface{})
		if !ok {
			return false
		}
		if sid, _ := j["schedulerId"].(string); sid == "" {
			return false
		}
		job = j
		return true
	}, 10*time.Second, 25*time.Millisecond,
		"no %s job submitted for session %s", stage, sessionID)
	return job
}

// WaitForJobStatusDB polls the snapshot until the stage's latest job reaches
// the expected status.
func (app *TestApp) WaitForJobStatusDB(t *testing.T, user, sessionID string, stage models.StageKey, status string) {
	t.Helper()
	require.Eventually(t, func() bool {
		snapshot := app.GetSnapshot(t, user, sessionID)
		latest, _ := snapshot["latestJobs"].(map[string]interface{})
		j, ok := latest[string(stage)].(map[string]interface{})
		return ok && j["status"] == status
	}, 10*time.Second, 25*time.Millisecond,
		"%s job for session %s never reached %s", stage, sessionID, status)
}

// WaitForSessionStatus polls until the session reaches one of the expected
// statuses.
func (app *TestApp) WaitForSessionStatus(t *testing.T, sessionID string, expected ...models.SessionStatus) models.SessionStatus {
	t.Helper()
	var actual models.SessionStatus
	require.Eventually(t, func() bool {
		sess, err := app.Sessions.GetSession(context.Background(), sessionID)
		if err != nil {
			return false
		}
		actual = sess.Status
		for _, exp := range expected {
			if actual == exp {
				return true
			}
		}
		return false
	}, 10*time.Second, 25*time.Millisecond,
		"session %s did not reach status %v (last: %s)", sessionID, expected, actual)
	return actual
}

// CompleteStage writes the stage's output star file with rows data rows and
// drops the success marker, which outranks whatever squeue reports.
func (app *TestApp) CompleteStage(t *testing.T, user, sessionID string, stage models.StageKey, rows int) {
	t.Helper()
	job := app.WaitForStageJob(t, user, sessionID, stage)
	dir, _ := job["outputDir"].(string)
	require.NotEmpty(t, dir)

	star, err := results.OutputStarFile(stage, dir)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(star, []byte(starTable(stage, rows)), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, slurm.MarkerSuccessFile), nil, 0o644))
}

// FailStage drops the failure marker into the stage's output directory.
func (app *TestApp) FailStage(t *testing.T, user, sessionID string, stage models.StageKey) {
	t.Helper()
	job := app.WaitForStageJob(t, user, sessionID, stage)
	dir, _ := job["outputDir"].(string)
	require.NotEmpty(t, dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, slurm.MarkerFailureFile), nil, 0o644))
}

// starTable renders a minimal output table for the stage with the given row
// count, shaped like what the RELION stage would write.
func starTable(stage models.StageKey, rows int) string {
	var b strings.Builder
	switch stage {
	case models.StageImport:
		b.WriteString("data_movies\n\nloop_\n_rlnMicrographMovieName #1\n_rlnOpticsGroup #2\n")
		for i := 0; i < rows; i++ {
			fmt.Fprintf(&b, "FoilHole_%03d.tiff 1\n", i+1)
		}
	case models.StageMotionCorr:
		b.WriteString("data_micrographs\n\nloop_\n_rlnMicrographName #1\n_rlnAccumMotionTotal #2\n")
		for i := 0; i < rows; i++ {
			fmt.Fprintf(&b, "FoilHole_%03d.mrc 12.4\n", i+1)
		}
	case models.StageCtfFind:
		b.WriteString("data_micrographs\n\nloop_\n_rlnMicrographName #1\n_rlnCtfMaxResolution #2\n_rlnCtfFigureOfMerit #3\n_rlnDefocusU #4\n")
		for i := 0; i < rows; i++ {
			fmt.Fprintf(&b, "FoilHole_%03d.mrc 3.4 0.12 14000\n", i+1)
		}
	case models.StageAutoPick, models.StageManualPick:
		b.WriteString("data_coordinate_files\n\nloop_\n_rlnMicrographName #1\n_rlnMicrographCoordinates #2\n")
		for i := 0; i < rows; i++ {
			fmt.Fprintf(&b, "FoilHole_%03d.mrc FoilHole_%03d_pick.star\n", i+1, i+1)
		}
	case models.StageExtract:
		b.WriteString("data_particles\n\nloop_\n_rlnImageName #1\n_rlnMicrographName #2\n")
		for i := 0; i < rows; i++ {
			fmt.Fprintf(&b, "%06d@particles.mrcs FoilHole_001.mrc\n", i+1)
		}
	}
	return b.String()
}
