package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/scopeflow/scopeflow/pkg/models"
	"github.com/scopeflow/scopeflow/test/util"
)

// testServices bundles every store service over one isolated test schema.
type testServices struct {
	Projects *ProjectService
	Sessions *SessionService
	Jobs     *JobService
	Activity *ActivityService
}

func newTestServices(t *testing.T) *testServices {
	client := util.SetupTestDatabase(t)
	return &testServices{
		Projects: NewProjectService(client),
		Sessions: NewSessionService(client),
		Jobs:     NewJobService(client),
		Activity: NewActivityService(client),
	}
}

// seedProject inserts a project owned by "alice" with "bob" as member.
func seedProject(t *testing.T, svc *testServices, id string) *models.Project {
	p, err := svc.Projects.CreateProject(context.Background(), &models.Project{
		ID:        id,
		Name:      "relion " + id,
		OwnerID:   "alice",
		MemberIDs: []string{"bob"},
		RootDir:   "/data/" + id,
	})
	require.NoError(t, err)
	return p
}

// validSessionRequest returns a minimal valid create request for projectID.
func validSessionRequest(projectID string) models.CreateLiveSessionRequest {
	return models.CreateLiveSessionRequest{
		ProjectID: projectID,
		Name:      "grid3 overnight",
		InputMode: models.InputModeWatch,
		WatchDir:  "/data/microscope/grid3",
		WatchGlob: "**/*.tiff",
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

// seedJob inserts a pending job for the project.
func seedJob(t *testing.T, svc *testServices, projectID string, stage models.StageKey) *models.Job {
	job, err := svc.Jobs.CreateJob(context.Background(), CreateJobRequest{
		ProjectID: projectID,
		Stage:     stage,
		Command:   "relion_import --i movies/*.tiff",
		OutputDir: "/data/" + projectID + "/" + string(stage) + "/job001",
	})
	require.NoError(t, err)
	return job
}
