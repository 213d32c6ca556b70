package stages

import (
	"fmt"

	"github.com/scopeflow/scopeflow/pkg/models"
)

// ImportParams configure the movie import stage.
type ImportParams struct {
	OpticsGroupName     string `json:"opticsGroupName,omitempty"`
	AdditionalArguments string `json:"additionalArguments,omitempty"`
}

type importBuilder struct{}

func (importBuilder) Stage() models.StageKey { return models.StageImport }

func (b importBuilder) Build(req Request) (*Build, error) {
	var p ImportParams
	if err := decodeParams(req.Params, &p); err != nil {
		return nil, err
	}
	if req.Inputs.MoviesGlob == "" {
		return nil, fmt.Errorf("import requires a movie glob")
	}
	if p.OpticsGroupName == "" {
		p.OpticsGroupName = "opticsGroup1"
	}

	outputDir, err := stageOutputDir(req, models.StageImport)
	if err != nil {
		return nil, err
	}
	extra, warnings := extraArgs(p.AdditionalArguments)

	optics := req.Session.Optics
	argv := []string{
		relionBinary(req, "relion_import", false),
		"--do_movies",
		"--i", req.Inputs.MoviesGlob,
		"--odir", outputDir,
		"--ofile", "movies.star",
		"--optics_group_name", p.OpticsGroupName,
		"--angpix", ftoa(optics.PixelSize),
		"--kV", ftoa(optics.Voltage),
		"--Cs", ftoa(optics.SphericalAberration),
		"--Q0", ftoa(optics.AmplitudeContrast),
	}

	return assemble(req, models.StageImport, outputDir, argv, extra, warnings, false, false)
}
