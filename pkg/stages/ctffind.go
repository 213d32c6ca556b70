package stages

import (
	"fmt"

	"github.com/scopeflow/scopeflow/pkg/models"
)

// CtfFindParams configure CTF estimation.
type CtfFindParams struct {
	CtffindExe          string  `json:"ctffindExe,omitempty"`
	BoxSize             int     `json:"boxSize,omitempty"`
	MinResolution       float64 `json:"minResolution,omitempty"`
	MaxResolution       float64 `json:"maxResolution,omitempty"`
	MinDefocus          float64 `json:"minDefocus,omitempty"`
	MaxDefocus          float64 `json:"maxDefocus,omitempty"`
	DefocusStep         float64 `json:"defocusStep,omitempty"`
	AdditionalArguments string  `json:"additionalArguments,omitempty"`
}

type ctfFindBuilder struct{}

func (ctfFindBuilder) Stage() models.StageKey { return models.StageCtfFind }

func (b ctfFindBuilder) Build(req Request) (*Build, error) {
	p := CtfFindParams{
		CtffindExe:    "ctffind",
		BoxSize:       512,
		MinResolution: 30,
		MaxResolution: 5,
		MinDefocus:    5000,
		MaxDefocus:    50000,
		DefocusStep:   500,
	}
	if err := decodeParams(req.Params, &p); err != nil {
		return nil, err
	}
	if req.Inputs.InputStar == "" {
		return nil, fmt.Errorf("ctf estimation requires an input micrograph star file")
	}

	outputDir, err := stageOutputDir(req, models.StageCtfFind)
	if err != nil {
		return nil, err
	}
	extra, warnings := extraArgs(p.AdditionalArguments)

	argv := []string{
		relionBinary(req, "relion_run_ctffind", true),
		"--i", req.Inputs.InputStar,
		"--o", outputDir + "/",
		"--only_do_unfinished",
		"--ctffind_exe", p.CtffindExe,
		"--Box", itoa(p.BoxSize),
		"--ResMin", ftoa(p.MinResolution),
		"--ResMax", ftoa(p.MaxResolution),
		"--dFMin", ftoa(p.MinDefocus),
		"--dFMax", ftoa(p.MaxDefocus),
		"--FStep", ftoa(p.DefocusStep),
	}

	return assemble(req, models.StageCtfFind, outputDir, argv, extra, warnings, false, true)
}
