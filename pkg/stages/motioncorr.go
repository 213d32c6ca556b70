package stages

import (
	"fmt"

	"github.com/scopeflow/scopeflow/pkg/models"
)

// MotionCorrParams configure beam-induced motion correction.
type MotionCorrParams struct {
	BinFactor           float64 `json:"binFactor,omitempty"`
	BFactor             float64 `json:"bFactor,omitempty"`
	PatchX              int     `json:"patchX,omitempty"`
	PatchY              int     `json:"patchY,omitempty"`
	DosePerFrame        float64 `json:"dosePerFrame,omitempty"`
	GainReference       string  `json:"gainReference,omitempty"`
	AdditionalArguments string  `json:"additionalArguments,omitempty"`
}

type motionCorrBuilder struct{}

func (motionCorrBuilder) Stage() models.StageKey { return models.StageMotionCorr }

func (b motionCorrBuilder) Build(req Request) (*Build, error) {
	p := MotionCorrParams{BinFactor: 1, BFactor: 150, PatchX: 5, PatchY: 5}
	if err := decodeParams(req.Params, &p); err != nil {
		return nil, err
	}
	if req.Inputs.InputStar == "" {
		return nil, fmt.Errorf("motion correction requires an input movie star file")
	}

	outputDir, err := stageOutputDir(req, models.StageMotionCorr)
	if err != nil {
		return nil, err
	}
	extra, warnings := extraArgs(p.AdditionalArguments)

	argv := []string{
		relionBinary(req, "relion_run_motioncorr", true),
		"--i", req.Inputs.InputStar,
		"--o", outputDir + "/",
		"--use_own",
		"--only_do_unfinished",
		"--bin_factor", ftoa(p.BinFactor),
		"--bfactor", ftoa(p.BFactor),
		"--patch_x", itoa(p.PatchX),
		"--patch_y", itoa(p.PatchY),
		"--dose_weighting",
	}
	if p.DosePerFrame > 0 {
		argv = append(argv, "--dose_per_frame", ftoa(p.DosePerFrame))
	}
	if p.GainReference != "" {
		argv = append(argv, "--gainref", p.GainReference)
	}

	return assemble(req, models.StageMotionCorr, outputDir, argv, extra, warnings, false, true)
}
