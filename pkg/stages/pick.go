package stages

import (
	"fmt"

	"github.com/scopeflow/scopeflow/pkg/models"
)

// AutoPickParams configure LoG-based automatic particle picking.
type AutoPickParams struct {
	DiameterMin         float64 `json:"diameterMin"` // Å
	DiameterMax         float64 `json:"diameterMax"` // Å
	AdjustThreshold     float64 `json:"adjustThreshold,omitempty"`
	AdditionalArguments string  `json:"additionalArguments,omitempty"`
}

type autoPickBuilder struct{}

func (autoPickBuilder) Stage() models.StageKey { return models.StageAutoPick }

func (b autoPickBuilder) Build(req Request) (*Build, error) {
	var p AutoPickParams
	if err := decodeParams(req.Params, &p); err != nil {
		return nil, err
	}
	if req.Inputs.InputStar == "" {
		return nil, fmt.Errorf("autopick requires an input micrograph star file")
	}
	if p.DiameterMin <= 0 || p.DiameterMax <= 0 || p.DiameterMax < p.DiameterMin {
		return nil, fmt.Errorf("autopick requires a valid particle diameter range")
	}

	outputDir, err := stageOutputDir(req, models.StageAutoPick)
	if err != nil {
		return nil, err
	}
	extra, warnings := extraArgs(p.AdditionalArguments)

	argv := []string{
		relionBinary(req, "relion_autopick", true),
		"--i", req.Inputs.InputStar,
		"--odir", outputDir + "/",
		"--pickname", "autopick",
		"--only_do_unfinished",
		"--LoG",
		"--LoG_diam_min", ftoa(p.DiameterMin),
		"--LoG_diam_max", ftoa(p.DiameterMax),
	}
	if p.AdjustThreshold != 0 {
		argv = append(argv, "--LoG_adjust_threshold", ftoa(p.AdjustThreshold))
	}
	if gpuRequested(req) {
		argv = append(argv, "--gpu", "")
	}

	return assemble(req, models.StageAutoPick, outputDir, argv, extra, warnings, true, true)
}

// ManualPickParams configure the manual picking stage, which materializes an
// empty coordinate workspace for operator-driven picking in the viewer.
type ManualPickParams struct {
	Diameter            float64 `json:"diameter,omitempty"` // Å
	AdditionalArguments string  `json:"additionalArguments,omitempty"`
}

type manualPickBuilder struct{}

func (manualPickBuilder) Stage() models.StageKey { return models.StageManualPick }

func (b manualPickBuilder) Build(req Request) (*Build, error) {
	var p ManualPickParams
	if err := decodeParams(req.Params, &p); err != nil {
		return nil, err
	}
	if req.Inputs.InputStar == "" {
		return nil, fmt.Errorf("manual pick requires an input micrograph star file")
	}

	outputDir, err := stageOutputDir(req, models.StageManualPick)
	if err != nil {
		return nil, err
	}
	extra, warnings := extraArgs(p.AdditionalArguments)

	argv := []string{
		relionBinary(req, "relion_manualpick", false),
		"--i", req.Inputs.InputStar,
		"--odir", outputDir + "/",
		"--pickname", "manualpick",
	}
	if p.Diameter > 0 {
		argv = append(argv, "--particle_diameter", ftoa(p.Diameter))
	}

	return assemble(req, models.StageManualPick, outputDir, argv, extra, warnings, false, false)
}
