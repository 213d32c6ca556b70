package stages

import (
	"fmt"
	"path/filepath"

	"github.com/scopeflow/scopeflow/pkg/models"
)

// Class2DParams configure 2D classification.
type Class2DParams struct {
	NumClasses          int     `json:"numClasses,omitempty"`
	Iterations          int     `json:"iterations,omitempty"`
	Tau2Fudge           float64 `json:"tau2Fudge,omitempty"`
	MaskDiameter        float64 `json:"maskDiameter"` // Å
	AdditionalArguments string  `json:"additionalArguments,omitempty"`
}

type class2DBuilder struct{}

func (class2DBuilder) Stage() models.StageKey { return models.StageClass2D }

func (b class2DBuilder) Build(req Request) (*Build, error) {
	p := Class2DParams{NumClasses: 50, Iterations: 25, Tau2Fudge: 2}
	if err := decodeParams(req.Params, &p); err != nil {
		return nil, err
	}
	if req.Inputs.ParticlesStar == "" {
		return nil, fmt.Errorf("class2d requires an accumulated particle star file")
	}
	if p.MaskDiameter <= 0 {
		return nil, fmt.Errorf("class2d requires a positive mask diameter")
	}

	outputDir, err := stageOutputDir(req, models.StageClass2D)
	if err != nil {
		return nil, err
	}
	extra, warnings := extraArgs(p.AdditionalArguments)

	argv := []string{
		relionBinary(req, "relion_refine", true),
		"--i", req.Inputs.ParticlesStar,
		"--o", filepath.Join(outputDir, "run"),
		"--dont_combine_weights_via_disc",
		"--ctf",
		"--iter", itoa(p.Iterations),
		"--K", itoa(p.NumClasses),
		"--tau2_fudge", ftoa(p.Tau2Fudge),
		"--particle_diameter", ftoa(p.MaskDiameter),
		"--zero_mask",
		"--oversampling", "1",
		"--psi_step", "12",
		"--offset_range", "5",
		"--offset_step", "2",
		"--norm", "--scale",
	}
	if gpuRequested(req) {
		argv = append(argv, "--gpu", "")
	}
	if threads := req.Session.Pipeline.Resources.Threads; threads > 0 {
		argv = append(argv, "--j", itoa(threads))
	}

	return assemble(req, models.StageClass2D, outputDir, argv, extra, warnings, true, true)
}
