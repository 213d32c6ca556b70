package stages

import (
	"fmt"

	"github.com/scopeflow/scopeflow/pkg/models"
)

// ExtractParams configure particle extraction.
type ExtractParams struct {
	BoxSize             int    `json:"boxSize"`
	Rescale             int    `json:"rescale,omitempty"`
	BackgroundRadius    int    `json:"backgroundRadius,omitempty"` // px, -1 lets RELION derive it
	InvertContrast      *bool  `json:"invertContrast,omitempty"`
	AdditionalArguments string `json:"additionalArguments,omitempty"`
}

type extractBuilder struct{}

func (extractBuilder) Stage() models.StageKey { return models.StageExtract }

func (b extractBuilder) Build(req Request) (*Build, error) {
	var p ExtractParams
	if err := decodeParams(req.Params, &p); err != nil {
		return nil, err
	}
	if req.Inputs.InputStar == "" {
		return nil, fmt.Errorf("extract requires an input micrograph star file")
	}
	if req.Inputs.CoordsSuffix == "" {
		return nil, fmt.Errorf("extract requires picking coordinates")
	}
	if p.BoxSize <= 0 {
		return nil, fmt.Errorf("extract requires a positive box size")
	}

	outputDir, err := stageOutputDir(req, models.StageExtract)
	if err != nil {
		return nil, err
	}
	extra, warnings := extraArgs(p.AdditionalArguments)

	invert := true
	if p.InvertContrast != nil {
		invert = *p.InvertContrast
	}
	bgRadius := p.BackgroundRadius
	if bgRadius == 0 {
		bgRadius = -1
	}

	argv := []string{
		relionBinary(req, "relion_preprocess", true),
		"--i", req.Inputs.InputStar,
		"--coord_suffix", req.Inputs.CoordsSuffix,
		"--part_star", "particles.star",
		"--part_dir", outputDir + "/",
		"--extract",
		"--only_do_unfinished",
		"--extract_size", itoa(p.BoxSize),
		"--norm",
		"--bg_radius", itoa(bgRadius),
	}
	if p.Rescale > 0 {
		argv = append(argv, "--scale", itoa(p.Rescale))
	}
	if invert {
		argv = append(argv, "--invert_contrast")
	}

	return assemble(req, models.StageExtract, outputDir, argv, extra, warnings, false, true)
}
