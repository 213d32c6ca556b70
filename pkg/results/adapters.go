package results

import (
	"fmt"
	"path/filepath"

	"github.com/scopeflow/scopeflow/pkg/models"
)

// Counts are the cumulative output counts of one stage job.
type Counts struct {
	Micrographs int64
	Particles   int64
}

// adapter describes where one stage writes its countable output.
type adapter struct {
	starFile  string
	block     string
	particles bool // rows count particles rather than micrographs
}

// adapters maps each live stage to its output table. Class2D is absent on
// purpose: its output is classes, which the session counts as runs, not
// rows.
var adapters = map[models.StageKey]adapter{
	models.StageImport:     {starFile: "movies.star", block: "data_movies"},
	models.StageMotionCorr: {starFile: "corrected_micrographs.star", block: "data_micrographs"},
	models.StageCtfFind:    {starFile: "micrographs_ctf.star", block: "data_micrographs"},
	models.StageAutoPick:   {starFile: "autopick.star", block: "data_coordinate_files"},
	models.StageManualPick: {starFile: "manualpick.star", block: "data_coordinate_files"},
	models.StageExtract:    {starFile: "particles.star", block: "data_particles", particles: true},
}

// CountStageOutputs reads the cumulative counts from a stage job's output
// directory.
func CountStageOutputs(stage models.StageKey, outputDir string) (Counts, error) {
	a, ok := adapters[stage]
	if !ok {
		return Counts{}, fmt.Errorf("no result adapter for stage %s", stage)
	}
	rows, err := CountDataRows(filepath.Join(outputDir, a.starFile), a.block)
	if err != nil {
		return Counts{}, err
	}
	if a.particles {
		return Counts{Particles: rows}, nil
	}
	return Counts{Micrographs: rows}, nil
}

// OutputStarFile returns the path of the stage's primary output table, the
// input of the next stage in the pipeline.
func OutputStarFile(stage models.StageKey, outputDir string) (string, error) {
	a, ok := adapters[stage]
	if !ok {
		return "", fmt.Errorf("no result adapter for stage %s", stage)
	}
	return filepath.Join(outputDir, a.starFile), nil
}

// CoordsSuffix returns the coordinate suffix file a picking stage hands to
// extraction.
func CoordsSuffix(stage models.StageKey, outputDir string) (string, error) {
	switch stage {
	case models.StageAutoPick:
		return filepath.Join(outputDir, "autopick.star"), nil
	case models.StageManualPick:
		return filepath.Join(outputDir, "manualpick.star"), nil
	default:
		return "", fmt.Errorf("stage %s does not produce coordinates", stage)
	}
}
