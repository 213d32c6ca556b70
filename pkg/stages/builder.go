package stages

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/scopeflow/scopeflow/pkg/config"
	"github.com/scopeflow/scopeflow/pkg/models"
)

// Inputs are the resolved upstream artifacts a stage consumes. Which fields
// are meaningful depends on the stage.
type Inputs struct {
	ProjectRoot   string
	MoviesGlob    string // Import: absolute movie glob
	InputStar     string // most stages: upstream output star file
	CoordsSuffix  string // Extract: picking coordinate suffix star
	ParticlesStar string // Class2D: accumulated particle star file
}

// Request is everything a builder needs for one submission.
type Request struct {
	Session          *models.LiveSession
	Params           json.RawMessage // session's stage parameter record
	Inputs           Inputs
	Relion           *config.RelionConfig
	DefaultPartition string

	// ReuseOutputDir resubmits into an existing job directory instead of
	// allocating a fresh one. Live sessions run Import through Extract as
	// reentrant jobs in a fixed directory; Class2D always gets a new one.
	ReuseOutputDir string
}

// Build is one prepared submission.
type Build struct {
	Argv        []string
	Script      string
	OutputDir   string
	SupportsGpu bool
	SupportsMpi bool

	// Warnings carries user-visible notes about inputs that were dropped,
	// such as a rejected additionalArguments string.
	Warnings []string
}

// Builder prepares submissions for one stage key.
type Builder interface {
	Stage() models.StageKey
	Build(req Request) (*Build, error)
}

// decodeParams strictly decodes a stage parameter record. Unknown keys are
// an error so a typo in a parameter name cannot silently become a no-op.
func decodeParams(raw json.RawMessage, into any) error {
	if len(raw) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(into); err != nil {
		return fmt.Errorf("invalid stage parameters: %w", err)
	}
	return nil
}

// extraArgs parses a free-form argument string, converting a rejection into
// a warning and an empty token list. The whole string is dropped on any bad
// token.
func extraArgs(raw string) ([]string, []string) {
	tokens, err := ParseAdditionalArgs(raw)
	if err != nil {
		return nil, []string{fmt.Sprintf("additional arguments dropped: %v", err)}
	}
	return tokens, nil
}

// assemble finishes a build: appends the extra tokens and renders the
// submission script around the argv.
func assemble(req Request, stage models.StageKey, outputDir string, argv, extra []string, warnings []string, supportsGpu, supportsMpi bool) (*Build, error) {
	argv = append(argv, extra...)

	hints := req.Session.Pipeline.Resources
	partition := hints.Partition
	if partition == "" {
		partition = req.DefaultPartition
	}
	script := RenderScript(ScriptSpec{
		JobName:     fmt.Sprintf("scopeflow-%s-%s", stage, filepath.Base(outputDir)),
		Partition:   partition,
		OutputDir:   outputDir,
		Hints:       hints,
		SupportsGpu: supportsGpu,
		SupportsMpi: supportsMpi,
		MPILauncher: req.Relion.MPILauncher,
		Argv:        argv,
	})

	return &Build{
		Argv:        argv,
		Script:      script,
		OutputDir:   outputDir,
		SupportsGpu: supportsGpu,
		SupportsMpi: supportsMpi,
		Warnings:    warnings,
	}, nil
}

// stageOutputDir resolves the build's output directory: the reused
// directory when resubmitting, a fresh Job### allocation otherwise.
func stageOutputDir(req Request, stage models.StageKey) (string, error) {
	if req.ReuseOutputDir != "" {
		if err := os.MkdirAll(req.ReuseOutputDir, 0o755); err != nil {
			return "", fmt.Errorf("failed to ensure output directory: %w", err)
		}
		return req.ReuseOutputDir, nil
	}
	return AllocateOutputDir(req.Inputs.ProjectRoot, stage)
}

// relionBinary resolves a RELION tool path, switching to the _mpi variant
// when the stage runs with more than one MPI process.
func relionBinary(req Request, name string, supportsMpi bool) string {
	if supportsMpi && req.Session.Pipeline.Resources.MpiProcs > 1 {
		name += "_mpi"
	}
	if req.Relion.BinDir == "" {
		return name
	}
	return filepath.Join(req.Relion.BinDir, name)
}

// gpuRequested reports whether the session's hints ask for GPUs.
func gpuRequested(req Request) bool {
	return req.Session.Pipeline.Resources.GpuCount > 0
}

func ftoa(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func itoa(v int) string {
	return strconv.Itoa(v)
}
