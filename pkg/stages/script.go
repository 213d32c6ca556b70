package stages

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/kballard/go-shellquote"

	"github.com/scopeflow/scopeflow/pkg/models"
)

// ScriptSpec describes one sbatch submission script. GPU and MPI directives
// are emitted only when the stage supports them and the hints request them.
type ScriptSpec struct {
	JobName     string
	Partition   string
	OutputDir   string
	Hints       models.ResourceHints
	SupportsGpu bool
	SupportsMpi bool
	MPILauncher string // srun or mpirun, used when MpiProcs > 1
	Argv        []string
}

// RenderScript produces the sbatch script text. Stage stdout/stderr land in
// run.out / run.err inside the output directory, which is where the log
// scanner and the marker checks look.
func RenderScript(spec ScriptSpec) string {
	var b strings.Builder
	b.WriteString("#!/bin/bash\n")
	fmt.Fprintf(&b, "#SBATCH --job-name=%s\n", spec.JobName)
	if spec.Partition != "" {
		fmt.Fprintf(&b, "#SBATCH --partition=%s\n", spec.Partition)
	}
	fmt.Fprintf(&b, "#SBATCH --output=%s\n", filepath.Join(spec.OutputDir, "run.out"))
	fmt.Fprintf(&b, "#SBATCH --error=%s\n", filepath.Join(spec.OutputDir, "run.err"))

	mpiProcs := 1
	if spec.SupportsMpi && spec.Hints.MpiProcs > 1 {
		mpiProcs = spec.Hints.MpiProcs
	}
	fmt.Fprintf(&b, "#SBATCH --ntasks=%d\n", mpiProcs)
	if spec.Hints.Threads > 0 {
		fmt.Fprintf(&b, "#SBATCH --cpus-per-task=%d\n", spec.Hints.Threads)
	}
	if spec.SupportsGpu && spec.Hints.GpuCount > 0 {
		fmt.Fprintf(&b, "#SBATCH --gres=gpu:%d\n", spec.Hints.GpuCount)
	}
	if spec.Hints.MemoryGB > 0 {
		fmt.Fprintf(&b, "#SBATCH --mem=%dG\n", spec.Hints.MemoryGB)
	}
	if spec.Hints.TimeLimit != "" {
		fmt.Fprintf(&b, "#SBATCH --time=%s\n", spec.Hints.TimeLimit)
	}

	b.WriteString("\n")
	command := shellquote.Join(spec.Argv...)
	if mpiProcs > 1 {
		command = fmt.Sprintf("%s -n %d %s", spec.MPILauncher, mpiProcs, command)
	}
	b.WriteString(command)
	b.WriteString("\n")
	return b.String()
}
