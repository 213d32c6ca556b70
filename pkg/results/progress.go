package results

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"

	"github.com/scopeflow/scopeflow/pkg/models"
)

// iterationPattern matches refinement progress lines in run.out, e.g.
// "Expectation iteration 7 of 25".
var iterationPattern = regexp.MustCompile(`Expectation iteration (\d+) of (\d+)`)

// progressTailBytes bounds how much of run.out is read per probe.
const progressTailBytes = 64 * 1024

// Prober reads a running job's partial outputs for the scheduler monitor.
type Prober struct{}

// Probe reports the job's current pipeline statistics. ok is false when the
// job has not produced anything parseable yet.
func (Prober) Probe(job *models.Job) (models.PipelineStats, bool) {
	var stats models.PipelineStats
	ok := false

	if iter, total, found := parseIterations(filepath.Join(job.OutputDir, "run.out")); found {
		stats.IterationCount = iter
		stats.TotalIterations = total
		ok = true
	}

	if counts, err := CountStageOutputs(job.Stage, job.OutputDir); err == nil {
		if counts.Micrographs > 0 {
			stats.MicrographCount = int(counts.Micrographs)
			ok = true
		}
		if counts.Particles > 0 {
			stats.ParticleCount = int(counts.Particles)
			ok = true
		}
	}

	return stats, ok
}

// parseIterations returns the last iteration line in the tail of run.out.
func parseIterations(path string) (iter, total int, found bool) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, false
	}
	defer f.Close()

	if info, err := f.Stat(); err == nil && info.Size() > progressTailBytes {
		if _, err := f.Seek(info.Size()-progressTailBytes, io.SeekStart); err != nil {
			return 0, 0, false
		}
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if m := iterationPattern.FindStringSubmatch(scanner.Text()); m != nil {
			i, err1 := strconv.Atoi(m[1])
			n, err2 := strconv.Atoi(m[2])
			if err1 == nil && err2 == nil {
				iter, total, found = i, n, true
			}
		}
	}
	return iter, total, found
}
