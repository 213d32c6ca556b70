package stages

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"

	"github.com/scopeflow/scopeflow/pkg/models"
)

var jobDirPattern = regexp.MustCompile(`^Job(\d{3})$`)

// AllocateOutputDir creates and returns the next free job directory for a
// stage: <projectRoot>/<StageKey>/Job### with the lowest unused three-digit
// index, mode 0755.
func AllocateOutputDir(projectRoot string, stage models.StageKey) (string, error) {
	stageDir := filepath.Join(projectRoot, string(stage))
	if err := os.MkdirAll(stageDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create stage directory: %w", err)
	}

	next := 1
	entries, err := os.ReadDir(stageDir)
	if err != nil {
		return "", fmt.Errorf("failed to read stage directory: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		m := jobDirPattern.FindStringSubmatch(entry.Name())
		if m == nil {
			continue
		}
		if n, err := strconv.Atoi(m[1]); err == nil && n >= next {
			next = n + 1
		}
	}

	dir := filepath.Join(stageDir, fmt.Sprintf("Job%03d", next))
	if err := os.Mkdir(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create job directory: %w", err)
	}
	return dir, nil
}
