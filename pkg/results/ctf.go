package results

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/scopeflow/scopeflow/pkg/models"
)

// FilterCtf counts the micrographs in a CTF output table that pass the
// session's quality thresholds. Zero-valued thresholds disable the
// corresponding check, so an empty QualityThresholds passes everything.
func FilterCtf(path string, q models.QualityThresholds) (total, passing int64, err error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, 0, nil
		}
		return 0, 0, fmt.Errorf("failed to open ctf star file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	// Locate the micrograph table and map its column labels to indices.
	inBlock, inLoop := false, false
	cols := map[string]int{}
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "data_micrographs":
			inBlock = true
		case inBlock && line == "loop_":
			inLoop = true
		case inLoop && strings.HasPrefix(line, "_"):
			label, _, _ := strings.Cut(line, " ")
			label, _, _ = strings.Cut(label, "#")
			cols[strings.TrimSpace(label)] = len(cols)
		case inLoop && (line == "" || strings.HasPrefix(line, "data_")):
			return total, passing, scanner.Err()
		case inLoop && !strings.HasPrefix(line, "#"):
			total++
			if passesCtf(strings.Fields(line), cols, q) {
				passing++
			}
		}
	}
	return total, passing, scanner.Err()
}

func passesCtf(fields []string, cols map[string]int, q models.QualityThresholds) bool {
	if q.MaxCtfResolution > 0 {
		if v, ok := column(fields, cols, "_rlnCtfMaxResolution"); ok && v > q.MaxCtfResolution {
			return false
		}
	}
	if q.MinDefocus > 0 || q.MaxDefocus > 0 {
		if v, ok := column(fields, cols, "_rlnDefocusU"); ok {
			if q.MinDefocus > 0 && v < q.MinDefocus {
				return false
			}
			if q.MaxDefocus > 0 && v > q.MaxDefocus {
				return false
			}
		}
	}
	return true
}

func column(fields []string, cols map[string]int, label string) (float64, bool) {
	idx, ok := cols[label]
	if !ok || idx >= len(fields) {
		return 0, false
	}
	v, err := strconv.ParseFloat(fields[idx], 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
