// Package results reads the artifacts pipeline stages leave behind: STAR
// table row counts for cumulative statistics and run.out iteration lines
// for in-flight progress. The core never interprets these files beyond
// counting; scientific content stays opaque.
package results

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// CountDataRows counts the data rows of one loop_ table in a STAR file.
// block selects the data block ("data_movies", "data_particles", ...); an
// empty block counts the first loop_ table encountered. A missing file
// counts as zero rows: stages write their outputs late in a run.
func CountDataRows(path, block string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to open star file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	const (
		seekBlock = iota
		seekLoop
		skipHeaders
		countRows
	)
	state := seekBlock
	if block == "" {
		state = seekLoop
	}

	var rows int64
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch state {
		case seekBlock:
			if line == block {
				state = seekLoop
			}
		case seekLoop:
			if line == "loop_" {
				state = skipHeaders
			} else if block != "" && strings.HasPrefix(line, "data_") && line != block {
				// Ran into the next block without finding a loop.
				return 0, nil
			}
		case skipHeaders:
			if line == "" || strings.HasPrefix(line, "_") || strings.HasPrefix(line, "#") {
				continue
			}
			state = countRows
			rows++
		case countRows:
			if line == "" || strings.HasPrefix(line, "data_") {
				return rows, scanner.Err()
			}
			if strings.HasPrefix(line, "#") {
				continue
			}
			rows++
		}
	}
	return rows, scanner.Err()
}
