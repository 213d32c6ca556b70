// Package logscan extracts structured issues from the stdout/stderr files a
// failed compute job leaves behind, so the dashboard can show an operator
// something better than "exit code 1".
package logscan

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Category classifies one parsed issue.
type Category string

const (
	CategoryOOM              Category = "OOM"
	CategorySegFault         Category = "SegFault"
	CategoryCUDAError        Category = "CUDAError"
	CategoryMissingInput     Category = "MissingInput"
	CategoryPermissionDenied Category = "PermissionDenied"
	CategorySchedulerTimeout Category = "SchedulerTimeout"
	CategoryRelionAssertion  Category = "RelionAssertion"
	CategoryUnknown          Category = "Unknown"
)

// Severity grades an issue.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue is one recognized problem line.
type Issue struct {
	Category   Category `json:"category"`
	Severity   Severity `json:"severity"`
	Source     string   `json:"source"` // stdout or stderr
	LineNumber int      `json:"lineNumber"`
	Message    string   `json:"message"`
	Suggestion string   `json:"suggestion"`
}

// matcher pairs a category with the patterns that identify it. Order
// matters: the first match wins per line.
type matcher struct {
	category Category
	severity Severity
	patterns []*regexp.Regexp
}

var matchers = []matcher{
	{CategoryCUDAError, SeverityError, compileAll(
		`(?i)cuda[_ ]?error`,
		`(?i)cudaErrorMemoryAllocation`,
		`(?i)out of memory on device`,
		`(?i)no CUDA-capable device`,
	)},
	{CategoryOOM, SeverityError, compileAll(
		`(?i)out of memory`,
		`(?i)oom-?kill`,
		`(?i)cannot allocate memory`,
		`std::bad_alloc`,
	)},
	{CategorySegFault, SeverityError, compileAll(
		`(?i)segmentation fault`,
		`(?i)signal 11`,
		`SIGSEGV`,
	)},
	{CategoryMissingInput, SeverityError, compileAll(
		`(?i)no such file or directory`,
		`(?i)cannot open file`,
		`(?i)does not exist`,
		`(?i)error reading .*\.star`,
	)},
	{CategoryPermissionDenied, SeverityError, compileAll(
		`(?i)permission denied`,
		`(?i)read-only file system`,
	)},
	{CategorySchedulerTimeout, SeverityError, compileAll(
		`(?i)DUE TO TIME LIMIT`,
		`(?i)CANCELLED AT .* DUE TO`,
		`(?i)slurmstepd: error`,
	)},
	{CategoryRelionAssertion, SeverityError, compileAll(
		`ERROR:`,
		`(?i)relion.*assert`,
		`in: .*\.cpp, line \d+`,
	)},
}

func compileAll(exprs ...string) []*regexp.Regexp {
	res := make([]*regexp.Regexp, len(exprs))
	for i, e := range exprs {
		res[i] = regexp.MustCompile(e)
	}
	return res
}

// tailBytes is how much of each log file is scanned, from the end.
const tailBytes = 64 * 1024

// maxIssues bounds the number of issues returned per job.
const maxIssues = 20

// ScanJobLogs reads the conventional run.out / run.err files under the
// job's output directory and returns the issues found. Missing files are
// not an error; a job may fail before writing anything.
func ScanJobLogs(outputDir string) []Issue {
	var issues []Issue
	issues = append(issues, scanFile(filepath.Join(outputDir, "run.err"), "stderr")...)
	issues = append(issues, scanFile(filepath.Join(outputDir, "run.out"), "stdout")...)
	if len(issues) > maxIssues {
		issues = issues[:maxIssues]
	}
	return issues
}

// scanFile scans the tail of one log file.
func scanFile(path, source string) []Issue {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	// Seek to the last tailBytes; line numbers are then relative to the
	// scanned window, counted from the first complete line.
	var offset int64
	if info, err := f.Stat(); err == nil && info.Size() > tailBytes {
		offset = info.Size() - tailBytes
	}
	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			return nil
		}
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var issues []Issue
	lineNo := 0
	skippedPartial := offset > 0
	for scanner.Scan() {
		line := scanner.Text()
		if skippedPartial {
			// The first line after a mid-file seek is almost always partial.
			skippedPartial = false
			continue
		}
		lineNo++
		issue, ok := classifyLine(line)
		if !ok {
			continue
		}
		issue.Source = source
		issue.LineNumber = lineNo
		issues = append(issues, issue)
		if len(issues) >= maxIssues {
			break
		}
	}
	return issues
}

// classifyLine matches one line against the category patterns.
func classifyLine(line string) (Issue, bool) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return Issue{}, false
	}
	for _, m := range matchers {
		for _, re := range m.patterns {
			if re.MatchString(trimmed) {
				return Issue{
					Category:   m.category,
					Severity:   m.severity,
					Message:    trimmed,
					Suggestion: SuggestionFor(m.category),
				}, true
			}
		}
	}
	return Issue{}, false
}

// Summarize produces the one-line summary appended to a failed job's error
// message: the top issue's category and verbatim line. When nothing was
// recognized, an Unknown summary is returned.
func Summarize(issues []Issue) string {
	if len(issues) == 0 {
		return fmt.Sprintf("%s: no recognizable error in job logs", CategoryUnknown)
	}
	top := pickTop(issues)
	return fmt.Sprintf("%s: %s", top.Category, top.Message)
}

// pickTop prefers error-severity issues from stderr, then errors anywhere,
// then the first issue.
func pickTop(issues []Issue) Issue {
	for _, i := range issues {
		if i.Severity == SeverityError && i.Source == "stderr" {
			return i
		}
	}
	for _, i := range issues {
		if i.Severity == SeverityError {
			return i
		}
	}
	return issues[0]
}
