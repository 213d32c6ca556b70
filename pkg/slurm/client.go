package slurm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/scopeflow/scopeflow/pkg/config"
)

// QueueEntry is one squeue row for an active job.
type QueueEntry struct {
	JobID    string
	State    string // raw squeue code, e.g. "R", "PD"
	Elapsed  string
	TimeLeft string
}

// AcctEntry is one sacct row for a finished (or at least known) job.
type AcctEntry struct {
	JobID    string
	State    string // raw sacct state, e.g. "COMPLETED", "TIMEOUT"
	ExitCode string
	Elapsed  string
}

// Client wraps the SLURM CLI tools.
type Client struct {
	cfg    *config.SchedulerConfig
	runner Runner
}

// NewClient creates a client using the configured binaries and a real
// executor bounded by the configured exec timeout.
func NewClient(cfg *config.SchedulerConfig) *Client {
	return &Client{cfg: cfg, runner: NewExecutor(cfg.ExecTimeout)}
}

// NewClientWithRunner substitutes the runner. Used by tests.
func NewClientWithRunner(cfg *config.SchedulerConfig, runner Runner) *Client {
	return &Client{cfg: cfg, runner: runner}
}

// Submit runs sbatch on the given script and returns the scheduler job id
// parsed from the "Submitted batch job <id>" acknowledgement line.
func (c *Client) Submit(ctx context.Context, scriptPath, workDir string) (string, error) {
	args := []string{}
	if workDir != "" {
		args = append(args, "--chdir", workDir)
	}
	args = append(args, scriptPath)

	res, err := c.runner.Run(ctx, c.cfg.SbatchBin, args...)
	if err != nil {
		return "", fmt.Errorf("sbatch: %w", err)
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("sbatch exited %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}

	id, err := parseSubmitOutput(res.Stdout)
	if err != nil {
		return "", err
	}
	slog.Info("Submitted batch job", "scheduler_id", id, "script", scriptPath)
	return id, nil
}

// parseSubmitOutput extracts the job id from sbatch's acknowledgement.
// sbatch may print informational lines first; the id line is searched for,
// not assumed to be first.
func parseSubmitOutput(out string) (string, error) {
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		rest, ok := strings.CutPrefix(line, "Submitted batch job ")
		if !ok {
			continue
		}
		id := strings.Fields(rest)[0]
		if !ValidJobID(id) {
			return "", fmt.Errorf("sbatch returned malformed job id %q", id)
		}
		return id, nil
	}
	return "", fmt.Errorf("sbatch output missing job id: %q", strings.TrimSpace(out))
}

// Queue returns the squeue rows for the given scheduler ids. Jobs absent
// from the result have left the queue. Ids failing validation are skipped.
func (c *Client) Queue(ctx context.Context, ids []string) (map[string]QueueEntry, error) {
	valid := filterValidIDs(ids)
	if len(valid) == 0 {
		return map[string]QueueEntry{}, nil
	}

	res, err := c.runner.Run(ctx, c.cfg.SqueueBin,
		"-j", strings.Join(valid, ","),
		"--format=%i|%t|%M|%L", "--noheader")
	if err != nil {
		return nil, fmt.Errorf("squeue: %w", err)
	}
	// squeue exits non-zero when every requested id is already gone.
	// That is a valid observation, not a failure.
	if res.ExitCode != 0 && strings.TrimSpace(res.Stdout) == "" {
		return map[string]QueueEntry{}, nil
	}

	return parseQueueOutput(res.Stdout), nil
}

func parseQueueOutput(out string) map[string]QueueEntry {
	entries := make(map[string]QueueEntry)
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.Split(line, "|")
		if len(parts) < 4 {
			slog.Warn("Skipping malformed squeue line", "line", line)
			continue
		}
		id := strings.TrimSpace(parts[0])
		entries[id] = QueueEntry{
			JobID:    id,
			State:    strings.TrimSpace(parts[1]),
			Elapsed:  strings.TrimSpace(parts[2]),
			TimeLeft: strings.TrimSpace(parts[3]),
		}
	}
	return entries
}

// Accounting returns sacct rows for the given scheduler ids. sacct reports
// job steps as "<id>.batch" etc; only the parent job rows are returned.
func (c *Client) Accounting(ctx context.Context, ids []string) (map[string]AcctEntry, error) {
	valid := filterValidIDs(ids)
	if len(valid) == 0 {
		return map[string]AcctEntry{}, nil
	}

	res, err := c.runner.Run(ctx, c.cfg.SacctBin,
		"-j", strings.Join(valid, ","),
		"--format=JobID,State,ExitCode,Elapsed",
		"--noheader", "--parsable2")
	if err != nil {
		return nil, fmt.Errorf("sacct: %w", err)
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("sacct exited %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}

	return parseAccountingOutput(res.Stdout), nil
}

func parseAccountingOutput(out string) map[string]AcctEntry {
	entries := make(map[string]AcctEntry)
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.Split(line, "|")
		if len(parts) < 4 {
			slog.Warn("Skipping malformed sacct line", "line", line)
			continue
		}
		id := strings.TrimSpace(parts[0])
		// Step rows like "12345.batch" shadow nothing; skip them.
		if strings.Contains(id, ".") {
			continue
		}
		// "CANCELLED by 1234" → "CANCELLED"
		state := strings.Fields(strings.TrimSpace(parts[1]))[0]
		entries[id] = AcctEntry{
			JobID:    id,
			State:    state,
			ExitCode: strings.TrimSpace(parts[2]),
			Elapsed:  strings.TrimSpace(parts[3]),
		}
	}
	return entries
}

// Cancel runs scancel for one job. Cancelling an already-finished job is not
// an error.
func (c *Client) Cancel(ctx context.Context, id string) error {
	if !ValidJobID(id) {
		return fmt.Errorf("refusing to cancel malformed scheduler id %q", id)
	}
	res, err := c.runner.Run(ctx, c.cfg.ScancelBin, id)
	if err != nil {
		return fmt.Errorf("scancel: %w", err)
	}
	if res.ExitCode != 0 {
		slog.Warn("scancel exited non-zero", "scheduler_id", id,
			"exit_code", res.ExitCode, "stderr", strings.TrimSpace(res.Stderr))
	}
	return nil
}

func filterValidIDs(ids []string) []string {
	valid := make([]string, 0, len(ids))
	for _, id := range ids {
		if ValidJobID(id) {
			valid = append(valid, id)
		} else {
			slog.Warn("Skipping malformed scheduler id", "scheduler_id", id)
		}
	}
	return valid
}
