// Package slurm talks to the SLURM command-line tools: job submission via
// sbatch, state observation via squeue and sacct, cancellation via scancel.
// All invocations are argv-based; no shell is ever involved.
package slurm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"time"
)

// Runner executes one scheduler CLI invocation. The production implementation
// shells out; tests substitute scripted fakes.
type Runner interface {
	Run(ctx context.Context, binary string, args ...string) (Result, error)
}

// Result captures one CLI invocation's outcome.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Executor runs scheduler binaries with a per-invocation timeout.
type Executor struct {
	timeout time.Duration
}

// NewExecutor creates an executor. Each Run is bounded by timeout regardless
// of the caller's context.
func NewExecutor(timeout time.Duration) *Executor {
	return &Executor{timeout: timeout}
}

// Run invokes binary with args and captures its output. A non-zero exit is
// not an error here; callers inspect Result.ExitCode. An error means the
// binary could not run at all or the timeout elapsed.
func (e *Executor) Run(ctx context.Context, binary string, args ...string) (Result, error) {
	runCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, binary, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		if runCtx.Err() != nil {
			return res, fmt.Errorf("%s timed out after %s: %w", binary, e.timeout, runCtx.Err())
		}
		return res, fmt.Errorf("failed to run %s: %w", binary, err)
	}
	return res, nil
}

// schedulerIDPattern matches plain job ids and array-task ids ("12345",
// "12345_7"). Anything else is rejected before it reaches a command line.
var schedulerIDPattern = regexp.MustCompile(`^\d+(_\d+)?$`)

// ValidJobID reports whether id is safe to pass to scheduler binaries.
func ValidJobID(id string) bool {
	return schedulerIDPattern.MatchString(id)
}
