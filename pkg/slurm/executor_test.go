package slurm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecutor_CapturesOutput(t *testing.T) {
	e := NewExecutor(5 * time.Second)
	res, err := e.Run(context.Background(), "sh", "-c", "echo out; echo err 1>&2")
	require.NoError(t, err)
	assert.Equal(t, "out\n", res.Stdout)
	assert.Equal(t, "err\n", res.Stderr)
	assert.Equal(t, 0, res.ExitCode)
}

func TestExecutor_NonZeroExitIsNotAnError(t *testing.T) {
	e := NewExecutor(5 * time.Second)
	res, err := e.Run(context.Background(), "sh", "-c", "exit 3")
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
}

func TestExecutor_MissingBinary(t *testing.T) {
	e := NewExecutor(5 * time.Second)
	_, err := e.Run(context.Background(), "definitely-not-a-binary-xyz")
	require.Error(t, err)
}

func TestExecutor_Timeout(t *testing.T) {
	e := NewExecutor(100 * time.Millisecond)
	_, err := e.Run(context.Background(), "sleep", "5")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
}
