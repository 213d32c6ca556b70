package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "scopeflow.yaml"), []byte(content), 0o644))
	return dir
}

func TestInitializeDefaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")
	t.Setenv("PORT", "")
	t.Setenv("CORS_ORIGIN", "")
	t.Setenv("MPI_LAUNCHER", "")

	cfg, err := Initialize(context.Background(), t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "8001", cfg.Server.Port)
	assert.Equal(t, 5*time.Second, cfg.Scheduler.PollInterval)
	assert.Equal(t, 60, cfg.Scheduler.MaxMissedPolls)
	assert.Equal(t, 200, cfg.WebSocket.MaxConnections)
	assert.Equal(t, 30*time.Second, cfg.WebSocket.HeartbeatInterval)
	assert.Equal(t, 5*time.Second, cfg.Live.SettleInterval)
	assert.Equal(t, "srun", cfg.Relion.MPILauncher)
}

func TestInitializeRequiresJWTSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "")

	_, err := Initialize(context.Background(), t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JWT_SECRET")
}

func TestInitializeYAMLOverrides(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")
	t.Setenv("MPI_LAUNCHER", "")

	dir := writeConfig(t, `
scheduler:
  partition: cryoem
  poll_interval: 2s
  max_missed_polls: 10
websocket:
  max_connections: 50
live:
  tick_interval: 3s
relion:
  bin_dir: /opt/relion/bin
  version: 4.0.1
  mpi_launcher: mpirun
`)

	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)

	assert.Equal(t, "cryoem", cfg.Scheduler.Partition)
	assert.Equal(t, 2*time.Second, cfg.Scheduler.PollInterval)
	assert.Equal(t, 10, cfg.Scheduler.MaxMissedPolls)
	assert.Equal(t, 50, cfg.WebSocket.MaxConnections)
	assert.Equal(t, 3*time.Second, cfg.Live.TickInterval)
	assert.Equal(t, "/opt/relion/bin", cfg.Relion.BinDir)
	assert.Equal(t, "mpirun", cfg.Relion.MPILauncher)

	// Unset sections keep their defaults.
	assert.Equal(t, 10*time.Second, cfg.Scheduler.ExecTimeout)
	assert.Equal(t, "sbatch", cfg.Scheduler.SbatchBin)
}

func TestInitializeEnvContract(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")
	t.Setenv("PORT", "9090")
	t.Setenv("CORS_ORIGIN", "https://dashboard.example.org")
	t.Setenv("MPI_LAUNCHER", "mpirun")

	cfg, err := Initialize(context.Background(), t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, "https://dashboard.example.org", cfg.Server.CORSOrigin)
	assert.Contains(t, cfg.WebSocket.AllowedOrigins, "https://dashboard.example.org")
	assert.Equal(t, "mpirun", cfg.Relion.MPILauncher)
}

func TestInitializeEnvExpansionInYAML(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")
	t.Setenv("MPI_LAUNCHER", "")
	t.Setenv("RELION_BIN_DIR", "/sw/relion-5.0/bin")

	dir := writeConfig(t, `
relion:
  bin_dir: "{{.RELION_BIN_DIR}}"
`)

	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, "/sw/relion-5.0/bin", cfg.Relion.BinDir)
}

func TestInitializeRejectsBadValues(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")
	t.Setenv("MPI_LAUNCHER", "")

	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"bad mpi launcher", "relion:\n  mpi_launcher: qsub\n", "mpi_launcher"},
		{"bad relion version", "relion:\n  version: not-a-version\n", "version"},
		{"zero max connections", "websocket:\n  max_connections: -1\n", "max_connections"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := writeConfig(t, tt.yaml)
			_, err := Initialize(context.Background(), dir)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
