package config

import "time"

// SchedulerConfig controls how the SLURM client binaries are invoked and how
// the monitor polls them.
type SchedulerConfig struct {
	// SbatchBin, SqueueBin, SacctBin and ScancelBin are the scheduler client
	// binaries. Bare names are resolved through PATH.
	SbatchBin  string `yaml:"sbatch_bin"`
	SqueueBin  string `yaml:"squeue_bin"`
	SacctBin   string `yaml:"sacct_bin"`
	ScancelBin string `yaml:"scancel_bin"`

	// Partition is the default sbatch partition when a session's resource
	// hints don't name one. Empty means the cluster default.
	Partition string `yaml:"partition"`

	// PollInterval is how often the monitor queries the scheduler for the
	// active job set.
	PollInterval time.Duration `yaml:"poll_interval"`

	// ExecTimeout bounds every scheduler client invocation.
	ExecTimeout time.Duration `yaml:"exec_timeout"`

	// MaxMissedPolls is how many consecutive ticks a scheduler id may go
	// unreported before the job is declared a ghost.
	MaxMissedPolls int `yaml:"max_missed_polls"`
}

// WebSocketConfig controls the hub's connection policy.
type WebSocketConfig struct {
	// AllowedOrigins are origin prefixes accepted at upgrade time. The
	// CORS_ORIGIN env value is always included.
	AllowedOrigins []string `yaml:"allowed_origins"`

	// MaxConnections caps concurrent clients; excess connections are closed
	// with code 4013.
	MaxConnections int `yaml:"max_connections"`

	// HeartbeatInterval is the server ping cadence. Clients missing two
	// consecutive pongs are terminated.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// WriteTimeout bounds each outbound frame write.
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// RateLimitPerSecond and RateBurst bound inbound messages per connection.
	RateLimitPerSecond float64 `yaml:"rate_limit_per_second"`
	RateBurst          int     `yaml:"rate_burst"`
}

// LiveConfig controls the orchestrator pass loop and the file watcher.
type LiveConfig struct {
	// TickInterval is the default pass cadence; sessions may override it.
	TickInterval time.Duration `yaml:"tick_interval"`

	// SettleInterval is the gap between the two polls that must observe
	// identical size and mtime before a file counts as settled.
	SettleInterval time.Duration `yaml:"settle_interval"`

	// ScanTimeout bounds each directory scan and marker check.
	ScanTimeout time.Duration `yaml:"scan_timeout"`

	// SnapshotActivityLimit is how many recent activity entries a session
	// snapshot includes.
	SnapshotActivityLimit int `yaml:"snapshot_activity_limit"`
}

// RelionConfig locates and constrains the compute binaries the stage
// builders submit.
type RelionConfig struct {
	// BinDir is prepended to every relion binary name. Empty means PATH.
	BinDir string `yaml:"bin_dir"`

	// Version is the installed RELION version, as reported by the site
	// admin. Version-bound stages are rejected at config time when the
	// installed version doesn't satisfy their constraint.
	Version string `yaml:"version"`

	// MPILauncher runs multi-process stages outside the queue: srun or
	// mpirun. The MPI_LAUNCHER env value overrides it.
	MPILauncher string `yaml:"mpi_launcher"`
}

// ServerConfig holds the HTTP/WebSocket listener settings resolved from
// the environment.
type ServerConfig struct {
	// Port is the HTTP/WebSocket listen port (PORT env, default 8001).
	Port string

	// JWTSecret signs and verifies client tokens (JWT_SECRET env, required).
	JWTSecret string

	// CORSOrigin is the allowed origin prefix (CORS_ORIGIN env).
	CORSOrigin string
}

// Config is the fully resolved application configuration.
type Config struct {
	configDir string

	Scheduler *SchedulerConfig
	WebSocket *WebSocketConfig
	Live      *LiveConfig
	Relion    *RelionConfig
	Retention *RetentionConfig
	Server    *ServerConfig
}

// ConfigDir returns the directory the configuration was loaded from.
func (c *Config) ConfigDir() string {
	return c.configDir
}

// DefaultSchedulerConfig returns the built-in scheduler defaults.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		SbatchBin:      "sbatch",
		SqueueBin:      "squeue",
		SacctBin:       "sacct",
		ScancelBin:     "scancel",
		PollInterval:   5 * time.Second,
		ExecTimeout:    10 * time.Second,
		MaxMissedPolls: 60,
	}
}

// DefaultWebSocketConfig returns the built-in hub defaults.
func DefaultWebSocketConfig() *WebSocketConfig {
	return &WebSocketConfig{
		MaxConnections:     200,
		HeartbeatInterval:  30 * time.Second,
		WriteTimeout:       10 * time.Second,
		RateLimitPerSecond: 20,
		RateBurst:          40,
	}
}

// DefaultLiveConfig returns the built-in orchestrator defaults.
func DefaultLiveConfig() *LiveConfig {
	return &LiveConfig{
		TickInterval:          10 * time.Second,
		SettleInterval:        5 * time.Second,
		ScanTimeout:           10 * time.Second,
		SnapshotActivityLimit: 50,
	}
}

// DefaultRelionConfig returns the built-in relion defaults.
func DefaultRelionConfig() *RelionConfig {
	return &RelionConfig{
		Version:     "5.0.0",
		MPILauncher: "srun",
	}
}
