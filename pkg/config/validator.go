package config

import (
	"fmt"

	"github.com/Masterminds/semver/v3"

	"github.com/scopeflow/scopeflow/pkg/models"
)

// versionBoundStages maps stage keys to the RELION version constraint they
// need. Stages absent from the map run on any version.
var versionBoundStages = map[models.StageKey]string{
	models.StageModelAngelo: ">= 4.0.0",
	models.StageDynamight:   ">= 5.0.0",
}

// Validator performs validation of the resolved configuration.
type Validator struct {
	cfg *Config
}

// NewValidator creates a validator for the given config.
func NewValidator(cfg *Config) *Validator {
	return &Validator{cfg: cfg}
}

// ValidateAll validates every configuration section. The first error is
// returned; startup aborts on any of them.
func (v *Validator) ValidateAll() error {
	if err := v.validateServer(); err != nil {
		return err
	}
	if err := v.validateScheduler(); err != nil {
		return err
	}
	if err := v.validateWebSocket(); err != nil {
		return err
	}
	if err := v.validateLive(); err != nil {
		return err
	}
	return v.validateRelion()
}

func (v *Validator) validateServer() error {
	if v.cfg.Server.JWTSecret == "" {
		return NewValidationError("server", "JWT_SECRET", ErrMissingRequiredField)
	}
	if v.cfg.Server.Port == "" {
		return NewValidationError("server", "PORT", ErrMissingRequiredField)
	}
	return nil
}

func (v *Validator) validateScheduler() error {
	s := v.cfg.Scheduler
	if s.SbatchBin == "" || s.SqueueBin == "" || s.SacctBin == "" || s.ScancelBin == "" {
		return NewValidationError("scheduler", "bins", ErrMissingRequiredField)
	}
	if s.PollInterval <= 0 {
		return NewValidationError("scheduler", "poll_interval", ErrInvalidValue)
	}
	if s.ExecTimeout <= 0 {
		return NewValidationError("scheduler", "exec_timeout", ErrInvalidValue)
	}
	if s.MaxMissedPolls <= 0 {
		return NewValidationError("scheduler", "max_missed_polls", ErrInvalidValue)
	}
	return nil
}

func (v *Validator) validateWebSocket() error {
	w := v.cfg.WebSocket
	if w.MaxConnections <= 0 {
		return NewValidationError("websocket", "max_connections", ErrInvalidValue)
	}
	if w.HeartbeatInterval <= 0 {
		return NewValidationError("websocket", "heartbeat_interval", ErrInvalidValue)
	}
	if w.WriteTimeout <= 0 {
		return NewValidationError("websocket", "write_timeout", ErrInvalidValue)
	}
	if w.RateLimitPerSecond <= 0 || w.RateBurst <= 0 {
		return NewValidationError("websocket", "rate_limit", ErrInvalidValue)
	}
	return nil
}

func (v *Validator) validateLive() error {
	l := v.cfg.Live
	if l.TickInterval <= 0 {
		return NewValidationError("live", "tick_interval", ErrInvalidValue)
	}
	if l.SettleInterval <= 0 {
		return NewValidationError("live", "settle_interval", ErrInvalidValue)
	}
	if l.ScanTimeout <= 0 {
		return NewValidationError("live", "scan_timeout", ErrInvalidValue)
	}
	return nil
}

func (v *Validator) validateRelion() error {
	r := v.cfg.Relion
	if _, err := semver.NewVersion(r.Version); err != nil {
		return NewValidationError("relion", "version",
			fmt.Errorf("%w: %q is not a semantic version", ErrInvalidValue, r.Version))
	}
	switch r.MPILauncher {
	case "srun", "mpirun":
	default:
		return NewValidationError("relion", "mpi_launcher",
			fmt.Errorf("%w: must be srun or mpirun, got %q", ErrInvalidValue, r.MPILauncher))
	}
	return nil
}

// StageSupported reports whether the installed RELION version satisfies the
// stage's constraint. Stages without a constraint are always supported.
// Session creation rejects pipelines that enable an unsupported stage.
func (c *Config) StageSupported(stage models.StageKey) (bool, error) {
	constraint, bound := versionBoundStages[stage]
	if !bound {
		return true, nil
	}
	ver, err := semver.NewVersion(c.Relion.Version)
	if err != nil {
		return false, fmt.Errorf("invalid relion version %q: %w", c.Relion.Version, err)
	}
	check, err := semver.NewConstraint(constraint)
	if err != nil {
		return false, fmt.Errorf("invalid constraint %q for stage %s: %w", constraint, stage, err)
	}
	return check.Check(ver), nil
}
