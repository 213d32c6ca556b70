// Package config loads and validates the scopeflow configuration: the
// scopeflow.yaml file plus the environment variables that the deployment
// contract fixes (JWT_SECRET, CORS_ORIGIN, PORT, MPI_LAUNCHER).
package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// ScopeflowYAMLConfig represents the complete scopeflow.yaml file structure.
// Every section is optional; unset values fall back to built-in defaults.
type ScopeflowYAMLConfig struct {
	Scheduler *SchedulerConfig `yaml:"scheduler"`
	WebSocket *WebSocketConfig `yaml:"websocket"`
	Live      *LiveConfig      `yaml:"live"`
	Relion    *RelionConfig    `yaml:"relion"`
	Retention *RetentionConfig `yaml:"retention"`
}

// Initialize loads, validates, and returns ready-to-use configuration.
// This is the primary entry point for configuration loading.
//
// Steps performed:
//  1. Load scopeflow.yaml from configDir (missing file means all defaults)
//  2. Expand environment variables
//  3. Merge user values over built-in defaults
//  4. Resolve env-contract settings (JWT_SECRET, CORS_ORIGIN, PORT, MPI_LAUNCHER)
//  5. Validate all configuration
func Initialize(ctx context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	cfg, err := load(ctx, configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	log.Info("Configuration initialized successfully",
		"scheduler_poll_interval", cfg.Scheduler.PollInterval,
		"live_tick_interval", cfg.Live.TickInterval,
		"relion_version", cfg.Relion.Version,
		"port", cfg.Server.Port)

	return cfg, nil
}

// load is the internal loader (not exported)
func load(_ context.Context, configDir string) (*Config, error) {
	yamlCfg, err := loadScopeflowYAML(configDir)
	if err != nil {
		return nil, NewLoadError("scopeflow.yaml", err)
	}

	scheduler := DefaultSchedulerConfig()
	if yamlCfg.Scheduler != nil {
		if err := mergo.Merge(scheduler, yamlCfg.Scheduler, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge scheduler config: %w", err)
		}
	}

	websocket := DefaultWebSocketConfig()
	if yamlCfg.WebSocket != nil {
		if err := mergo.Merge(websocket, yamlCfg.WebSocket, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge websocket config: %w", err)
		}
	}

	live := DefaultLiveConfig()
	if yamlCfg.Live != nil {
		if err := mergo.Merge(live, yamlCfg.Live, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge live config: %w", err)
		}
	}

	relion := DefaultRelionConfig()
	if yamlCfg.Relion != nil {
		if err := mergo.Merge(relion, yamlCfg.Relion, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge relion config: %w", err)
		}
	}
	if launcher := os.Getenv("MPI_LAUNCHER"); launcher != "" {
		relion.MPILauncher = launcher
	}

	retention := DefaultRetentionConfig()
	if yamlCfg.Retention != nil {
		if err := mergo.Merge(retention, yamlCfg.Retention, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge retention config: %w", err)
		}
	}

	server := &ServerConfig{
		Port:       os.Getenv("PORT"),
		JWTSecret:  os.Getenv("JWT_SECRET"),
		CORSOrigin: os.Getenv("CORS_ORIGIN"),
	}
	if server.Port == "" {
		server.Port = "8001"
	}
	if server.CORSOrigin != "" {
		websocket.AllowedOrigins = appendUnique(websocket.AllowedOrigins, server.CORSOrigin)
	}

	return &Config{
		configDir: configDir,
		Scheduler: scheduler,
		WebSocket: websocket,
		Live:      live,
		Relion:    relion,
		Retention: retention,
		Server:    server,
	}, nil
}

// validate performs comprehensive validation on loaded configuration
func validate(cfg *Config) error {
	validator := NewValidator(cfg)
	return validator.ValidateAll()
}

// loadScopeflowYAML reads and parses scopeflow.yaml. A missing file is not
// an error; the deployment then runs on defaults plus environment.
func loadScopeflowYAML(configDir string) (*ScopeflowYAMLConfig, error) {
	var config ScopeflowYAMLConfig

	path := filepath.Join(configDir, "scopeflow.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Info("No scopeflow.yaml found, using defaults", "path", path)
			return &config, nil
		}
		return nil, err
	}

	// Expand environment variables using {{.VAR}} template syntax.
	// Note: ExpandEnv passes through original data on parse/execution errors,
	// allowing YAML parser to handle the content (or fail with clearer error message)
	data = ExpandEnv(data)

	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}

	return &config, nil
}

func appendUnique(list []string, v string) []string {
	for _, e := range list {
		if e == v {
			return list
		}
	}
	return append(list, v)
}
