package config

import "time"

// RetentionConfig controls data retention and cleanup behavior.
type RetentionConfig struct {
	// SessionRetentionDays is how many days a soft-deleted session is kept
	// before the cleanup loop purges its rows.
	SessionRetentionDays int `yaml:"session_retention_days"`

	// ActivityRetentionDays bounds the age of activity entries for sessions
	// that reached a terminal status. Live sessions keep their full log.
	ActivityRetentionDays int `yaml:"activity_retention_days"`

	// CleanupInterval is how often the cleanup loop runs.
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// DefaultRetentionConfig returns the built-in retention defaults.
func DefaultRetentionConfig() *RetentionConfig {
	return &RetentionConfig{
		SessionRetentionDays:  30,
		ActivityRetentionDays: 365,
		CleanupInterval:       12 * time.Hour,
	}
}
