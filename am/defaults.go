package am

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.path", DefaultDatabasePath)

	v.SetDefault("remote.url", "")
	v.SetDefault("remote.timeout_seconds", DefaultTimeoutSeconds)
	v.SetDefault("remote.requests_per_minute", 0)
	v.SetDefault("remote.allow_private_networks", false)

	v.SetDefault("sync.project_id", "")
	v.SetDefault("sync.title", "")
	v.SetDefault("sync.interval_seconds", DefaultIntervalSeconds)
	v.SetDefault("sync.filter", []string{})

	v.SetDefault("server.port", DefaultServerPort)
	v.SetDefault("server.allowed_origins", []string{
		"http://localhost",
		"http://127.0.0.1",
	})

	v.SetDefault("log.json", false)
	v.SetDefault("log.verbosity", 0)
}

// BindSensitiveEnvVars explicitly binds keys without a default so env
// overrides reach Unmarshal.
func BindSensitiveEnvVars(v *viper.Viper) {
	v.BindEnv("remote.token", "REVSYNC_REMOTE_TOKEN", "REVSYNC_TOKEN")
	v.BindEnv("database.path", "REVSYNC_DATABASE_PATH")
}

// GetDatabasePath returns the configured database path
func (c *Config) GetDatabasePath() string {
	if c.Database.Path == "" {
		return DefaultDatabasePath
	}
	return c.Database.Path
}

// RemoteTimeout returns the per-request timeout.
func (c *Config) RemoteTimeout() time.Duration {
	if c.Remote.TimeoutSeconds <= 0 {
		return DefaultTimeoutSeconds * time.Second
	}
	return time.Duration(c.Remote.TimeoutSeconds) * time.Second
}

// SyncInterval returns the period of `sync --watch`.
func (c *Config) SyncInterval() time.Duration {
	if c.Sync.IntervalSeconds <= 0 {
		return DefaultIntervalSeconds * time.Second
	}
	return time.Duration(c.Sync.IntervalSeconds) * time.Second
}

// String returns a string representation of the config. The token is never
// included.
func (c *Config) String() string {
	return fmt.Sprintf("Config{Database: %s, Remote: %s, Project: %s, Interval: %ds}",
		c.Database.Path, c.Remote.URL, c.Sync.ProjectID, c.Sync.IntervalSeconds)
}
