// Package am loads, validates and persists revsync configuration.
//
// Sources merge in precedence order (lowest first): built-in defaults,
// /etc/revsync/am.toml, ~/.revsync/am.toml, the nearest am.toml found by
// walking up from the working directory, then REVSYNC_* environment variables.
package am

// Config represents the revsync configuration
type Config struct {
	Database DatabaseConfig `mapstructure:"database" toml:"database"`
	Remote   RemoteConfig   `mapstructure:"remote" toml:"remote"`
	Sync     SyncConfig     `mapstructure:"sync" toml:"sync"`
	Server   ServerConfig   `mapstructure:"server" toml:"server"`
	Log      LogConfig      `mapstructure:"log" toml:"log"`
}

// DatabaseConfig configures the local SQLite revision store
type DatabaseConfig struct {
	Path string `mapstructure:"path" toml:"path"`
}

// RemoteConfig configures the backend revisions are synchronized with
type RemoteConfig struct {
	URL               string `mapstructure:"url" toml:"url"`
	Token             string `mapstructure:"token" toml:"token,omitempty"` // prefer REVSYNC_REMOTE_TOKEN
	TimeoutSeconds    int    `mapstructure:"timeout_seconds" toml:"timeout_seconds"`
	RequestsPerMinute int    `mapstructure:"requests_per_minute" toml:"requests_per_minute"` // 0 = unpaced
	// AllowPrivateNetworks permits a backend on localhost or a LAN address.
	AllowPrivateNetworks bool `mapstructure:"allow_private_networks" toml:"allow_private_networks"`
}

// SyncConfig selects the project and how it is synchronized
type SyncConfig struct {
	ProjectID       string   `mapstructure:"project_id" toml:"project_id"`
	Title           string   `mapstructure:"title" toml:"title"`
	IntervalSeconds int      `mapstructure:"interval_seconds" toml:"interval_seconds"` // used by sync --watch
	Filter          []string `mapstructure:"filter" toml:"filter,omitempty"`           // empty = all revisions
}

// ServerConfig configures `revsync serve`
type ServerConfig struct {
	Port           int      `mapstructure:"port" toml:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins" toml:"allowed_origins,omitempty"` // websocket origins
}

// LogConfig configures logging when flags do not override it
type LogConfig struct {
	JSON      bool `mapstructure:"json" toml:"json"`
	Verbosity int  `mapstructure:"verbosity" toml:"verbosity"`
}

// Defaults
const (
	DefaultServerPort      = 8820
	DefaultDatabasePath    = "revsync.db"
	DefaultTimeoutSeconds  = 30
	DefaultIntervalSeconds = 60
)

// File system constants
const (
	DefaultDirPermissions  = 0755 // Standard directory permissions (rwxr-xr-x)
	DefaultFilePermissions = 0644 // Standard file permissions (rw-r--r--)
)
