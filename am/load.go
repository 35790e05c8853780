package am

import (
	"os"
	"path/filepath"
	"strings"
	gosync "sync"

	"github.com/spf13/viper"

	"github.com/teranos/revsync/errors"
)

// ConfigFileName is the name searched for in every config location.
const ConfigFileName = "am.toml"

var (
	loadMu        gosync.Mutex
	globalConfig  *Config
	viperInstance *viper.Viper
)

// Load reads the merged revsync configuration. The result is cached until Reset.
func Load() (*Config, error) {
	loadMu.Lock()
	defer loadMu.Unlock()

	if globalConfig != nil {
		return globalConfig, nil
	}
	cfg, err := LoadWithViper(initViperLocked())
	if err != nil {
		return nil, err
	}
	globalConfig = cfg
	return globalConfig, nil
}

// GetViper returns the Viper instance for advanced configuration access
func GetViper() *viper.Viper {
	loadMu.Lock()
	defer loadMu.Unlock()
	return initViperLocked()
}

// LoadWithViper loads configuration using a provided Viper instance
func LoadWithViper(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	return &config, nil
}

// LoadFromFile loads defaults overlaid with a single file. Environment
// variables are not consulted.
func LoadFromFile(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("toml")
	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "failed to read config file %s", configPath)
	}
	cfg, err := LoadWithViper(v)
	if err != nil {
		return nil, errors.Wrapf(err, "load %s", configPath)
	}
	return cfg, nil
}

// Reset clears the cached configuration so the next Load re-reads every source.
func Reset() {
	loadMu.Lock()
	defer loadMu.Unlock()
	globalConfig = nil
	viperInstance = nil
	ConfigSources = map[string]SourceInfo{}
}

// initViperLocked builds the merged Viper instance. Caller must hold loadMu.
func initViperLocked() *viper.Viper {
	if viperInstance != nil {
		return viperInstance
	}

	v := viper.New()
	v.SetEnvPrefix("REVSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	BindSensitiveEnvVars(v)
	SetDefaults(v)

	ConfigSources = map[string]SourceInfo{}
	for _, candidate := range configCandidates() {
		mergeConfigFile(v, candidate)
	}

	viperInstance = v
	return v
}

type configCandidate struct {
	path   string
	source ConfigSource
}

// configCandidates lists the config files in ascending precedence.
func configCandidates() []configCandidate {
	out := []configCandidate{{path: filepath.Join("/etc/revsync", ConfigFileName), source: SourceSystem}}
	if dir := UserConfigDir(); dir != "" {
		out = append(out, configCandidate{path: filepath.Join(dir, ConfigFileName), source: SourceUser})
	}
	if project := findProjectConfig(); project != "" {
		out = append(out, configCandidate{path: project, source: SourceProject})
	}
	return out
}

// mergeConfigFile overlays one file onto v and records where each key came from.
func mergeConfigFile(v *viper.Viper, c configCandidate) {
	if _, err := os.Stat(c.path); err != nil {
		return
	}
	tmp := viper.New()
	tmp.SetConfigFile(c.path)
	tmp.SetConfigType("toml")
	if err := tmp.ReadInConfig(); err != nil {
		return
	}
	// file values must stay below REVSYNC_* overrides, so no v.Set here
	if err := v.MergeConfigMap(tmp.AllSettings()); err != nil {
		return
	}
	for _, key := range tmp.AllKeys() {
		ConfigSources[key] = SourceInfo{Source: c.source, Path: c.path}
	}
}

// UserConfigDir returns ~/.revsync, or "" when the home directory is unknown.
func UserConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".revsync")
}

// findProjectConfig walks up from the working directory to the first am.toml.
func findProjectConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		path := filepath.Join(dir, ConfigFileName)
		if _, err := os.Stat(path); err == nil {
			return path
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// ActiveConfigPath returns the highest-precedence config file that exists,
// or "" when revsync runs on defaults and environment only.
func ActiveConfigPath() string {
	candidates := configCandidates()
	for i := len(candidates) - 1; i >= 0; i-- {
		if _, err := os.Stat(candidates[i].path); err == nil {
			return candidates[i].path
		}
	}
	return ""
}

// Get returns a configuration value using dot notation
func Get(key string) interface{} {
	return GetViper().Get(key)
}

// IsSet reports whether key has a value from any source, defaults included.
func IsSet(key string) bool {
	return GetViper().IsSet(key)
}
