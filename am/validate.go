package am

import (
	"net/url"

	"github.com/BurntSushi/toml"

	"github.com/teranos/revsync/errors"
)

// Validate checks that the configuration is valid. An empty remote.url is
// allowed: commands that need a remote check for it themselves.
func (c *Config) Validate() error {
	if c.Remote.URL != "" {
		u, err := url.Parse(c.Remote.URL)
		if err != nil {
			return errors.Wrapf(err, "remote.url %q is not a URL", c.Remote.URL)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return errors.Newf("remote.url must use http or https, got %q", u.Scheme)
		}
		if u.Host == "" {
			return errors.Newf("remote.url %q has no host", c.Remote.URL)
		}
	}

	// 0 falls back to the default timeout; negative is invalid
	if c.Remote.TimeoutSeconds < 0 {
		return errors.Newf("remote.timeout_seconds must be >= 0, got %d", c.Remote.TimeoutSeconds)
	}
	if c.Remote.RequestsPerMinute < 0 {
		return errors.Newf("remote.requests_per_minute must be >= 0, got %d", c.Remote.RequestsPerMinute)
	}
	if c.Sync.IntervalSeconds < 0 {
		return errors.Newf("sync.interval_seconds must be >= 0, got %d", c.Sync.IntervalSeconds)
	}
	for i, id := range c.Sync.Filter {
		if id == "" {
			return errors.Newf("sync.filter[%d] is empty", i)
		}
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return errors.Newf("server.port must be in 1..65535, got %d", c.Server.Port)
	}
	if c.Log.Verbosity < 0 {
		return errors.Newf("log.verbosity must be >= 0, got %d", c.Log.Verbosity)
	}
	return nil
}

// RequireRemote reports a hinted error when no remote or project is configured.
func (c *Config) RequireRemote() error {
	if c.Remote.URL == "" {
		return errors.WithHint(errors.New("no remote configured"),
			"set remote.url in am.toml or REVSYNC_REMOTE_URL")
	}
	if c.Sync.ProjectID == "" {
		return errors.WithHint(errors.New("no project configured"),
			"set sync.project_id in am.toml or run `revsync am init`")
	}
	return nil
}

// UnknownKeys returns the keys in the TOML file at path that no Config field
// consumes, typically typos like `intreval_seconds`.
func UnknownKeys(path string) ([]string, error) {
	var cfg Config
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, errors.Wrapf(err, "parse %s", path)
	}
	var keys []string
	for _, k := range md.Undecoded() {
		keys = append(keys, k.String())
	}
	return keys, nil
}
