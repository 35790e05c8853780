// Package version reports build information for the revsync binary.
package version

import (
	"fmt"
	"runtime"

	"github.com/teranos/revsync/sync"
)

// Build information, set at build time via ldflags:
//
//	-X github.com/teranos/revsync/version.Version=v0.3.0
var (
	CommitHash = "dev"
	BuildTime  = "unknown"
	Version    = "dev"
)

// Info contains version and build information
type Info struct {
	Version    string `json:"version"`
	APIVersion string `json:"api_version"`
	CommitHash string `json:"commit_hash"`
	BuildTime  string `json:"build_time"`
	GoVersion  string `json:"go_version"`
	Platform   string `json:"platform"`
}

// Get returns the current version information
func Get() Info {
	return Info{
		Version:    Version,
		APIVersion: sync.APIVersion,
		CommitHash: CommitHash,
		BuildTime:  BuildTime,
		GoVersion:  runtime.Version(),
		Platform:   fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
	}
}

// String returns a human-readable version string
func (i Info) String() string {
	return fmt.Sprintf("revsync %s (commit %s, built %s, api %s)", i.Version, i.Short(), i.BuildTime, i.APIVersion)
}

// Short returns the abbreviated commit hash.
func (i Info) Short() string {
	if len(i.CommitHash) >= 7 {
		return i.CommitHash[:7]
	}
	return i.CommitHash
}

// UserAgent is sent by the sync client on every request.
func UserAgent() string {
	return "revsync/" + Version + " (api " + sync.APIVersion + ")"
}
