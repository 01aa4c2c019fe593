// Package version holds build metadata injected with -ldflags, e.g.
//
//	-X github.com/gotrs-io/shopdesk/internal/version.Version=v1.2.0
package version

import (
	"fmt"
	"runtime"
	"strings"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

// Info is the build metadata reported by `shopdesk version`.
type Info struct {
	Version   string `json:"version" yaml:"version"`
	Commit    string `json:"commit" yaml:"commit"`
	BuildDate string `json:"build_date" yaml:"build_date"`
	GoVersion string `json:"go_version" yaml:"go_version"`
	Platform  string `json:"platform" yaml:"platform"`
}

// Get returns the current build info.
func Get() Info {
	return Info{
		Version:   Version,
		Commit:    Commit,
		BuildDate: BuildDate,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
}

// IsRelease reports whether the binary was built from a version tag.
func (i Info) IsRelease() bool {
	return strings.HasPrefix(i.Version, "v")
}

// String formats the info on one line.
func (i Info) String() string {
	commit := i.Commit
	if len(commit) > 7 {
		commit = commit[:7]
	}
	return fmt.Sprintf("shopdesk %s (%s) built %s with %s %s", i.Version, commit, i.BuildDate, i.GoVersion, i.Platform)
}
