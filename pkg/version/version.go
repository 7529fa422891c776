// Package version reports build information set at link time
package version

import "fmt"

// Set with -ldflags "-X github.com/supporttools/pgzipbackup/pkg/version.Version=..."
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// VersionInfo describes a build
type VersionInfo struct {
	Version   string
	GitCommit string
	BuildTime string
}

// Get returns the build information of the running binary
func Get() VersionInfo {
	return VersionInfo{Version: Version, GitCommit: GitCommit, BuildTime: BuildTime}
}

func (v VersionInfo) String() string {
	return fmt.Sprintf("Version: %s\nGitCommit: %s\nBuildTime: %s",
		v.Version, v.GitCommit, v.BuildTime)
}
