package version

import (
	"fmt"
	"runtime"
)

// Build information. Populated at build-time via ldflags:
//
//	-X github.com/zgpcy/llm-cost-exporter/internal/version.Version=v1.2.0
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// BuildInfo describes the running binary
type BuildInfo struct {
	Version   string
	GitCommit string
	BuildDate string
	GoVersion string
}

// Get returns the build information of the running binary
func Get() BuildInfo {
	return BuildInfo{
		Version:   Version,
		GitCommit: GitCommit,
		BuildDate: BuildDate,
		GoVersion: runtime.Version(),
	}
}

// Labels returns the build information as metric labels
func (b BuildInfo) Labels() map[string]string {
	return map[string]string{
		"version":    b.Version,
		"git_commit": b.GitCommit,
		"build_date": b.BuildDate,
		"go_version": b.GoVersion,
	}
}

func (b BuildInfo) String() string {
	return fmt.Sprintf("llm-cost-exporter %s (commit %s, built %s, %s)",
		b.Version, b.GitCommit, b.BuildDate, b.GoVersion)
}
