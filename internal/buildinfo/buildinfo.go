// Package buildinfo holds version and build metadata stamped at compile time via ldflags.
package buildinfo

import (
	"fmt"
	"runtime"
	"time"
)

// These variables are set at build time via -ldflags, e.g.
//
//	go build -ldflags "-X github.com/NotHydra/smart-med-guard/internal/buildinfo.Version=v1.2.0"
var (
	Version   = "dev"
	GitCommit = "unknown"
	GitBranch = "unknown"
	BuildTime = "unknown"
)

// startTime records when the process started. time.Since on it uses the
// monotonic clock reading, so uptime is immune to wall-clock steps made
// by NTP sync.
var startTime = time.Now()

// BuildInfo returns the static build metadata as a map.
func BuildInfo() map[string]string {
	return map[string]string{
		"version":    Version,
		"git_commit": GitCommit,
		"git_branch": GitBranch,
		"build_time": BuildTime,
		"go_version": runtime.Version(),
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
	}
}

// Info returns build metadata plus the current process uptime.
func Info() map[string]string {
	info := BuildInfo()
	info["uptime"] = Uptime().String()
	return info
}

// Uptime returns the duration since process start.
func Uptime() time.Duration {
	return time.Since(startTime).Truncate(time.Second)
}

// String returns a one-line summary for logging.
func String() string {
	return fmt.Sprintf("SmartMedGuard %s (%s@%s) built %s", Version, GitCommit, GitBranch, BuildTime)
}
