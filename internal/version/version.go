// Package version holds build metadata set with -ldflags -X.
package version

import (
	"fmt"
	"runtime"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// GoVersion returns the Go runtime version string.
func GoVersion() string { return runtime.Version() }

// UserAgent identifies the dispatcher in requests to inference providers.
func UserAgent() string { return "go-task-offload/" + Version }

// String is a one-line build summary.
func String() string {
	return fmt.Sprintf("%s (commit %s, built %s, %s)", Version, GitCommit, BuildTime, GoVersion())
}
