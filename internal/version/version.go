// Package version holds build identification, overridden at link time via
// -ldflags "-X github.com/neurofield/spatialvb/internal/version.Version=...".
package version

import "fmt"

var (
	// Version is the current application version
	Version = "dev"
	// GitSHA is the git commit SHA
	GitSHA = "unknown"
	// BuildTime is the build timestamp
	BuildTime = "unknown"
)

// String returns a single-line build description.
func String() string {
	return fmt.Sprintf("spatialvb %s (%s, built %s)", Version, GitSHA, BuildTime)
}
