// Package version provides version information for OpenClaw.
package version

// These variables are set at build time via ldflags.
var (
	// Version is the semantic version of OpenClaw.
	Version = "0.1.0"

	// Commit is the git commit hash.
	Commit = "unknown"

	// BuildDate is the build timestamp.
	BuildDate = "unknown"
)
