// Package version provides build-time version information
package version

var (
	// Version is the semantic version (set via ldflags)
	Version = "v0.0.0-dev"

	// GitCommit is the git commit hash (set via ldflags)
	GitCommit = "unknown"

	// BuildTime is the build timestamp (set via ldflags)
	BuildTime = "unknown"
)

// Info returns a formatted version string for `hisho version`.
func Info() string {
	return "hisho " + Version + " (" + GitCommit + ") built at " + BuildTime
}

// UserAgent is sent on outbound HTTP requests to third-party APIs.
func UserAgent() string {
	return "hisho/" + Version
}
