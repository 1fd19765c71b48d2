// Package version provides build version information.
package version

import "runtime"

// Version is the semantic version, overridable at build time via
// -ldflags "-X github.com/auxproto/aux-go/pkg/version.Version=...".
var Version = "0.3.0"

// Commit is the git commit hash, set at build time.
var Commit = "unknown"

// Full returns the full version string including commit.
func Full() string {
	return Version + " (" + Commit + ")"
}

// GoVersion returns the Go runtime version used for the build.
func GoVersion() string {
	return runtime.Version()
}
