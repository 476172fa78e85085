// Package version holds build metadata injected with -ldflags -X.
package version

import "runtime"

var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// Full returns version, commit, build date, and Go runtime.
func Full() string {
	return Version + " (" + Commit + ") " + Date + " " + runtime.Version()
}
