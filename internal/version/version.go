// Package version reports the fleet build version.
package version

import (
	_ "embed"
	"runtime"
	"strings"
)

//go:embed VERSION
var versionContent string

// Commit is the source revision, set at build time with
// -ldflags "-X github.com/ShayCichocki/fleet/internal/version.Commit=...".
var Commit = ""

// Get returns the release version with whitespace trimmed.
func Get() string {
	return strings.TrimSpace(versionContent)
}

// Info returns the version line printed by `fleet version`.
func Info() string {
	v := Get()
	if Commit != "" {
		v += " (" + Commit + ")"
	}
	return v + " " + runtime.Version()
}
