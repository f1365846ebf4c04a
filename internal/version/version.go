// Package version carries build-time identifiers set via -ldflags.
package version

// Version and Commit are overridden at build time, e.g.:
//
//	go build -ldflags "-X github.com/acmcyber/instancer/internal/version.Version=1.2.3"
var (
	Version = "dev"
	Commit  = "none"
)
