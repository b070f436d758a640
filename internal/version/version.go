// Package version exposes the build version, overridable via -ldflags at build time.
package version

// Version is set via -ldflags "-X github.com/vollawetscher/media-worker/internal/version.Version=..." in CI.
var Version = "dev"
