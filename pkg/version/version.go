// Package version carries pysight build metadata. The variables are stamped
// at build time via -ldflags and surface through `pysight version`.
package version

import (
	"runtime"
)

var (
	// Version is the pysight release version (set by build flags)
	Version = "dev"

	// GitCommit is the git commit hash the binary was built from (set by build flags)
	GitCommit = "unknown"

	// BuildDate is the build timestamp (set by build flags)
	BuildDate = "unknown"

	// GoVersion is the Go toolchain that built the binary
	GoVersion = runtime.Version()
)
