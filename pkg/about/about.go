// Copyright the chartmatrix contributors. Licensed under the Apache License 2.0;
// you may not use this file except in compliance with the Apache License 2.0.

// Package about holds build metadata injected at compile time.
package about

import "fmt"

// Fallback data used when version information is not provided via go ldflags.
var (
	version   = "0.0.0"                // semantic version X.Y.Z
	buildHash = "00000000"             // sha1 from git
	buildDate = "1970-01-01T00:00:00Z" // build date in ISO8601 format, output of $(date -u +'%Y-%m-%dT%H:%M:%SZ')
)

// BuildInfo contains build metadata information.
type BuildInfo struct {
	Version string `json:"version"`
	Hash    string `json:"hash"`
	Date    string `json:"date"`
}

// GetBuildInfo returns the build information set during compilation.
func GetBuildInfo() BuildInfo {
	return BuildInfo{
		Version: version,
		Hash:    buildHash,
		Date:    buildDate,
	}
}

// VersionString returns the version for the --version flag.
func (i BuildInfo) VersionString() string {
	return fmt.Sprintf("%s-%s (%s)", i.Version, i.Hash, i.Date)
}
