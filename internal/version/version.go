// Package version reports the weave release version.
package version

import (
	_ "embed"
	"strings"

	"golang.org/x/mod/semver"
)

//go:embed VERSION
var versionContent string

// Get returns the current version, with whitespace trimmed. It is "dev"
// when the embedded file is empty.
func Get() string {
	v := strings.TrimSpace(versionContent)
	if v == "" {
		return "dev"
	}
	return v
}

// Valid reports whether Get is a semantic version.
func Valid() bool {
	return semver.IsValid("v" + strings.TrimPrefix(Get(), "v"))
}
