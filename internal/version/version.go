// Package version reports the cub release and the commit it was built from.
package version

import (
	_ "embed"
	"runtime/debug"
	"strings"
)

//go:embed VERSION
var versionContent string

// Commit may be set at link time with
// -ldflags "-X github.com/lavallee/cub/internal/version.Commit=<sha>".
// When empty, the VCS revision stamped by the Go toolchain is used.
var Commit string

// Get returns the current version, with whitespace trimmed
func Get() string {
	return strings.TrimSpace(versionContent)
}

// Revision returns the short commit the binary was built from, or "" when
// unknown. A "-dirty" suffix marks builds from a modified tree.
func Revision() string {
	if Commit != "" {
		return shorten(Commit)
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	return fromSettings(info.Settings)
}

func fromSettings(settings []debug.BuildSetting) string {
	var rev string
	var dirty bool
	for _, s := range settings {
		switch s.Key {
		case "vcs.revision":
			rev = s.Value
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}
	if rev == "" {
		return ""
	}
	rev = shorten(rev)
	if dirty {
		rev += "-dirty"
	}
	return rev
}

func shorten(rev string) string {
	if len(rev) > 12 {
		return rev[:12]
	}
	return rev
}

// String is the one-line form printed by `cub version`.
func String() string {
	if rev := Revision(); rev != "" {
		return Get() + " (" + rev + ")"
	}
	return Get()
}
