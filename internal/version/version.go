package version

import (
	"runtime/debug"
)

// Set at link time by release builds.
var (
	Version = "0.1.0"
	Commit  = ""
	Date    = ""
)

// Resolve returns the version, with a short commit suffix for builds that
// were not stamped by a release.
func Resolve() string {
	info, _ := debug.ReadBuildInfo()
	return resolveVersion(Version, Commit, info)
}

func resolveVersion(base, commit string, info *debug.BuildInfo) string {
	if base == "" {
		base = "0.0.0"
	}
	if commit != "" {
		return base
	}

	revision, modified := vcsState(info)
	if revision == "" {
		return base
	}
	if len(revision) > 7 {
		revision = revision[:7]
	}
	if modified {
		revision += "-dirty"
	}
	return base + "-" + revision
}

func vcsState(info *debug.BuildInfo) (string, bool) {
	if info == nil {
		return "", false
	}

	var revision string
	var modified bool
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			revision = s.Value
		case "vcs.modified":
			modified = s.Value == "true"
		}
	}
	return revision, modified
}
