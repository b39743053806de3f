// Package version exposes build metadata stamped at link time.
package version

import (
	"runtime/debug"
	"time"
)

var (
	// Version is the release version (set via -ldflags).
	Version = ""
	// Commit is the git commit hash (set via -ldflags).
	Commit = ""
	// BuildTime is the build timestamp (set via -ldflags).
	BuildTime = ""
)

type Info struct {
	Version   string
	Commit    string
	BuildTime string
}

// Resolve fills in whatever the linker did not: the commit from the
// embedded build info, the version from the build time or the clock.
func Resolve() Info {
	info := Info{Version: Version, Commit: Commit, BuildTime: BuildTime}

	if info.Commit == "" {
		if bi, ok := debug.ReadBuildInfo(); ok {
			for _, s := range bi.Settings {
				if s.Key == "vcs.revision" {
					info.Commit = s.Value
					break
				}
			}
		}
	}
	if info.Version == "" {
		if info.BuildTime != "" {
			info.Version = info.BuildTime
		} else {
			info.Version = time.Now().UTC().Format("20060102T150405Z")
		}
	}
	return info
}

func String() string {
	info := Resolve()
	if info.Commit == "" {
		return info.Version
	}
	return info.Version + " (" + shortCommit(info.Commit) + ")"
}

func shortCommit(commit string) string {
	if len(commit) <= 12 {
		return commit
	}
	return commit[:12]
}
