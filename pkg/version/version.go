package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

// Version is a semantic version of pctl.
type Version struct {
	Major, Minor, Patch string
	Metadata            string
	// Build is the VCS revision, read from the binary when empty.
	Build string
}

// PctlVersion is the current version of pctl.
var PctlVersion = Version{Major: "0", Minor: "3", Patch: "0"}

func (v Version) String() string {
	s := "Version: " + v.Major + "." + v.Minor + "." + v.Patch
	if v.Metadata != "" {
		s += "-" + v.Metadata
	}
	build := v.Build
	if build == "" {
		build = buildSetting("vcs.revision")
	}
	return s + "\nBuild: " + build
}

// BuildInfo returns the toolchain and main module versions.
func BuildInfo() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return runtime.Version()
	}
	return fmt.Sprintf("%s\n%s %s", runtime.Version(), info.Main.Path, info.Main.Version)
}

func buildSetting(key string) string {
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, s := range info.Settings {
			if s.Key == key {
				return s.Value
			}
		}
	}
	return "unknown"
}
