// Package version reports which build of chatcore is running.
package version

import (
	"runtime/debug"
	"sync"
)

// AppName prefixes user agents and MCP client identification.
const AppName = "chatcore"

// commit can be set with -ldflags "-X .../pkg/version.commit=<sha>" when the
// build has no VCS metadata.
var commit string

// GitCommit is the abbreviated commit of the build, "dev" when unknown.
var GitCommit = resolveCommit()

var modified = sync.OnceValue(func() bool {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return false
	}
	for _, s := range info.Settings {
		if s.Key == "vcs.modified" {
			return s.Value == "true"
		}
	}
	return false
})

func resolveCommit() string {
	rev := commit
	if rev == "" {
		if info, ok := debug.ReadBuildInfo(); ok {
			for _, s := range info.Settings {
				if s.Key == "vcs.revision" {
					rev = s.Value
				}
			}
		}
	}
	if rev == "" {
		return "dev"
	}
	return rev[:min(len(rev), 8)]
}

// Full is AppName and GitCommit joined by a slash, with "+dirty" appended
// for builds from a modified tree.
func Full() string {
	s := AppName + "/" + GitCommit
	if modified() {
		s += "+dirty"
	}
	return s
}
