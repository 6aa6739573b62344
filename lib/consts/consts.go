// Package consts houses build information shared by the devtools commands.
package consts

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

// Version contains the current semantic version of devtools.
const Version = "0.1.0"

// FullVersion returns the version with the VCS revision and the runtime it
// was built with.
func FullVersion() string {
	goVersionArch := fmt.Sprintf("%s, %s/%s", runtime.Version(), runtime.GOOS, runtime.GOARCH)
	if revision := vcsRevision(); revision != "" {
		return fmt.Sprintf("%s (commit/%s, %s)", Version, revision, goVersionArch)
	}
	return fmt.Sprintf("%s (dev build, %s)", Version, goVersionArch)
}

// VersionDetails returns the build information as a map, for JSON output.
func VersionDetails() map[string]string {
	details := map[string]string{
		"version": "v" + Version,
		"go":      runtime.Version(),
		"os":      runtime.GOOS,
		"arch":    runtime.GOARCH,
	}
	if revision := vcsRevision(); revision != "" {
		details["commit"] = revision
	}
	return details
}

func vcsRevision() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, s := range info.Settings {
		if s.Key == "vcs.revision" && len(s.Value) >= 10 {
			return s.Value[:10]
		}
	}
	return ""
}

// Banner returns the ASCII-art banner printed by the help and serve
// commands.
func Banner() string {
	return `     _            _              _
  __| | _____   _| |_ ___   ___ | |___
 / _' |/ _ \ \ / / __/ _ \ / _ \| / __|
| (_| |  __/\ V /| || (_) | (_) | \__ \
 \__,_|\___| \_/  \__\___/ \___/|_|___/`
}
