// Package version reports the build version of the lockgov binary.
package version

import (
	"runtime"
	"runtime/debug"
	"strings"
	"time"
)

const defaultModule = "pkt.systems/lockgov"

// buildVersion is set via -ldflags "-X pkt.systems/lockgov/internal/version.buildVersion=...".
var buildVersion = ""

// Info summarises the running build.
type Info struct {
	Module    string `json:"module"`
	Version   string `json:"version"`
	GoVersion string `json:"go_version"`
	Revision  string `json:"revision,omitempty"`
	Modified  bool   `json:"modified,omitempty"`
}

// Current returns the best available version string.
func Current() string {
	return currentFrom(buildVersion, readBuildInfo())
}

// Module returns the module path from build info when available.
func Module() string {
	if info := readBuildInfo(); info != nil {
		if path := strings.TrimSpace(info.Main.Path); path != "" {
			return path
		}
	}
	return defaultModule
}

// Get returns the module, version and VCS details of the running binary.
func Get() Info {
	info := readBuildInfo()
	out := Info{
		Module:    Module(),
		Version:   currentFrom(buildVersion, info),
		GoVersion: runtime.Version(),
	}
	if vcs := vcsFromBuildInfo(info); vcs.revision != "" {
		out.Revision = vcs.revision
		out.Modified = vcs.modified
	}
	return out
}

func (i Info) String() string {
	return i.Module + " " + i.Version
}

func readBuildInfo() *debug.BuildInfo {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return nil
	}
	return info
}

func currentFrom(injected string, info *debug.BuildInfo) string {
	if v := strings.TrimSpace(injected); v != "" {
		return v
	}
	if info != nil {
		if v := strings.TrimSpace(info.Main.Version); v != "" && v != "(devel)" {
			return v
		}
		if v := pseudoFromBuildInfo(info); v != "" {
			return v
		}
	}
	return "v0.0.0-unknown"
}

type vcsInfo struct {
	revision string
	time     string
	modified bool
}

func vcsFromBuildInfo(info *debug.BuildInfo) vcsInfo {
	var vcs vcsInfo
	if info == nil {
		return vcs
	}
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			vcs.revision = setting.Value
		case "vcs.time":
			vcs.time = setting.Value
		case "vcs.modified":
			vcs.modified = setting.Value == "true"
		}
	}
	return vcs
}

// pseudoFromBuildInfo renders a Go pseudo-version from VCS stamps.
func pseudoFromBuildInfo(info *debug.BuildInfo) string {
	vcs := vcsFromBuildInfo(info)
	if vcs.revision == "" || vcs.time == "" {
		return ""
	}
	parsed, err := time.Parse(time.RFC3339, vcs.time)
	if err != nil {
		return ""
	}
	rev := vcs.revision
	if len(rev) > 12 {
		rev = rev[:12]
	}
	ver := "v0.0.0-" + parsed.UTC().Format("20060102150405") + "-" + rev
	if vcs.modified {
		ver += "+dirty"
	}
	return ver
}
