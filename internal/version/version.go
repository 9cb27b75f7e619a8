package version

import (
	"runtime"
	"runtime/debug"
	"strings"
	"time"
)

const defaultModule = "pkt.systems/appwatch"

// buildVersion is set via -ldflags "-X pkt.systems/appwatch/internal/version.buildVersion=...".
var buildVersion = ""

// Info describes the running binary.
type Info struct {
	Version   string
	Module    string
	Revision  string
	GoVersion string
	Platform  string
}

// Current returns the best available version string, without a dirty suffix.
func Current() string {
	return resolve(readBuildInfo(), false)
}

// Describe collects version details for the version command and startup logs.
func Describe() Info {
	info := readBuildInfo()
	out := Info{
		Version:   resolve(info, true),
		Module:    defaultModule,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
	if info != nil {
		if path := strings.TrimSpace(info.Main.Path); path != "" {
			out.Module = path
		}
		out.Revision = setting(info, "vcs.revision")
	}
	return out
}

var readBuildInfo = func() *debug.BuildInfo {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return nil
	}
	return info
}

func resolve(info *debug.BuildInfo, keepDirty bool) string {
	if v := strings.TrimSpace(buildVersion); v != "" {
		return trimDirty(v, keepDirty)
	}
	if info != nil {
		if v := strings.TrimSpace(info.Main.Version); v != "" && v != "(devel)" {
			return trimDirty(v, keepDirty)
		}
		if v := pseudoVersion(info, keepDirty); v != "" {
			return v
		}
	}
	return "v0.0.0-unknown"
}

func trimDirty(v string, keep bool) string {
	if keep {
		return v
	}
	return strings.TrimSuffix(v, "+dirty")
}

func setting(info *debug.BuildInfo, key string) string {
	for _, s := range info.Settings {
		if s.Key == key {
			return s.Value
		}
	}
	return ""
}

// pseudoVersion builds a Go-style pseudo version from VCS stamps.
func pseudoVersion(info *debug.BuildInfo, keepDirty bool) string {
	if info == nil {
		return ""
	}
	revision := setting(info, "vcs.revision")
	stamp, err := time.Parse(time.RFC3339, setting(info, "vcs.time"))
	if revision == "" || err != nil {
		return ""
	}
	if len(revision) > 12 {
		revision = revision[:12]
	}
	v := "v0.0.0-" + stamp.UTC().Format("20060102150405") + "-" + revision
	if keepDirty && setting(info, "vcs.modified") == "true" {
		v += "+dirty"
	}
	return v
}
