// Package version reports the build version of keyedmutexd binaries.
package version

import (
	"fmt"
	"runtime/debug"
	"strings"
	"time"
)

const (
	defaultModule = "pkt.systems/keyedmutexd"
	unknown       = "v0.0.0-unknown"
)

// buildVersion is set via -ldflags "-X pkt.systems/keyedmutexd/internal/version.buildVersion=...".
var buildVersion = ""

// readBuildInfo is swapped in tests.
var readBuildInfo = debug.ReadBuildInfo

// Info is the version metadata printed by the CLI.
type Info struct {
	Module  string
	Version string
	Go      string
}

// String renders "<module> <version> (<go>)".
func (i Info) String() string {
	if i.Go == "" {
		return fmt.Sprintf("%s %s", i.Module, i.Version)
	}
	return fmt.Sprintf("%s %s (%s)", i.Module, i.Version, i.Go)
}

// Get collects version metadata from ldflags and the embedded build info.
func Get() Info {
	info := Info{Module: defaultModule, Version: unknown}
	bi, ok := readBuildInfo()
	if ok {
		if path := strings.TrimSpace(bi.Main.Path); path != "" {
			info.Module = path
		}
		info.Go = bi.GoVersion
	}
	switch {
	case strings.TrimSpace(buildVersion) != "":
		info.Version = strings.TrimSpace(buildVersion)
	case ok:
		if v := strings.TrimSpace(bi.Main.Version); v != "" && v != "(devel)" {
			info.Version = v
		} else if v := pseudoVersion(bi); v != "" {
			info.Version = v
		}
	}
	return info
}

// Current returns the best available version string.
func Current() string { return Get().Version }

// Module returns the main module path.
func Module() string { return Get().Module }

func pseudoVersion(bi *debug.BuildInfo) string {
	var revision, vcsTime string
	var modified bool
	for _, setting := range bi.Settings {
		switch setting.Key {
		case "vcs.revision":
			revision = setting.Value
		case "vcs.time":
			vcsTime = setting.Value
		case "vcs.modified":
			modified = setting.Value == "true"
		}
	}
	if revision == "" || vcsTime == "" {
		return ""
	}
	parsed, err := time.Parse(time.RFC3339, vcsTime)
	if err != nil {
		return ""
	}
	if len(revision) > 12 {
		revision = revision[:12]
	}
	v := "v0.0.0-" + parsed.UTC().Format("20060102150405") + "-" + revision
	if modified {
		v += "+dirty"
	}
	return v
}
