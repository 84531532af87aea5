package version

import (
	"runtime/debug"
	"testing"
)

func withBuildInfo(t *testing.T, bi *debug.BuildInfo, ldflags string) {
	t.Helper()
	prevRead, prevVersion := readBuildInfo, buildVersion
	readBuildInfo = func() (*debug.BuildInfo, bool) { return bi, bi != nil }
	buildVersion = ldflags
	t.Cleanup(func() {
		readBuildInfo = prevRead
		buildVersion = prevVersion
	})
}

func TestGetPrefersLdflags(t *testing.T) {
	withBuildInfo(t, &debug.BuildInfo{Main: debug.Module{Path: "example.com/x", Version: "v1.2.3"}}, "v9.9.9")
	if got := Current(); got != "v9.9.9" {
		t.Fatalf("Current() = %q", got)
	}
	if got := Module(); got != "example.com/x" {
		t.Fatalf("Module() = %q", got)
	}
}

func TestGetUsesModuleVersion(t *testing.T) {
	withBuildInfo(t, &debug.BuildInfo{GoVersion: "go1.25.0", Main: debug.Module{Path: defaultModule, Version: "v0.3.0"}}, "")
	info := Get()
	if info.Version != "v0.3.0" {
		t.Fatalf("version = %q", info.Version)
	}
	if got := info.String(); got != "pkt.systems/keyedmutexd v0.3.0 (go1.25.0)" {
		t.Fatalf("String() = %q", got)
	}
}

func TestGetDerivesPseudoVersionFromVCS(t *testing.T) {
	withBuildInfo(t, &debug.BuildInfo{
		Main: debug.Module{Path: defaultModule, Version: "(devel)"},
		Settings: []debug.BuildSetting{
			{Key: "vcs.revision", Value: "0123456789abcdef0123"},
			{Key: "vcs.time", Value: "2026-01-02T03:04:05Z"},
			{Key: "vcs.modified", Value: "true"},
		},
	}, "")
	if got, want := Current(), "v0.0.0-20260102030405-0123456789ab+dirty"; got != want {
		t.Fatalf("Current() = %q, want %q", got, want)
	}
}

func TestGetWithoutBuildInfo(t *testing.T) {
	withBuildInfo(t, nil, "")
	info := Get()
	if info.Module != defaultModule || info.Version != unknown {
		t.Fatalf("unexpected info %+v", info)
	}
	if got := info.String(); got != defaultModule+" "+unknown {
		t.Fatalf("String() = %q", got)
	}
}
