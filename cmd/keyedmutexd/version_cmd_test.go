package main

import (
	"context"
	"strings"
	"testing"

	"pkt.systems/keyedmutexd/internal/version"
)

func TestVersionCommandPrintsModuleAndVersion(t *testing.T) {
	stdout, stderr, err := executeRootCommand(t, context.Background(), "version")
	if err != nil {
		t.Fatalf("version command failed: %v", err)
	}
	if stderr != "" {
		t.Fatalf("expected empty stderr, got %q", stderr)
	}
	want := version.Module() + " " + version.Current() + "\n"
	if stdout != want {
		t.Fatalf("unexpected stdout: got %q want %q", stdout, want)
	}
}

func TestVersionCommandVerboseIncludesToolchain(t *testing.T) {
	stdout, _, err := executeRootCommand(t, context.Background(), "version", "-v")
	if err != nil {
		t.Fatalf("version -v failed: %v", err)
	}
	if strings.TrimSpace(stdout) != version.Get().String() {
		t.Fatalf("unexpected stdout: %q", stdout)
	}
}

func TestRootVersionFlagPrintsBareVersion(t *testing.T) {
	stdout, _, err := executeRootCommand(t, context.Background(), "--version")
	if err != nil {
		t.Fatalf("--version failed: %v", err)
	}
	if stdout != version.Current()+"\n" {
		t.Fatalf("unexpected stdout: got %q want %q", stdout, version.Current()+"\n")
	}
}
