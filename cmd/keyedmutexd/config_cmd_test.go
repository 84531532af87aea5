package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"

	"pkt.systems/keyedmutexd"
)

func TestConfigGenStdout(t *testing.T) {
	stdout, _, err := executeRootCommand(t, context.Background(), "config", "gen", "--stdout")
	if err != nil {
		t.Fatalf("config gen: %v", err)
	}
	var got configDefaults
	if err := yaml.Unmarshal([]byte(stdout), &got); err != nil {
		t.Fatalf("decode generated yaml: %v\n%s", err, stdout)
	}
	if got.Socket != keyedmutexd.DefaultListen || got.MaxConn != keyedmutexd.DefaultMaxConns {
		t.Fatalf("unexpected defaults: %+v", got)
	}
	if got.IdleWake != keyedmutexd.DefaultIdleWake.String() || !got.WatchSocket {
		t.Fatalf("unexpected defaults: %+v", got)
	}
}

func TestConfigGenWritesFileAndRefusesOverwrite(t *testing.T) {
	out := filepath.Join(t.TempDir(), "nested", "config.yaml")
	stdout, _, err := executeRootCommand(t, context.Background(), "config", "gen", "--out", out)
	if err != nil {
		t.Fatalf("config gen: %v", err)
	}
	if !strings.Contains(stdout, out) {
		t.Fatalf("expected output path in %q", stdout)
	}
	info, err := os.Stat(out)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("mode = %v", info.Mode().Perm())
	}

	if _, _, err := executeRootCommand(t, context.Background(), "config", "gen", "--out", out); err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Fatalf("expected overwrite refusal, got %v", err)
	}
	if _, _, err := executeRootCommand(t, context.Background(), "config", "gen", "--out", out, "--force"); err != nil {
		t.Fatalf("forced overwrite: %v", err)
	}
}

func TestConfigGenRejectsStdoutWithOut(t *testing.T) {
	_, _, err := executeRootCommand(t, context.Background(), "config", "gen", "--stdout", "--out", "x.yaml")
	if err == nil || !strings.Contains(err.Error(), "mutually exclusive") {
		t.Fatalf("expected mutual exclusion error, got %v", err)
	}
}

func TestGeneratedConfigIsLoadable(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	if _, _, err := executeRootCommand(t, context.Background(), "config", "gen", "--out", cfgPath); err != nil {
		t.Fatalf("config gen: %v", err)
	}
	path := testSocketPath(t)
	stop := serveInBackground(t, "--config", cfgPath, "--socket", path, "--metrics-listen", "")
	acquireOnce(t, path, "generated")
	if err := stop(); err != nil {
		t.Fatalf("serve returned %v", err)
	}
}
