package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/net/nettest"

	"pkt.systems/keyedmutexd/api"
	"pkt.systems/keyedmutexd/client"
	"pkt.systems/pslog"
)

// newTestRootCommand isolates the command from the caller's config directory
// and from viper state left by earlier tests.
func newTestRootCommand(t *testing.T, args ...string) (*cobra.Command, *bytes.Buffer, *bytes.Buffer) {
	t.Helper()
	t.Setenv("KEYEDMUTEXD_CONFIG_DIR", t.TempDir())
	viper.Reset()
	cmd := newRootCommand(pslog.NoopLogger())
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	return cmd, &stdout, &stderr
}

func executeRootCommand(t *testing.T, ctx context.Context, args ...string) (string, string, error) {
	t.Helper()
	cmd, stdout, stderr := newTestRootCommand(t, args...)
	err := cmd.ExecuteContext(ctx)
	return stdout.String(), stderr.String(), err
}

func testSocketPath(t *testing.T) string {
	t.Helper()
	path, err := nettest.LocalPath()
	if err != nil {
		t.Fatalf("socket path: %v", err)
	}
	return path
}

// serveInBackground runs the root command until the returned stop is called.
func serveInBackground(t *testing.T, args ...string) func() error {
	t.Helper()
	cmd, _, _ := newTestRootCommand(t, args...)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- cmd.ExecuteContext(ctx)
	}()
	var once bool
	var result error
	stop := func() error {
		if once {
			return result
		}
		once = true
		cancel()
		select {
		case result = <-errCh:
		case <-time.After(10 * time.Second):
			t.Fatalf("server did not stop")
		}
		return result
	}
	t.Cleanup(func() { _ = stop() })
	return stop
}

func acquireOnce(t *testing.T, addr, name string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		c, err := client.Dial(ctx, addr)
		if err == nil {
			err = c.Acquire(ctx, api.KeyFromName(name))
			_ = c.Close()
		}
		cancel()
		if err == nil {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("acquire %q on %s: %v", name, addr, err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestInvocationTargetsRootCommand(t *testing.T) {
	root := newRootCommand(pslog.NoopLogger())
	cases := []struct {
		name string
		args []string
		want bool
	}{
		{name: "no args", args: nil, want: true},
		{name: "root flag only", args: []string{"--maxconn", "8"}, want: true},
		{name: "root shorthand with value", args: []string{"-s", "/tmp/k.sock"}, want: true},
		{name: "bool shorthand", args: []string{"-f", "-m", "4"}, want: true},
		{name: "subcommand", args: []string{"client", "hold"}, want: false},
		{name: "subcommand after root flag", args: []string{"--socket", "/tmp/k.sock", "client", "hold"}, want: false},
		{name: "flag with equals", args: []string{"--socket=4200", "version"}, want: false},
		{name: "unknown shorthand no subcommand", args: []string{"-z"}, want: true},
		{name: "unknown long before subcommand", args: []string{"--bogus", "config", "gen"}, want: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := invocationTargetsRootCommand(root, tc.args)
			if got != tc.want {
				t.Fatalf("invocationTargetsRootCommand(%v)=%v want %v", tc.args, got, tc.want)
			}
		})
	}
}

func TestRootFlagShorthands(t *testing.T) {
	root := newRootCommand(pslog.NoopLogger())
	for short, long := range map[string]string{"s": "socket", "m": "maxconn", "f": "force", "c": "config"} {
		flag := root.Flags().ShorthandLookup(short)
		if flag == nil {
			flag = root.PersistentFlags().ShorthandLookup(short)
		}
		if flag == nil || flag.Name != long {
			t.Fatalf("expected -%s for --%s, got %#v", short, long, flag)
		}
	}
	if got := root.Flags().Lookup("maxconn").DefValue; got != "32" {
		t.Fatalf("maxconn default = %s", got)
	}
}

func TestServeGrantsKeysAndCleansUp(t *testing.T) {
	path := testSocketPath(t)
	stop := serveInBackground(t, "--socket", path, "--maxconn", "2", "--idle-wake", "1h")
	acquireOnce(t, path, "serve")
	if err := stop(); err != nil {
		t.Fatalf("serve returned %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("socket file left behind: %v", err)
	}
}

func TestServeRejectsNonPositiveMaxConn(t *testing.T) {
	_, _, err := executeRootCommand(t, context.Background(), "-s", testSocketPath(t), "-m", "0")
	if err == nil || !strings.Contains(err.Error(), "maxconn") {
		t.Fatalf("expected maxconn error, got %v", err)
	}
}

func TestServeRefusesExistingSocketWithoutForce(t *testing.T) {
	path := testSocketPath(t)
	if err := os.WriteFile(path, nil, 0o600); err != nil {
		t.Fatalf("create: %v", err)
	}
	defer os.Remove(path)
	_, _, err := executeRootCommand(t, context.Background(), "-s", path)
	if err == nil || !strings.Contains(err.Error(), "--force") {
		t.Fatalf("expected socket exists error, got %v", err)
	}

	stop := serveInBackground(t, "-s", path, "-f")
	acquireOnce(t, path, "forced")
	if err := stop(); err != nil {
		t.Fatalf("serve returned %v", err)
	}
}

func TestServeReadsConfigFileAndWritesLogFile(t *testing.T) {
	dir := t.TempDir()
	path := testSocketPath(t)
	logPath := filepath.Join(dir, "keyedmutexd.log")
	cfgPath := filepath.Join(dir, "config.yaml")
	cfg := "socket: " + path + "\nmaxconn: 3\nlog-file: " + logPath + "\n"
	if err := os.WriteFile(cfgPath, []byte(cfg), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	stop := serveInBackground(t, "--config", cfgPath)
	acquireOnce(t, path, "from-config")
	if err := stop(); err != nil {
		t.Fatalf("serve returned %v", err)
	}
	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	for _, want := range []string{"welcome to keyedmutexd", "listening", "owner"} {
		if !strings.Contains(string(data), want) {
			t.Fatalf("log file missing %q:\n%s", want, data)
		}
	}
}

func TestMissingExplicitConfigFails(t *testing.T) {
	_, _, err := executeRootCommand(t, context.Background(), "--config", filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil || !strings.Contains(err.Error(), "config file") {
		t.Fatalf("expected config file error, got %v", err)
	}
}

func TestExpandPathHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	got, err := expandPath("~/x/config.yaml")
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	if got != filepath.Join(home, "x", "config.yaml") {
		t.Fatalf("expandPath = %q", got)
	}
}
