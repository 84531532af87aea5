package main

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"testing"
	"time"

	"pkt.systems/keyedmutexd"
	"pkt.systems/keyedmutexd/api"
	"pkt.systems/keyedmutexd/client"
	"pkt.systems/pslog"
)

func startLockServer(t *testing.T) (*keyedmutexd.Server, string) {
	t.Helper()
	path := testSocketPath(t)
	ctx, cancel := context.WithCancel(context.Background())
	srv, stop, err := keyedmutexd.StartServer(ctx, keyedmutexd.Config{Listen: path, MaxConns: 8},
		keyedmutexd.WithLogger(pslog.NoopLogger()))
	if err != nil {
		cancel()
		t.Fatalf("start server: %v", err)
	}
	t.Cleanup(func() {
		_ = stop(context.Background())
		cancel()
	})
	return srv, path
}

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestClientExecExportsKey(t *testing.T) {
	requireShell(t)
	_, path := startLockServer(t)
	stdout, _, err := executeRootCommand(t, context.Background(),
		"-s", path, "client", "exec", "--key", "deploy", "--", "sh", "-c", `printf '%s %s' "$KEYEDMUTEXD_KEY" "$KEYEDMUTEXD_KEY_HEX"`)
	if err != nil {
		t.Fatalf("client exec: %v", err)
	}
	want := "deploy " + api.KeyFromName("deploy").String()
	if stdout != want {
		t.Fatalf("stdout = %q, want %q", stdout, want)
	}
}

func TestClientExecPropagatesExitStatus(t *testing.T) {
	requireShell(t)
	srv, path := startLockServer(t)
	_, _, err := executeRootCommand(t, context.Background(),
		"-s", path, "client", "exec", "-k", "exit", "--", "sh", "-c", "exit 3")
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) || exitErr.ExitCode() != 3 {
		t.Fatalf("expected exit status 3, got %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for srv.Stats().Owners != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("key still owned after exec: %+v", srv.Stats())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestClientExecWaitTimeout(t *testing.T) {
	_, path := startLockServer(t)
	holder, err := client.Dial(context.Background(), path)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer holder.Close()
	if err := holder.Acquire(context.Background(), api.KeyFromName("busy")); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	_, _, err = executeRootCommand(t, context.Background(),
		"-s", path, "client", "exec", "--key", "busy", "--wait", "50ms", "--", "true")
	if err == nil || !strings.Contains(err.Error(), "not owned within") {
		t.Fatalf("expected wait timeout, got %v", err)
	}
}

func TestClientRequiresKey(t *testing.T) {
	t.Setenv(envKey, "")
	_, path := startLockServer(t)
	_, _, err := executeRootCommand(t, context.Background(), "-s", path, "client", "hold")
	if err == nil || !strings.Contains(err.Error(), "key required") {
		t.Fatalf("expected key required error, got %v", err)
	}
}

func TestClientHoldUntilCancelled(t *testing.T) {
	srv, path := startLockServer(t)
	t.Setenv(envKey, "maintenance")
	cmd, stdout, _ := newTestRootCommand(t, "-s", path, "client", "hold")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- cmd.ExecuteContext(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for srv.Stats().Owners != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("hold never became owner: %+v", srv.Stats())
		}
		time.Sleep(5 * time.Millisecond)
	}

	other, err := client.Dial(context.Background(), path)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer other.Close()
	waitCtx, waitCancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer waitCancel()
	if err := other.Acquire(waitCtx, api.KeyFromName("maintenance")); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("acquire while held: %v", err)
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("hold returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("hold did not return after cancel")
	}
	if !strings.HasPrefix(stdout.String(), "owner maintenance ") {
		t.Fatalf("stdout = %q", stdout.String())
	}
}

func TestClientHoldFailsWhenServerStops(t *testing.T) {
	srv, path := startLockServer(t)
	cmd, stdout, _ := newTestRootCommand(t, "-s", path, "client", "hold", "-k", "maintenance")
	errCh := make(chan error, 1)
	go func() { errCh <- cmd.ExecuteContext(context.Background()) }()

	deadline := time.Now().Add(2 * time.Second)
	for srv.Stats().Owners != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("hold never became owner: %+v", srv.Stats())
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := srv.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, client.ErrOwnershipLost) {
			t.Fatalf("hold returned %v, want ownership lost", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("hold kept running after the server stopped")
	}
	if !strings.HasPrefix(stdout.String(), "owner maintenance ") {
		t.Fatalf("stdout = %q", stdout.String())
	}
}

func TestClientExecStopsCommandWhenKeyLost(t *testing.T) {
	if _, err := exec.LookPath("sleep"); err != nil {
		t.Skip("sleep not available")
	}
	srv, path := startLockServer(t)
	cmd, _, _ := newTestRootCommand(t, "-s", path, "client", "exec", "-k", "long", "--", "sleep", "30")
	errCh := make(chan error, 1)
	go func() { errCh <- cmd.ExecuteContext(context.Background()) }()

	deadline := time.Now().Add(2 * time.Second)
	for srv.Stats().Owners != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("exec never became owner: %+v", srv.Stats())
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := srv.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, client.ErrOwnershipLost) || !strings.Contains(err.Error(), "lost while sleep was running") {
			t.Fatalf("exec returned %v, want ownership lost", err)
		}
	case <-time.After(childStopGrace + 2*time.Second):
		t.Fatalf("exec kept the command running after the key was lost")
	}
}
