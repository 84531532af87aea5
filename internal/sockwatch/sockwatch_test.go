package sockwatch

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/goleak"

	"pkt.systems/pslog"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func waitChange(t *testing.T, ch <-chan Change, want Change) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case got := <-ch:
			if got == want {
				return
			}
		case <-deadline:
			t.Fatalf("no %s change observed", want)
		}
	}
}

func TestWatcherReportsRemoveAndReplace(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keyedmutexd.sock")
	if err := os.WriteFile(path, nil, 0o600); err != nil {
		t.Fatalf("create: %v", err)
	}
	changes := make(chan Change, 8)
	w, err := Start(path, pslog.NoopLogger(), func(c Change) { changes <- c })
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer w.Close()

	if err := os.WriteFile(filepath.Join(dir, "other"), nil, 0o600); err != nil {
		t.Fatalf("create sibling: %v", err)
	}
	if err := os.Remove(path); err != nil {
		t.Fatalf("remove: %v", err)
	}
	waitChange(t, changes, Removed)

	if err := os.WriteFile(path, nil, 0o600); err != nil {
		t.Fatalf("recreate: %v", err)
	}
	waitChange(t, changes, Replaced)
}

func TestStartRejectsEmptyPath(t *testing.T) {
	if _, err := Start("", pslog.NoopLogger(), nil); err == nil {
		t.Fatalf("expected error")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	w, err := Start(filepath.Join(t.TempDir(), "s.sock"), pslog.NoopLogger(), nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}
