package connguard

import (
	"fmt"
	"testing"
	"time"

	"pkt.systems/pslog"
)

func FuzzConnectionGuardPortRotationStillBlocks(f *testing.F) {
	f.Add(byte(127), byte(1), uint16(20001), uint16(20002))
	f.Add(byte(10), byte(5), uint16(443), uint16(65000))
	f.Add(byte(192), byte(9), uint16(1), uint16(65535))

	f.Fuzz(func(t *testing.T, first, last byte, portA, portB uint16) {
		host := fmt.Sprintf("%d.0.0.%d", first, last)
		now := time.Now()
		guard := NewConnectionGuard(ConnectionGuardConfig{
			Enabled:          true,
			FailureThreshold: 3,
			FailureWindow:    time.Second,
			BlockDuration:    250 * time.Millisecond,
		}, pslog.NoopLogger())
		guard.now = func() time.Time { return now }

		remoteA := fmt.Sprintf("%s:%d", host, portA)
		remoteB := fmt.Sprintf("%s:%d", host, portB)
		if guard.RecordViolation(remoteA, "violation") {
			t.Fatalf("first violation must not block remote=%q", remoteA)
		}
		now = now.Add(5 * time.Millisecond)
		if guard.RecordViolation(remoteA, "violation") {
			t.Fatalf("second violation must not block remote=%q", remoteA)
		}
		now = now.Add(5 * time.Millisecond)
		if !guard.RecordViolation(remoteB, "violation") {
			t.Fatalf("third violation from same host should block despite port rotation remoteA=%q remoteB=%q", remoteA, remoteB)
		}
		if !guard.IsBlocked(remoteA) || !guard.IsBlocked(remoteB) {
			t.Fatalf("expected host %s blocked after threshold", host)
		}
	})
}

func FuzzConnectionGuardExpiryAndIsolation(f *testing.F) {
	f.Add("127.0.0.1:1111", "127.0.0.2:2222", uint16(20))
	f.Add(" 127.0.0.1:1 ", "127.0.0.1:2", uint16(300))
	f.Add("bad", "also-bad", uint16(60))
	f.Add("/tmp/keyedmutexd.sock", "@", uint16(0))

	f.Fuzz(func(t *testing.T, remoteA, remoteB string, advanceMS uint16) {
		now := time.Now()
		guard := NewConnectionGuard(ConnectionGuardConfig{
			Enabled:          true,
			FailureThreshold: 2,
			FailureWindow:    100 * time.Millisecond,
			BlockDuration:    50 * time.Millisecond,
		}, pslog.NoopLogger())
		guard.now = func() time.Time { return now }

		_ = guard.RecordViolation(remoteA, "violation")
		_ = guard.RecordViolation(remoteA, "violation")

		normA := normalizeRemoteAddr(remoteA)
		normB := normalizeRemoteAddr(remoteB)
		if normA == "" && guard.IsBlocked(remoteA) {
			t.Fatalf("non-IP remote blocked remote=%q", remoteA)
		}
		if normA != "" && normB != "" && normA != normB && guard.IsBlocked(remoteB) {
			t.Fatalf("distinct remote unexpectedly blocked remoteA=%q remoteB=%q", remoteA, remoteB)
		}

		now = now.Add(time.Duration(advanceMS+100) * time.Millisecond)
		if guard.IsBlocked(remoteA) {
			t.Fatalf("expected block expiry remote=%q", remoteA)
		}
	})
}
