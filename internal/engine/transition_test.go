package engine

import (
	"errors"
	"io"
	"testing"

	"pkt.systems/keyedmutexd/api"
)

func TestTransition(t *testing.T) {
	key := keyOf(0xab)
	partial := ReadingKey{Count: 10}
	copy(partial.Buf[:], key[:10])
	heldNone := func(api.Key) bool { return false }
	heldAll := func(api.Key) bool { return true }

	cases := []struct {
		name     string
		phase    Phase
		data     []byte
		err      error
		held     func(api.Key) bool
		next     State
		consumed int
		effect   Effect
		reason   CloseReason
	}{
		{name: "reading partial", phase: ReadingKey{}, data: key[:3], held: heldNone, next: StateReadingKey, consumed: 3},
		{name: "reading completes free key", phase: partial, data: key[10:], held: heldNone, next: StateOwner, consumed: 6, effect: EffectGrant},
		{name: "reading completes held key", phase: partial, data: key[10:], held: heldAll, next: StateWaiting, consumed: 6, effect: EffectWait},
		{name: "reading stops at key boundary", phase: partial, data: append(append([]byte{}, key[10:]...), 'R', 'R'), held: heldNone, next: StateOwner, consumed: 6, effect: EffectGrant},
		{name: "reading eof", phase: partial, err: io.EOF, next: StateEmpty, reason: ReasonEOF},
		{name: "reading zero read", phase: ReadingKey{}, next: StateEmpty, reason: ReasonEOF},
		{name: "reading error", phase: ReadingKey{}, err: errors.New("reset"), next: StateEmpty, reason: ReasonError},
		{name: "owner release", phase: Owner{Key: key}, data: []byte("RR"), next: StateReadingKey, consumed: 1, effect: EffectRelease},
		{name: "owner other byte", phase: Owner{Key: key}, data: []byte("x"), next: StateEmpty, consumed: 1, effect: EffectRelease, reason: ReasonViolation},
		{name: "owner eof", phase: Owner{Key: key}, err: io.EOF, next: StateEmpty, effect: EffectRelease, reason: ReasonEOF},
		{name: "owner error", phase: Owner{Key: key}, err: errors.New("reset"), next: StateEmpty, effect: EffectRelease, reason: ReasonError},
		{name: "waiting data", phase: Waiting{Key: key}, data: []byte("R"), next: StateEmpty, reason: ReasonViolation},
		{name: "waiting eof", phase: Waiting{Key: key}, err: io.EOF, next: StateEmpty, reason: ReasonEOF},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			step := Transition(tc.phase, tc.data, tc.err, tc.held)
			got := StateEmpty
			if step.Next != nil {
				got = step.Next.State()
			}
			if got != tc.next {
				t.Fatalf("next state = %s, want %s", got, tc.next)
			}
			if step.Consumed != tc.consumed {
				t.Fatalf("consumed = %d, want %d", step.Consumed, tc.consumed)
			}
			if step.Effect != tc.effect {
				t.Fatalf("effect = %d, want %d", step.Effect, tc.effect)
			}
			if step.Next == nil && step.Reason != tc.reason {
				t.Fatalf("reason = %q, want %q", step.Reason, tc.reason)
			}
		})
	}
}

func TestTransitionCarriesKey(t *testing.T) {
	key := api.KeyFromName("carry")
	step := Transition(ReadingKey{}, key[:], nil, nil)
	owner, ok := step.Next.(Owner)
	if !ok {
		t.Fatalf("expected Owner, got %T", step.Next)
	}
	if owner.Key != key {
		t.Fatalf("owner key = %s, want %s", owner.Key, key)
	}

	step = Transition(ReadingKey{}, key[:], nil, func(k api.Key) bool { return k == key })
	waiting, ok := step.Next.(Waiting)
	if !ok {
		t.Fatalf("expected Waiting, got %T", step.Next)
	}
	if waiting.Key != key {
		t.Fatalf("waiting key = %s, want %s", waiting.Key, key)
	}
}

func TestTransitionDoesNotMutateInput(t *testing.T) {
	in := ReadingKey{}
	Transition(in, []byte{1, 2, 3}, nil, nil)
	if in.Count != 0 || !in.Buf.IsZero() {
		t.Fatalf("input phase mutated: %+v", in)
	}
}
