package engine

import (
	"errors"
	"io"

	"pkt.systems/keyedmutexd/api"
)

// State names the protocol state of a connection.
type State uint8

const (
	// StateEmpty marks a slot with no connection attached.
	StateEmpty State = iota
	// StateReadingKey is accumulating the 16 key bytes.
	StateReadingKey
	// StateOwner holds the lock for its key.
	StateOwner
	// StateWaiting is parked until the owner of its key releases.
	StateWaiting
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateReadingKey:
		return "reading_key"
	case StateOwner:
		return "owner"
	case StateWaiting:
		return "waiting"
	default:
		return "unknown"
	}
}

// Phase is the per-connection protocol state together with the data that
// state needs. It is one of ReadingKey, Owner or Waiting.
type Phase interface {
	State() State
}

// ReadingKey accumulates key bytes; Count bytes of Buf are valid.
type ReadingKey struct {
	Buf   api.Key
	Count int
}

// Owner holds Key.
type Owner struct {
	Key api.Key
}

// Waiting is parked on Key.
type Waiting struct {
	Key api.Key
}

func (ReadingKey) State() State { return StateReadingKey }
func (Owner) State() State      { return StateOwner }
func (Waiting) State() State    { return StateWaiting }

// Effect is the side effect the engine performs after a transition.
type Effect uint8

const (
	EffectNone Effect = iota
	// EffectGrant sends the owner marker.
	EffectGrant
	// EffectWait parks the connection; nothing is sent.
	EffectWait
	// EffectRelease wakes every waiter of the previous owner key.
	EffectRelease
)

// CloseReason explains why a connection was closed.
type CloseReason string

const (
	ReasonEOF       CloseReason = "eof"
	ReasonError     CloseReason = "error"
	ReasonViolation CloseReason = "violation"
	ReasonWrite     CloseReason = "write"
	ReasonShutdown  CloseReason = "shutdown"
)

// Step is the outcome of one read event. A nil Next closes the connection;
// Reason then says why. When a closing step carries EffectRelease the release
// fan-out runs after the close.
type Step struct {
	Next     Phase
	Consumed int
	Effect   Effect
	Reason   CloseReason
}

// Transition computes the next phase of a connection for one read event. data
// holds the bytes available for reading; readErr is the terminal read error
// and is only considered when data is empty. held reports whether some other
// connection currently owns a key.
func Transition(p Phase, data []byte, readErr error, held func(api.Key) bool) Step {
	switch cur := p.(type) {
	case ReadingKey:
		if len(data) == 0 {
			return Step{Reason: readReason(readErr)}
		}
		n := copy(cur.Buf[cur.Count:], data)
		cur.Count += n
		if cur.Count < api.KeySize {
			return Step{Next: cur, Consumed: n}
		}
		if held != nil && held(cur.Buf) {
			return Step{Next: Waiting{Key: cur.Buf}, Consumed: n, Effect: EffectWait}
		}
		return Step{Next: Owner{Key: cur.Buf}, Consumed: n, Effect: EffectGrant}
	case Owner:
		if len(data) == 0 {
			return Step{Effect: EffectRelease, Reason: readReason(readErr)}
		}
		if data[0] == api.ReleaseMarker {
			return Step{Next: ReadingKey{}, Consumed: 1, Effect: EffectRelease}
		}
		return Step{Consumed: 1, Effect: EffectRelease, Reason: ReasonViolation}
	case Waiting:
		if len(data) == 0 {
			return Step{Reason: readReason(readErr)}
		}
		return Step{Reason: ReasonViolation}
	default:
		return Step{Reason: ReasonViolation}
	}
}

func readReason(err error) CloseReason {
	if err == nil || errors.Is(err, io.EOF) {
		return ReasonEOF
	}
	return ReasonError
}
