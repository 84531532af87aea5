package api

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ErrInvalidKey is returned when a textual key cannot be decoded.
var ErrInvalidKey = errors.New("api: invalid key")

// KeyNamespace scopes name-derived keys so that unrelated applications hashing
// the same name through a different namespace do not collide with keyedmutexd
// keys.
var KeyNamespace = uuid.MustParse("6b1f3a52-7c44-5d0e-9a51-0f6d7e2c9b83")

// Key identifies a lock. Equality is byte-wise.
type Key [KeySize]byte

// String renders the key as lowercase hexadecimal.
func (k Key) String() string {
	return hex.EncodeToString(k[:])
}

// Bytes returns a copy of the key as a slice, ready to be written on the wire.
func (k Key) Bytes() []byte {
	return append([]byte(nil), k[:]...)
}

// IsZero reports whether every byte of the key is zero.
func (k Key) IsZero() bool {
	return k == Key{}
}

// KeyFromName derives a stable key from an arbitrary name using a name-based
// (SHA-1) UUID within KeyNamespace.
func KeyFromName(name string) Key {
	return Key(uuid.NewSHA1(KeyNamespace, []byte(name)))
}

// ParseKey decodes a key from 32 hexadecimal characters or from any UUID
// representation accepted by github.com/google/uuid.
func ParseKey(s string) (Key, error) {
	s = strings.TrimSpace(s)
	if len(s) == hex.EncodedLen(KeySize) {
		var k Key
		if _, err := hex.Decode(k[:], []byte(s)); err != nil {
			return Key{}, fmt.Errorf("%w: %v", ErrInvalidKey, err)
		}
		return k, nil
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return Key{}, fmt.Errorf("%w: %q", ErrInvalidKey, s)
	}
	return Key(id), nil
}

// ResolveKey interprets s as an encoded key when it parses as one and derives a
// key from the name otherwise.
func ResolveKey(s string) Key {
	if k, err := ParseKey(s); err == nil {
		return k
	}
	return KeyFromName(s)
}
