// Package peercred reads the credentials of the process on the other end of a
// UNIX domain socket.
package peercred

import "errors"

// ErrUnsupported is returned on platforms without SO_PEERCRED.
var ErrUnsupported = errors.New("peercred: unsupported platform")

// Cred is the peer process identity captured at connect time.
type Cred struct {
	PID int
	UID uint32
	GID uint32
}

// Fields renders the credentials as log key/value pairs.
func (c Cred) Fields() []any {
	return []any{"pid", c.PID, "uid", c.UID, "gid", c.GID}
}
