//go:build !linux

package peercred

import "net"

// Read is not available on this platform.
func Read(*net.UnixConn) (Cred, error) {
	return Cred{}, ErrUnsupported
}
