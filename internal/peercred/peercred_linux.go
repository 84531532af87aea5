//go:build linux

package peercred

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// Read returns the SO_PEERCRED credentials of conn.
func Read(conn *net.UnixConn) (Cred, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return Cred{}, fmt.Errorf("peercred: raw conn: %w", err)
	}
	var (
		ucred  *unix.Ucred
		getErr error
	)
	if err := raw.Control(func(fd uintptr) {
		ucred, getErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	}); err != nil {
		return Cred{}, fmt.Errorf("peercred: control: %w", err)
	}
	if getErr != nil {
		return Cred{}, fmt.Errorf("peercred: getsockopt: %w", getErr)
	}
	return Cred{PID: int(ucred.Pid), UID: ucred.Uid, GID: ucred.Gid}, nil
}
