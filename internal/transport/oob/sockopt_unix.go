//go:build unix

package oob

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// reuseAddr lets a fixed control port be rebound while old connections linger
// in TIME_WAIT.
func reuseAddr(_, _ string, rc syscall.RawConn) error {
	var sockErr error

	err := rc.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}

	return sockErr
}
