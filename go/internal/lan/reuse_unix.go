//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package lan

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// reuseControl lets several clients on one host bind the broadcast port;
// broadcast datagrams are delivered to every one of them.
func reuseControl(network, address string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		if sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); sockErr != nil {
			return
		}
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}
