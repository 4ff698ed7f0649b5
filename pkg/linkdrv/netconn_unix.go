//go:build linux || freebsd || openbsd || darwin || netbsd || dragonfly

package linkdrv

import "golang.org/x/sys/unix"

// tuneReceiveBuffer is a best-effort SO_RCVBUF bump on the raw fd behind
// a NetConn, so a burst of frames doesn't overrun the kernel socket
// buffer before the read loop drains it. Failure is never fatal.
func tuneReceiveBuffer(fd, size int) error {
	return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, size)
}
