//go:build linux

package transport

import (
	"net"

	"golang.org/x/sys/unix"
)

// tuneBuffers raises the kernel send/receive buffers on the UDP socket's
// underlying file descriptor, the same unix.SetsockoptInt idiom the CAN
// gateway uses to toggle CAN_RAW_FD_FRAMES.
func tuneBuffers(conn *net.UDPConn, bytes int) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	var setErr error
	err = raw.Control(func(fd uintptr) {
		if e := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, bytes); e != nil {
			setErr = e
			return
		}
		if e := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF, bytes); e != nil {
			setErr = e
			return
		}
	})
	if err != nil {
		return err
	}
	return setErr
}
