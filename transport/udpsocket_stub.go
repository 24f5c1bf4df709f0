//go:build !linux

package transport

import "net"

// tuneBuffers is a no-op on every platform other than Linux; the socket
// still works, just with the OS default buffer sizes.
func tuneBuffers(conn *net.UDPConn, bytes int) error {
	return nil
}
