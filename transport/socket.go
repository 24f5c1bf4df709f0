// Package transport provides the non-blocking datagram socket contract the
// rollback session is built against, plus a concrete UDP implementation for
// callers that don't already have their own.
package transport

import "net"

// Packet is one datagram handed back by ReceiveAll, paired with the address
// it arrived from.
type Packet struct {
	Addr net.Addr
	Data []byte
}

// Socket is the host-supplied transport every Endpoint sends and receives
// through. Both methods are non-blocking: SendTo enqueues and returns
// immediately (any error just drops that one packet), and ReceiveAll drains
// whatever has arrived without waiting. Addresses are compared by value
// equality, never dereferenced by the session.
type Socket interface {
	SendTo(addr net.Addr, data []byte) error
	ReceiveAll() ([]Packet, error)
}
