package transport

import (
	"errors"
	"net"
	"time"

	"github.com/nullframe/rollback/internal/logging"
)

// recvBufBytes sizes the OS receive buffer requested via tuneBuffers. Input
// packets are tiny but bursty during rollback catch-up; a few hundred KB of
// kernel buffer avoids drops under a momentary stall of the host's read
// loop.
const recvBufBytes = 256 * 1024

// UDPSocket implements Socket over a bound *net.UDPConn in non-blocking
// mode: every ReceiveAll call sets an immediate read deadline and drains
// until it would block.
type UDPSocket struct {
	conn *net.UDPConn
}

// NewUDPSocket binds a UDP socket on laddr ("host:port", "" host means all
// interfaces) and tunes its OS buffers where the platform supports it.
func NewUDPSocket(laddr string) (*UDPSocket, error) {
	addr, err := net.ResolveUDPAddr("udp", laddr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, err
	}
	if err := tuneBuffers(conn, recvBufBytes); err != nil {
		logging.L().Warn("udp socket buffer tuning failed", "error", err)
	}
	return &UDPSocket{conn: conn}, nil
}

// SendTo writes one datagram. Any error just means that packet is lost;
// retransmission is the protocol's job, not the socket's.
func (s *UDPSocket) SendTo(addr net.Addr, data []byte) error {
	udpAddr, ok := addr.(*net.UDPAddr)
	if !ok {
		return errors.New("transport: UDPSocket requires a *net.UDPAddr")
	}
	_, err := s.conn.WriteToUDP(data, udpAddr)
	return err
}

// ReceiveAll drains every datagram currently queued on the socket without
// blocking, by setting an already-elapsed read deadline and reading until
// that deadline trips.
func (s *UDPSocket) ReceiveAll() ([]Packet, error) {
	var packets []Packet
	buf := make([]byte, 4096)
	for {
		if err := s.conn.SetReadDeadline(time.Now()); err != nil {
			return packets, err
		}
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return packets, nil
			}
			return packets, err
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		packets = append(packets, Packet{Addr: addr, Data: data})
	}
}

// LocalAddr returns the socket's bound address.
func (s *UDPSocket) LocalAddr() net.Addr { return s.conn.LocalAddr() }

// Close releases the underlying OS socket.
func (s *UDPSocket) Close() error { return s.conn.Close() }
