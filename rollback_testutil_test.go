package rollback

import (
	"net"

	"github.com/nullframe/rollback/transport"
)

// byteCodec is the smallest possible Codec[T]: a single-byte payload, the
// same minimal shape endpoint_test.go uses internally.
type byteCodec struct{}

func (byteCodec) Size() int            { return 1 }
func (byteCodec) Encode(v byte) []byte { return []byte{v} }
func (byteCodec) Decode(b []byte) byte { return b[0] }

type fakeAddr string

func (a fakeAddr) Network() string { return "fake" }
func (a fakeAddr) String() string  { return string(a) }

// memSocket is an in-memory transport.Socket pairing two endpoints for
// loopback tests, mirroring internal/endpoint's memSocket fixture.
type memSocket struct {
	addr  fakeAddr
	peer  *memSocket
	inbox []transport.Packet
}

func (s *memSocket) SendTo(addr net.Addr, data []byte) error {
	buf := append([]byte(nil), data...)
	s.peer.inbox = append(s.peer.inbox, transport.Packet{Addr: s.addr, Data: buf})
	return nil
}

func (s *memSocket) ReceiveAll() ([]transport.Packet, error) {
	out := s.inbox
	s.inbox = nil
	return out, nil
}

func newSocketPair(addrA, addrB fakeAddr) (*memSocket, *memSocket) {
	a := &memSocket{addr: addrA}
	b := &memSocket{addr: addrB}
	a.peer, b.peer = b, a
	return a, b
}

// nullSocket never has anything to send or receive, for the local
// pass-through tests where no remote handle exists.
type nullSocket struct{}

func (nullSocket) SendTo(net.Addr, []byte) error       { return nil }
func (nullSocket) ReceiveAll() ([]transport.Packet, error) { return nil, nil }

// applyAll fulfills every request in reqs against a flat []byte state slot
// keyed by frame, the simplest possible host loop: Save copies the frame
// number in as the "state", Load reads it back, AdvanceFrame is a no-op.
// Returns the sequence of frames actually advanced, in order.
func applyAll[T any](reqs []Request[T]) []Frame {
	var advanced []Frame
	for _, r := range reqs {
		switch r.Kind {
		case RequestSaveGameState:
			r.Cell.Save(r.Frame, []byte{byte(r.Frame)}, uint16(r.Frame))
		case RequestLoadGameState:
			// nothing to restore host-side in these tests; the sync layer
			// itself tracks checksums via the Cell.
		case RequestAdvanceFrame:
			advanced = append(advanced, r.Frame)
		}
	}
	return advanced
}
