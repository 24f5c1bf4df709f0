package endpoint

import (
	"net"
	"testing"
	"time"

	"github.com/nullframe/rollback/internal/core"
	"github.com/nullframe/rollback/internal/inputqueue"
	"github.com/nullframe/rollback/transport"
)

type byteCodec struct{}

func (byteCodec) Size() int            { return 1 }
func (byteCodec) Encode(v byte) []byte { return []byte{v} }
func (byteCodec) Decode(b []byte) byte { return b[0] }

type fakeAddr string

func (a fakeAddr) Network() string { return "fake" }
func (a fakeAddr) String() string  { return string(a) }

// memSocket is an in-memory Socket pairing two endpoints for loopback tests,
// the packet-oriented analogue of a net.Pipe()-based handshake test.
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

func newPair(addrA, addrB fakeAddr) (*memSocket, *memSocket) {
	a := &memSocket{addr: addrA}
	b := &memSocket{addr: addrB}
	a.peer, b.peer = b, a
	return a, b
}

func deliver(ep interface{ HandlePacket(time.Time, []byte) }, sock *memSocket) {
	for _, p := range sock.inbox {
		ep.HandlePacket(time.Now(), p.Data)
	}
	sock.inbox = nil
}

func TestEndpointHandshakeAndInputExchange(t *testing.T) {
	const magic = 0x9b42
	codec := byteCodec{}

	sockA, sockB := newPair("A", "B")
	localA := inputqueue.New[byte](codec, inputqueue.Capacity(8, 0))
	remoteA := inputqueue.New[byte](codec, inputqueue.Capacity(8, 0))
	localB := inputqueue.New[byte](codec, inputqueue.Capacity(8, 0))
	remoteB := inputqueue.New[byte](codec, inputqueue.Capacity(8, 0))

	a := New[byte](codec, sockA, sockB.addr, 0, magic, localA, remoteA)
	b := New[byte](codec, sockB, sockA.addr, 1, magic, localB, remoteB)

	now := time.Now()
	for i := 0; i < 8 && (a.State() != Running || b.State() != Running); i++ {
		a.Poll(now)
		b.Poll(now)
		deliver(a, sockA)
		deliver(b, sockB)
		now = now.Add(core.SyncRetryIntervalMax + time.Millisecond)
	}
	if a.State() != Running || b.State() != Running {
		t.Fatalf("handshake did not complete: a=%v b=%v", a.State(), b.State())
	}

	for f := core.Frame(0); f < 3; f++ {
		localA.AddInput(core.PlayerInput[byte]{Frame: f, Payload: byte(10 + f)})
	}
	a.Poll(now)
	deliver(b, sockB)

	for f := core.Frame(0); f < 3; f++ {
		in, status := remoteB.GetInput(f)
		if status != core.InputConfirmed {
			t.Fatalf("frame %d: status = %v, want confirmed", f, status)
		}
		if in.Payload != byte(10+f) {
			t.Fatalf("frame %d: payload = %d, want %d", f, in.Payload, 10+f)
		}
	}
}

func TestEndpointDisconnectsAfterTimeout(t *testing.T) {
	const magic = 0x9b42
	codec := byteCodec{}
	sockA, sockB := newPair("A", "B")
	a := New[byte](codec, sockA, sockB.addr, 0, magic,
		inputqueue.New[byte](codec, inputqueue.Capacity(8, 0)),
		inputqueue.New[byte](codec, inputqueue.Capacity(8, 0)),
		WithDisconnectTimeout[byte](50*time.Millisecond),
		WithDisconnectNotifyStart[byte](10*time.Millisecond),
	)
	now := time.Now()
	a.state = Running
	a.lastRecvTime = now

	a.Poll(now.Add(20 * time.Millisecond))
	if !a.Interrupted() {
		t.Fatalf("expected interrupted after notify-start window")
	}
	a.Poll(now.Add(60 * time.Millisecond))
	if a.State() != Disconnected {
		t.Fatalf("expected disconnected after timeout, got %v", a.State())
	}
	events := a.DrainEvents()
	found := false
	for _, ev := range events {
		if ev.Type == core.EventDisconnected {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a Disconnected event, got %+v", events)
	}
}
