package rollback

import (
	"net"
	"time"

	"github.com/nullframe/rollback/internal/core"
	"github.com/nullframe/rollback/internal/inputqueue"
	"github.com/nullframe/rollback/internal/metrics"
	"github.com/nullframe/rollback/internal/wire"
	"github.com/nullframe/rollback/transport"
)

// SpectatorSession consumes the confirmed-input broadcast a P2PSession's
// spectatorhub.Hub sends to a spectator address. It runs no prediction: it
// only advances once it holds a confirmed input for the next frame, and
// catches up at catchup_speed frames per tick when it falls more than
// max_frames_behind the host.
type SpectatorSession[T any] struct {
	codec  Codec[T]
	socket transport.Socket
	magic  uint16

	queue             *inputqueue.Queue[T]
	recvRef           []byte
	lastReceivedFrame core.Frame
	currentFrame      core.Frame

	catchupSpeed    int
	maxFramesBehind int

	disconnectTimeout time.Duration
	lastRecvTime      time.Time
	disconnected      bool
	events            []core.Event
}

// NewSpectatorSession creates a spectator session listening for Input
// broadcasts addressed to it by a host's spectatorhub.Hub. hostAddr is
// currently unused by the session itself (the socket already demultiplexes
// by source) but is accepted to mirror the host-facing handle a caller
// would otherwise need to track separately.
func NewSpectatorSession[T any](codec Codec[T], sock transport.Socket, hostAddr net.Addr) *SpectatorSession[T] {
	return &SpectatorSession[T]{
		codec:             codec,
		socket:            sock,
		magic:             core.MagicNumber,
		queue:             inputqueue.New[T](codec, inputqueue.Capacity(core.DefaultMaxPredictionFrames, 0)+64),
		lastReceivedFrame: core.NullFrame,
		catchupSpeed:      1,
		maxFramesBehind:   core.DefaultMaxPredictionFrames,
		disconnectTimeout: core.DefaultDisconnectTimeout,
	}
}

// SetCatchupSpeed sets how many frames are advanced per tick while more
// than max_frames_behind frames behind the host.
func (s *SpectatorSession[T]) SetCatchupSpeed(n int) {
	if n < 1 {
		n = 1
	}
	s.catchupSpeed = n
}

// SetMaxFramesBehind sets the threshold beyond which catch-up speed kicks
// in instead of the normal one-frame-per-tick advance.
func (s *SpectatorSession[T]) SetMaxFramesBehind(n int) { s.maxFramesBehind = n }

// SetDisconnectTimeout overrides how long this spectator waits without any
// Input broadcast from the host before reporting itself Disconnected (e.g.
// after a hub-side PolicyKick stops its traffic entirely).
func (s *SpectatorSession[T]) SetDisconnectTimeout(d time.Duration) { s.disconnectTimeout = d }

// Events drains and returns events accumulated since the last call.
func (s *SpectatorSession[T]) Events() []core.Event {
	ev := s.events
	s.events = nil
	return ev
}

func (s *SpectatorSession[T]) emit(ev core.Event) { s.events = append(s.events, ev) }

// Poll drains the socket and folds any Input broadcasts into the
// spectator's confirmed-input queue. A spectator has no handshake and no
// peer to send keep-alives to, so disconnect detection here is simpler than
// Endpoint's: once any Input broadcast has been seen, a gap longer than
// disconnect_timeout (whether from network loss or the host's hub kicking
// this spectator for falling behind) reports Disconnected exactly once.
func (s *SpectatorSession[T]) Poll(now time.Time) error {
	packets, err := s.socket.ReceiveAll()
	if err != nil {
		return err
	}
	gotInput := false
	for _, pkt := range packets {
		metrics.IncPacketsReceived()
		msg, err := wire.Decode(pkt.Data)
		if err != nil {
			metrics.IncPacketsDropped()
			continue
		}
		if msg.Header.Magic != s.magic || msg.Type != wire.MsgInput {
			continue
		}
		gotInput = true
		s.absorbInput(msg.Input)
	}
	if gotInput {
		s.lastRecvTime = now
		if s.disconnected {
			s.disconnected = false
			s.emit(core.Event{Type: core.EventNetworkResumed})
		}
	}
	if !s.lastRecvTime.IsZero() && !s.disconnected && now.Sub(s.lastRecvTime) > s.disconnectTimeout {
		s.disconnected = true
		s.emit(core.Event{Type: core.EventDisconnected})
	}
	return nil
}

// Disconnected reports whether this spectator has given up on the host
// (timed out waiting for an Input broadcast).
func (s *SpectatorSession[T]) Disconnected() bool { return s.disconnected }

func (s *SpectatorSession[T]) absorbInput(body wire.InputBody) {
	ref := s.recvRef
	if ref == nil {
		ref = make([]byte, body.InputSize)
	}
	payloads, err := wire.DecodeInputBatch(ref, body.InputSize, body.NumInputs, body.Bits)
	if err != nil {
		return
	}
	for i, pb := range payloads {
		f := body.StartFrame + core.Frame(i)
		if s.lastReceivedFrame != core.NullFrame && f <= s.lastReceivedFrame {
			continue
		}
		payload := s.codec.Decode(pb)
		if _, err := s.queue.AddInput(core.PlayerInput[T]{Frame: f, Payload: payload}); err != nil {
			continue
		}
		s.lastReceivedFrame = f
		s.recvRef = pb
	}
}

// AdvanceFrame emits up to catchup_speed AdvanceFrame requests when more
// than max_frames_behind behind the host's confirmed frame, otherwise at
// most one. It emits nothing (not an error) when no new confirmed frame is
// available yet. A spectator never emits SaveGameState or LoadGameState.
func (s *SpectatorSession[T]) AdvanceFrame() ([]Request[T], error) {
	if s.lastReceivedFrame == core.NullFrame || s.currentFrame > s.lastReceivedFrame {
		return nil, nil
	}
	steps := 1
	if int(s.lastReceivedFrame-s.currentFrame) > s.maxFramesBehind {
		steps = s.catchupSpeed
	}
	var reqs []Request[T]
	for i := 0; i < steps && s.currentFrame <= s.lastReceivedFrame; i++ {
		in, status := s.queue.GetInput(s.currentFrame)
		reqs = append(reqs, Request[T]{
			Kind:     RequestAdvanceFrame,
			Frame:    s.currentFrame,
			Inputs:   []core.PlayerInput[T]{in},
			Statuses: []core.InputStatus{status},
		})
		s.currentFrame++
	}
	return reqs, nil
}

// CurrentFrame is the next frame advance_frame will emit.
func (s *SpectatorSession[T]) CurrentFrame() core.Frame { return s.currentFrame }

// ConfirmedFrame is the highest frame received from the host so far.
func (s *SpectatorSession[T]) ConfirmedFrame() core.Frame { return s.lastReceivedFrame }

// FramesAhead returns how far behind (negative) or ahead the spectator is
// relative to the host's confirmed frame.
func (s *SpectatorSession[T]) FramesAhead() int { return int(s.currentFrame - s.lastReceivedFrame) }
