// Package endpoint implements the per-peer UDP protocol state machine: the
// sync handshake, steady-state input/quality-report/keep-alive
// transmission, duplicate/ack bookkeeping on receipt, and disconnect
// detection. One Endpoint exists per remote player or spectator connection;
// the session drives it once per tick via Poll and feeds it every inbound
// datagram addressed to that peer via HandlePacket.
package endpoint

import (
	"math/rand"
	"net"
	"time"

	"go.uber.org/atomic"

	"github.com/nullframe/rollback/internal/core"
	"github.com/nullframe/rollback/internal/inputqueue"
	"github.com/nullframe/rollback/internal/logging"
	"github.com/nullframe/rollback/internal/timesync"
	"github.com/nullframe/rollback/internal/wire"
	"github.com/nullframe/rollback/transport"
)

// State is the endpoint's protocol state.
type State int

const (
	Initializing State = iota
	Synchronizing
	Running
	Disconnected
)

// Stats is a snapshot of what the session surfaces to the host as
// NetworkStats.
type Stats struct {
	RTT                   time.Duration
	LocalFrameAdvantage   int
	RemoteFrameAdvantage  int
	LastReceivedFrame     core.Frame
	LastAckedFrame        core.Frame
	SendQueueLen          int
	RecvQueueLen          int
	KbpsSent              float64
}

// Option configures an Endpoint at construction.
type Option[T any] func(*Endpoint[T])

// WithDisconnectTimeout overrides the default disconnect timeout.
func WithDisconnectTimeout[T any](d time.Duration) Option[T] {
	return func(e *Endpoint[T]) { e.disconnectTimeout = d }
}

// WithDisconnectNotifyStart overrides the default interrupted-notify delay.
func WithDisconnectNotifyStart[T any](d time.Duration) Option[T] {
	return func(e *Endpoint[T]) { e.disconnectNotifyStart = d }
}

// Endpoint drives the wire protocol with a single remote peer.
type Endpoint[T any] struct {
	codec  core.Codec[T]
	socket transport.Socket
	peer   net.Addr
	handle core.PlayerHandle
	magic  uint16
	seq    uint16

	local  *inputqueue.Queue[T]
	remote *inputqueue.Queue[T]
	ts     *timesync.Estimator

	state       State
	interrupted atomic.Bool
	wantDisc    atomic.Bool // we have asked the peer to disconnect us
	peerWantsDisc atomic.Bool // the peer has asked us to disconnect them

	syncNonce    uint32
	syncAcked    int
	nextSyncSend time.Time
	retryDelay   time.Duration
	startedAt    time.Time

	lastRecvSeq    uint16
	haveLastRecvSeq bool
	lastRecvTime   time.Time

	lastReceivedFrame core.Frame // highest contiguous frame received FROM the peer
	peerAckedFrame    core.Frame // highest frame the peer has told us it received

	lastQualityReportAt  time.Time
	lastKeepAliveAt      time.Time
	pendingPingMS        uint32
	rtt                  time.Duration
	remoteFrameAdvantage int
	bytesSent            uint64

	disconnectTimeout     time.Duration
	disconnectNotifyStart time.Duration

	pendingChecksumFrame core.Frame
	pendingChecksum      uint16

	remoteChecksumFrame   core.Frame
	remoteChecksum        uint16
	remoteChecksumPending bool

	events []core.Event
}

// New creates an endpoint for one remote peer, exchanging inputs between
// local (outgoing, authoritative) and remote (incoming) queues.
func New[T any](codec core.Codec[T], sock transport.Socket, peer net.Addr, handle core.PlayerHandle, magic uint16, local, remote *inputqueue.Queue[T], opts ...Option[T]) *Endpoint[T] {
	e := &Endpoint[T]{
		codec:                 codec,
		socket:                sock,
		peer:                  peer,
		handle:                handle,
		magic:                 magic,
		local:                 local,
		remote:                remote,
		ts:                    timesync.New(),
		state:                 Initializing,
		lastReceivedFrame:     core.NullFrame,
		peerAckedFrame:        core.NullFrame,
		disconnectTimeout:     core.DefaultDisconnectTimeout,
		disconnectNotifyStart: core.DefaultDisconnectNotifyStart,
		pendingChecksumFrame:  core.NullFrame,
		remoteChecksumFrame:   core.NullFrame,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// State returns the endpoint's current protocol state.
func (e *Endpoint[T]) State() State { return e.state }

// Interrupted reports whether the endpoint is within the disconnect window
// without recent traffic.
func (e *Endpoint[T]) Interrupted() bool { return e.interrupted.Load() }

// PeerRequestedDisconnect reports whether the remote peer asked to be
// dropped via a cooperative disconnect flag on its last Input message.
func (e *Endpoint[T]) PeerRequestedDisconnect() bool { return e.peerWantsDisc.Load() }

// RequestDisconnect marks every subsequent outgoing Input message as
// requesting the peer disconnect this endpoint.
func (e *Endpoint[T]) RequestDisconnect() { e.wantDisc.Store(true) }

// LastReceivedFrame is the highest contiguous frame received from the peer.
func (e *Endpoint[T]) LastReceivedFrame() core.Frame { return e.lastReceivedFrame }

// PeerAckedFrame is the highest frame the peer has acknowledged receiving
// from us; queues at or below it may be discarded.
func (e *Endpoint[T]) PeerAckedFrame() core.Frame { return e.peerAckedFrame }

// RecommendedStall returns the time-sync estimator's current stall
// recommendation, in frames.
func (e *Endpoint[T]) RecommendedStall() int { return e.ts.Recommendation() }

// Stats returns a snapshot for NetworkStats reporting.
func (e *Endpoint[T]) Stats() Stats {
	sendQueueLen := 0
	if e.local.LastAddedFrame() != core.NullFrame && e.peerAckedFrame != core.NullFrame {
		if n := int(e.local.LastAddedFrame() - e.peerAckedFrame); n > 0 {
			sendQueueLen = n
		}
	}
	var kbps float64
	if elapsed := time.Since(e.startedAt); elapsed > 0 {
		kbps = float64(e.bytesSent*8) / 1000 / elapsed.Seconds()
	}
	return Stats{
		RTT:                  e.rtt,
		LocalFrameAdvantage:  e.localFrameAdvantage(),
		RemoteFrameAdvantage: e.remoteFrameAdvantage,
		LastReceivedFrame:    e.lastReceivedFrame,
		LastAckedFrame:       e.peerAckedFrame,
		SendQueueLen:         sendQueueLen,
		RecvQueueLen:         e.remote.Len(),
		KbpsSent:             kbps,
	}
}

// QueueChecksum arranges for the next outgoing Input message to piggyback
// frame/checksum as a desync-detection sample. Only one sample can be
// in flight at a time; a later call before the pending one is sent
// overwrites it, which is fine since the caller picks the sample cadence.
func (e *Endpoint[T]) QueueChecksum(frame core.Frame, checksum uint16) {
	e.pendingChecksumFrame = frame
	e.pendingChecksum = checksum
}

// TakeRemoteChecksum returns the most recent desync-detection sample the
// peer has sent, if any, and clears it so it is reported only once.
func (e *Endpoint[T]) TakeRemoteChecksum() (core.Frame, uint16, bool) {
	if !e.remoteChecksumPending {
		return core.NullFrame, 0, false
	}
	e.remoteChecksumPending = false
	return e.remoteChecksumFrame, e.remoteChecksum, true
}

// DrainEvents returns and clears events accumulated since the last call.
func (e *Endpoint[T]) DrainEvents() []core.Event {
	ev := e.events
	e.events = nil
	return ev
}

func (e *Endpoint[T]) emit(ev core.Event) { e.events = append(e.events, ev) }

func (e *Endpoint[T]) nextSeq() uint16 {
	e.seq++
	return e.seq
}

func (e *Endpoint[T]) send(msg wire.Message) {
	msg.Header.Magic = e.magic
	msg.Header.Sequence = e.nextSeq()
	buf := wire.Encode(msg)
	e.bytesSent += uint64(len(buf))
	_ = e.socket.SendTo(e.peer, buf)
}

// Poll drives timers: handshake retransmission while Synchronizing,
// steady-state transmission and disconnect detection while Running.
func (e *Endpoint[T]) Poll(now time.Time) {
	switch e.state {
	case Initializing:
		e.startedAt = now
		e.retryDelay = core.SyncRetryInterval
		e.state = Synchronizing
		e.sendSyncRequest(now)
	case Synchronizing:
		if now.After(e.startedAt.Add(e.disconnectTimeout)) {
			e.state = Disconnected
			logging.ForHandle(int(e.handle)).Warn("endpoint_handshake_timeout")
			e.emit(core.Event{Type: core.EventDisconnected, Handle: e.handle})
			return
		}
		if !now.Before(e.nextSyncSend) {
			e.sendSyncRequest(now)
		}
	case Running:
		e.pollRunning(now)
	case Disconnected:
		// nothing to do
	}
}

func (e *Endpoint[T]) sendSyncRequest(now time.Time) {
	e.syncNonce = rand.Uint32()
	e.send(wire.Message{Type: wire.MsgSyncRequest, SyncRequest: wire.SyncRequestBody{Random: e.syncNonce}})
	e.nextSyncSend = now.Add(e.retryDelay)
	e.retryDelay *= 2
	if e.retryDelay > core.SyncRetryIntervalMax {
		e.retryDelay = core.SyncRetryIntervalMax
	}
}

func (e *Endpoint[T]) pollRunning(now time.Time) {
	elapsed := now.Sub(e.lastRecvTime)
	if elapsed > e.disconnectTimeout {
		e.state = Disconnected
		logging.ForHandle(int(e.handle)).Warn("endpoint_disconnect_timeout", "elapsed", elapsed)
		e.emit(core.Event{Type: core.EventDisconnected, Handle: e.handle})
		return
	}
	if elapsed > e.disconnectNotifyStart {
		if !e.interrupted.Load() {
			e.interrupted.Store(true)
			e.emit(core.Event{Type: core.EventNetworkInterrupted, Handle: e.handle, DisconnectTimeout: e.disconnectTimeout - elapsed})
		}
	}

	sentInput := e.sendInput(now)

	if now.Sub(e.lastQualityReportAt) >= core.QualityReportInterval {
		e.lastQualityReportAt = now
		e.pendingPingMS = uint32(now.UnixMilli())
		e.send(wire.Message{Type: wire.MsgQualityReport, QualityReport: wire.QualityReportBody{
			PingMS:         e.pendingPingMS,
			FrameAdvantage: clampInt8(e.localFrameAdvantage()),
		}})
		sentInput = true
	}

	if !sentInput && now.Sub(e.lastKeepAliveAt) >= core.SendKeepAliveInterval {
		e.lastKeepAliveAt = now
		e.send(wire.Message{Type: wire.MsgKeepAlive})
	}
}

func (e *Endpoint[T]) localFrameAdvantage() int {
	if e.local.LastAddedFrame() == core.NullFrame || e.lastReceivedFrame == core.NullFrame {
		return 0
	}
	return int(e.local.LastAddedFrame() - e.lastReceivedFrame)
}

func clampInt8(v int) int8 {
	if v > 127 {
		return 127
	}
	if v < -128 {
		return -128
	}
	return int8(v)
}

// sendInput transmits at most one Input message covering the window the
// peer has not yet acked, capped at MaxInputBatch frames. It reports
// whether an Input was sent; pollRunning skips the keep-alive when one was.
func (e *Endpoint[T]) sendInput(now time.Time) bool {
	start := e.peerAckedFrame + 1
	if start < e.local.FirstFrame() {
		start = e.local.FirstFrame()
	}
	end := e.local.LastAddedFrame()
	if end == core.NullFrame || start > end {
		return false
	}
	if int(end-start)+1 > core.MaxInputBatch {
		start = end - core.Frame(core.MaxInputBatch) + 1
	}

	n := int(end-start) + 1
	payloads := make([][]byte, n)
	for i := 0; i < n; i++ {
		in, _ := e.local.GetInput(start + core.Frame(i))
		payloads[i] = e.codec.Encode(in.Payload)
	}

	ref := make([]byte, e.codec.Size())
	if start > e.local.FirstFrame() {
		prev, _ := e.local.GetInput(start - 1)
		ref = e.codec.Encode(prev.Payload)
	}

	bits := wire.EncodeInputBatch(ref, payloads)
	hasChecksum := e.pendingChecksumFrame != core.NullFrame
	body := wire.InputBody{
		StartFrame:          start,
		DisconnectRequested: e.wantDisc.Load(),
		AckFrame:            e.lastReceivedFrame,
		InputSize:           e.codec.Size(),
		NumInputs:           n,
		Bits:                bits,
		HasChecksum:         hasChecksum,
	}
	if hasChecksum {
		body.ChecksumFrame = e.pendingChecksumFrame
		body.Checksum = e.pendingChecksum
		e.pendingChecksumFrame = core.NullFrame
	}
	e.send(wire.Message{Type: wire.MsgInput, Input: body})
	return true
}

// HandlePacket decodes and dispatches one datagram already known to be
// addressed to this endpoint. Decode failures and duplicate sequence
// numbers are dropped silently: malformed or replayed packets are a normal,
// recoverable network condition, not a session-level error.
func (e *Endpoint[T]) HandlePacket(now time.Time, data []byte) {
	msg, err := wire.Decode(data)
	if err != nil {
		return
	}
	if msg.Header.Magic != e.magic {
		return
	}
	if e.haveLastRecvSeq && msg.Header.Sequence == e.lastRecvSeq {
		return
	}
	e.lastRecvSeq = msg.Header.Sequence
	e.haveLastRecvSeq = true
	e.lastRecvTime = now
	if e.interrupted.CompareAndSwap(true, false) {
		e.emit(core.Event{Type: core.EventNetworkResumed, Handle: e.handle})
	}

	switch msg.Type {
	case wire.MsgSyncRequest:
		e.send(wire.Message{Type: wire.MsgSyncReply, SyncReply: wire.SyncReplyBody{Random: msg.SyncRequest.Random}})
	case wire.MsgSyncReply:
		e.handleSyncReply(now)
	case wire.MsgInput:
		e.handleInput(msg.Input)
	case wire.MsgInputAck:
		e.advancePeerAck(msg.InputAck.AckFrame)
	case wire.MsgQualityReport:
		e.send(wire.Message{Type: wire.MsgQualityReply, QualityReply: wire.QualityReplyBody{PongMS: msg.QualityReport.PingMS}})
		e.remoteFrameAdvantage = int(msg.QualityReport.FrameAdvantage)
		e.ts.RecordAdvantage(e.localFrameAdvantage(), e.remoteFrameAdvantage)
	case wire.MsgQualityReply:
		sentMS := int64(msg.QualityReply.PongMS)
		e.rtt = time.Duration(now.UnixMilli()-sentMS) * time.Millisecond
	case wire.MsgKeepAlive:
		// lastRecvTime already updated above
	}
}

func (e *Endpoint[T]) handleSyncReply(now time.Time) {
	if e.state != Synchronizing {
		return
	}
	e.syncAcked++
	if e.syncAcked >= core.NumSyncPackets {
		e.state = Running
		e.lastRecvTime = now
		e.emit(core.Event{Type: core.EventSynchronized, Handle: e.handle})
	}
}

func (e *Endpoint[T]) handleInput(body wire.InputBody) {
	// The sender deltas against its input for StartFrame-1, or zeros when the
	// batch starts at its first frame; that input is one we already hold.
	ref := make([]byte, body.InputSize)
	if prev := body.StartFrame - 1; e.lastReceivedFrame != core.NullFrame && prev >= e.remote.FirstFrame() && prev <= e.lastReceivedFrame {
		in, _ := e.remote.GetInput(prev)
		ref = e.codec.Encode(in.Payload)
	}
	payloads, err := wire.DecodeInputBatch(ref, body.InputSize, body.NumInputs, body.Bits)
	if err != nil {
		return
	}
	for i, pb := range payloads {
		f := body.StartFrame + core.Frame(i)
		if e.lastReceivedFrame != core.NullFrame && f <= e.lastReceivedFrame {
			continue
		}
		payload := e.codec.Decode(pb)
		if _, err := e.remote.AddInput(core.PlayerInput[T]{Frame: f, Payload: payload}); err != nil {
			continue
		}
		e.lastReceivedFrame = f
	}
	e.advancePeerAck(body.AckFrame)
	if body.DisconnectRequested {
		e.peerWantsDisc.Store(true)
	}
	if body.HasChecksum {
		e.remoteChecksumFrame = body.ChecksumFrame
		e.remoteChecksum = body.Checksum
		e.remoteChecksumPending = true
	}
}

func (e *Endpoint[T]) advancePeerAck(frame core.Frame) {
	if frame == core.NullFrame {
		return
	}
	if e.peerAckedFrame == core.NullFrame || frame > e.peerAckedFrame {
		e.peerAckedFrame = frame
	}
}
