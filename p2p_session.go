package rollback

import (
	"fmt"
	"net"
	"time"

	"github.com/nullframe/rollback/internal/core"
	"github.com/nullframe/rollback/internal/endpoint"
	"github.com/nullframe/rollback/internal/inputqueue"
	"github.com/nullframe/rollback/internal/logging"
	"github.com/nullframe/rollback/internal/metrics"
	"github.com/nullframe/rollback/internal/spectatorhub"
	"github.com/nullframe/rollback/internal/synclayer"
	"github.com/nullframe/rollback/internal/wire"
	"github.com/nullframe/rollback/transport"
)

type p2pPlayer[T any] struct {
	handle       core.PlayerHandle
	ptype        core.PlayerType
	addr         net.Addr
	queue        *inputqueue.Queue[T]
	ep           *endpoint.Endpoint[T]
	disconnected bool
}

// P2PSession coordinates one local player against any number of remote
// peers over a shared transport.Socket: prediction, rollback, and
// disconnect detection per player, plus an optional broadcast of the local
// player's confirmed input stream to a spectatorhub.Hub.
//
// A P2PSession with zero remote handles never constructs an Endpoint and
// always takes the no-rollback path: current_frame() == confirmed_frame()
// holds after every successful AdvanceFrame, making it usable as a
// same-process, socket-free local session.
//
// current_frame() reports the highest frame actually advanced so far
// (NullFrame before the first successful AdvanceFrame); each AdvanceFrame
// call internally targets current_frame()+1.
type P2PSession[T any] struct {
	codec  Codec[T]
	socket transport.Socket
	magic  uint16

	maxPredictionFrames   int
	sparse                bool
	disconnectTimeout     time.Duration
	disconnectNotifyStart time.Duration
	fps                   int
	frameDelay            map[core.PlayerHandle]int
	desyncDetection       bool
	desyncInterval        int
	lastChecksumQueued    core.Frame
	pendingDesyncFrame    core.Frame

	started    bool
	players    []*p2pPlayer[T]
	byHandle   map[core.PlayerHandle]*p2pPlayer[T]
	byAddrKey  map[string]*p2pPlayer[T]
	nextHandle core.PlayerHandle

	nextSpectatorOrdinal int
	specClients          map[core.PlayerHandle]*spectatorhub.Client
	hub                  *spectatorhub.Hub

	ring           *synclayer.Ring
	currentFrame   core.Frame
	confirmedFrame core.Frame
	lastStallFrame core.Frame

	localInputGiven map[core.PlayerHandle]bool

	failed bool
	events []core.Event
}

// NewP2PSession creates a session with protocol defaults (§6); override
// them via the Set* methods before Start.
func NewP2PSession[T any](codec Codec[T], sock transport.Socket) *P2PSession[T] {
	return &P2PSession[T]{
		codec:                 codec,
		socket:                sock,
		magic:                 core.MagicNumber,
		maxPredictionFrames:   core.DefaultMaxPredictionFrames,
		disconnectTimeout:     core.DefaultDisconnectTimeout,
		disconnectNotifyStart: core.DefaultDisconnectNotifyStart,
		frameDelay:            make(map[core.PlayerHandle]int),
		byHandle:              make(map[core.PlayerHandle]*p2pPlayer[T]),
		byAddrKey:             make(map[string]*p2pPlayer[T]),
		specClients:           make(map[core.PlayerHandle]*spectatorhub.Client),
		hub:                   spectatorhub.New(),
		localInputGiven:       make(map[core.PlayerHandle]bool),
		currentFrame:          core.NullFrame,
		confirmedFrame:        core.NullFrame,
		lastStallFrame:        core.NullFrame,
		lastChecksumQueued:    core.NullFrame,
		pendingDesyncFrame:    core.NullFrame,
	}
}

// AddPlayer registers a local or remote player, or a spectator address.
// Local/remote players may only be added before Start; spectators may be
// added at any time. addr is required for PlayerTypeRemote and
// PlayerTypeSpectator, and ignored for PlayerTypeLocal.
func (s *P2PSession[T]) AddPlayer(ptype core.PlayerType, addr net.Addr) (core.PlayerHandle, error) {
	if ptype == core.PlayerTypeSpectator {
		if addr == nil {
			return 0, fmt.Errorf("%w: spectator requires an address", ErrInvalidRequest)
		}
		h := core.SpectatorHandleOffset + core.PlayerHandle(s.nextSpectatorOrdinal)
		s.nextSpectatorOrdinal++
		s.specClients[h] = s.hub.Add(addr, s.socket)
		return h, nil
	}
	if s.started {
		return 0, fmt.Errorf("%w: cannot add a player after start_session", ErrInvalidRequest)
	}
	if ptype == core.PlayerTypeRemote && addr == nil {
		return 0, fmt.Errorf("%w: remote player requires an address", ErrInvalidRequest)
	}
	h := s.nextHandle
	s.nextHandle++
	p := &p2pPlayer[T]{handle: h, ptype: ptype, addr: addr}
	s.players = append(s.players, p)
	s.byHandle[h] = p
	if addr != nil {
		s.byAddrKey[addr.String()] = p
	}
	return h, nil
}

// SetFrameDelay sets the local input delay applied to handle (only
// meaningful for local players).
func (s *P2PSession[T]) SetFrameDelay(handle core.PlayerHandle, frames int) error {
	p, ok := s.byHandle[handle]
	if !ok || p.ptype != core.PlayerTypeLocal {
		return fmt.Errorf("%w: not a local handle", ErrInvalidRequest)
	}
	s.frameDelay[handle] = frames
	if p.queue != nil {
		p.queue.SetFrameDelay(frames)
	}
	return nil
}

// SetSparseSaving toggles sparse saving (§4.5): save callbacks are only
// requested at the last confirmed frame rather than every advanced frame.
func (s *P2PSession[T]) SetSparseSaving(sparse bool) { s.sparse = sparse }

// SetFPS records the host's simulation rate. It does not change protocol
// timing; it is surfaced for host-side pacing/diagnostics only.
func (s *P2PSession[T]) SetFPS(fps int) { s.fps = fps }

// SetDisconnectTimeout overrides DefaultDisconnectTimeout for endpoints
// created by Start.
func (s *P2PSession[T]) SetDisconnectTimeout(d time.Duration) { s.disconnectTimeout = d }

// SetDisconnectNotifyStart overrides DefaultDisconnectNotifyStart for
// endpoints created by Start.
func (s *P2PSession[T]) SetDisconnectNotifyStart(d time.Duration) { s.disconnectNotifyStart = d }

// SetDesyncDetection opts this P2P session into periodic checksum exchange:
// every intervalFrames confirmed frames, each remote endpoint piggybacks the
// local save checksum for that frame on its next Input message, and a
// mismatch against the value the peer reports back surfaces as
// EventDesyncDetected. Unlike SyncTestSession, this never rolls back; it
// only reports disagreement, since by the time it is detected the confirmed
// frame is long past resimulating. Disabled by default because it requires
// the host to return a real per-frame checksum from save requests (nil
// payloads fall back to the sync layer's input-derived checksum instead of
// a true state hash, which would make every comparison meaningless).
func (s *P2PSession[T]) SetDesyncDetection(enabled bool, intervalFrames int) error {
	if enabled && intervalFrames < 1 {
		return fmt.Errorf("%w: desync interval must be >= 1", ErrInvalidRequest)
	}
	s.desyncDetection = enabled
	s.desyncInterval = intervalFrames
	return nil
}

// SetMaxPredictionFrames overrides DefaultMaxPredictionFrames. Must be
// called before Start.
func (s *P2PSession[T]) SetMaxPredictionFrames(n int) error {
	if s.started {
		return fmt.Errorf("%w: cannot change max_prediction_frames after start_session", ErrInvalidRequest)
	}
	s.maxPredictionFrames = n
	return nil
}

// Start finalizes player registration, allocates input queues and the save
// ring, and constructs one Endpoint per remote player. The session
// currently supports exactly one local player per instance: the wire
// protocol multiplexes one outgoing input stream per Endpoint, and
// supporting several local players would require either N parallel
// streams per peer or a merged per-tick payload type, neither of which
// this spec's Codec[T] shape expresses. Host-side split-screen is
// supported by running N sessions, one per local player.
func (s *P2PSession[T]) Start() error {
	if s.started {
		return fmt.Errorf("%w: session already started", ErrInvalidRequest)
	}
	var local *p2pPlayer[T]
	localCount := 0
	for _, p := range s.players {
		if p.ptype == core.PlayerTypeLocal {
			local = p
			localCount++
		}
	}
	if localCount != 1 {
		return fmt.Errorf("%w: session requires exactly one local player, got %d", ErrInvalidRequest, localCount)
	}

	s.ring = synclayer.NewRing(s.maxPredictionFrames)
	for _, p := range s.players {
		qcap := inputqueue.Capacity(s.maxPredictionFrames, s.frameDelay[p.handle])
		p.queue = inputqueue.New[T](s.codec, qcap)
		if p.ptype == core.PlayerTypeLocal {
			p.queue.SetFrameDelay(s.frameDelay[p.handle])
		}
	}
	for _, p := range s.players {
		if p.ptype != core.PlayerTypeRemote {
			continue
		}
		p.ep = endpoint.New[T](s.codec, s.socket, p.addr, p.handle, s.magic, local.queue, p.queue,
			endpoint.WithDisconnectTimeout[T](s.disconnectTimeout),
			endpoint.WithDisconnectNotifyStart[T](s.disconnectNotifyStart),
		)
	}
	s.currentFrame = core.NullFrame
	s.confirmedFrame = core.NullFrame
	s.lastChecksumQueued = core.NullFrame
	s.pendingDesyncFrame = core.NullFrame
	s.started = true
	return nil
}

// AddLocalInput records this tick's input for a local handle. It must be
// called once for every local handle before AdvanceFrame.
func (s *P2PSession[T]) AddLocalInput(handle core.PlayerHandle, payload T) error {
	if !s.started {
		return ErrNotSynchronized
	}
	p, ok := s.byHandle[handle]
	if !ok || p.ptype != core.PlayerTypeLocal {
		return fmt.Errorf("%w: not a local handle", ErrInvalidRequest)
	}
	next := s.currentFrame + 1
	if _, err := p.queue.AddInput(core.PlayerInput[T]{Frame: next, Payload: payload}); err != nil {
		if err == inputqueue.ErrPredictionThreshold {
			return ErrPredictionThreshold
		}
		return err
	}
	s.localInputGiven[handle] = true
	return nil
}

// PollRemoteClients drains the socket, feeds every inbound datagram to its
// owning Endpoint, and drives each Endpoint's timers. now should be the
// host's current wall-clock time; threading it through explicitly (rather
// than calling time.Now internally) keeps the protocol state machine
// deterministic under test.
func (s *P2PSession[T]) PollRemoteClients(now time.Time) error {
	packets, err := s.socket.ReceiveAll()
	if err != nil {
		return err
	}
	for _, pkt := range packets {
		metrics.IncPacketsReceived()
		p, ok := s.byAddrKey[pkt.Addr.String()]
		if !ok || p.ep == nil {
			metrics.IncPacketsDropped()
			continue
		}
		p.ep.HandlePacket(now, pkt.Data)
	}
	for _, p := range s.players {
		if p.ep == nil {
			continue
		}
		wasDisconnected := p.ep.State() == endpoint.Disconnected
		p.ep.Poll(now)
		for _, ev := range p.ep.DrainEvents() {
			s.events = append(s.events, ev)
		}
		if !wasDisconnected && p.ep.State() == endpoint.Disconnected && !p.disconnected {
			s.forceDisconnect(p)
		}
	}
	s.checkDesyncSamples()
	return nil
}

// forceDisconnect marks p's queue Disconnected from the earliest frame not
// yet confirmed, so the next AdvanceFrame rolls back and replays p's
// remaining frames with InputDisconnected instead of a stale prediction.
func (s *P2PSession[T]) forceDisconnect(p *p2pPlayer[T]) {
	p.disconnected = true
	from := p.queue.PredictionStart()
	if from == core.NullFrame {
		from = p.ep.LastReceivedFrame() + 1
	}
	p.queue.ForceRollbackFrom(from)
}

// DisconnectPlayer forcibly disconnects handle (host-initiated, e.g. a
// kick), independent of protocol timeout.
func (s *P2PSession[T]) DisconnectPlayer(handle core.PlayerHandle) error {
	if c, ok := s.specClients[handle]; ok {
		s.hub.Remove(c)
		delete(s.specClients, handle)
		return nil
	}
	p, ok := s.byHandle[handle]
	if !ok || p.ptype != core.PlayerTypeRemote {
		return fmt.Errorf("%w: not a remote handle", ErrInvalidRequest)
	}
	if p.disconnected {
		return ErrPlayerDisconnected
	}
	p.ep.RequestDisconnect()
	s.forceDisconnect(p)
	s.events = append(s.events, core.Event{Type: core.EventDisconnected, Handle: handle})
	return nil
}

// AdvanceFrame decides whether to stall, predict-block, or advance, then
// delegates to the sync layer (§4.5) and returns the request list the host
// must fulfill before the next call.
func (s *P2PSession[T]) AdvanceFrame() ([]Request[T], error) {
	if !s.started {
		return nil, ErrNotSynchronized
	}
	if s.failed {
		return nil, ErrSaveRingExhausted
	}

	var remotes []*p2pPlayer[T]
	var local *p2pPlayer[T]
	for _, p := range s.players {
		switch p.ptype {
		case core.PlayerTypeRemote:
			remotes = append(remotes, p)
		case core.PlayerTypeLocal:
			local = p
		}
	}

	s.flushPendingDesyncChecksum(remotes)

	next := s.currentFrame + 1

	minConfirmed := next
	unknown := false
	activeRemotes := 0
	for _, p := range remotes {
		if p.disconnected {
			// A disconnected peer no longer gates progress: its remaining
			// frames are forced to InputDisconnected by forceDisconnect's
			// rollback rather than waited on here.
			continue
		}
		activeRemotes++
		if p.ep.State() != endpoint.Running {
			return nil, ErrNotSynchronized
		}
		lr := p.ep.LastReceivedFrame()
		if lr == core.NullFrame {
			unknown = true
			continue
		}
		if lr < minConfirmed {
			minConfirmed = lr
		}
	}
	if unknown {
		minConfirmed = core.NullFrame
	}
	if minConfirmed != core.NullFrame && next-minConfirmed >= core.Frame(s.maxPredictionFrames) {
		return nil, ErrPredictionThreshold
	}

	if activeRemotes > 0 {
		maxStall := 0
		for _, p := range remotes {
			if p.disconnected {
				continue
			}
			if r := p.ep.RecommendedStall(); r > maxStall {
				maxStall = r
			}
		}
		if maxStall > core.FrameWindowSize &&
			(s.lastStallFrame == core.NullFrame || next-s.lastStallFrame >= core.Frame(core.MinFrameAdvantage)) {
			s.lastStallFrame = next
			s.events = append(s.events, core.Event{Type: core.EventWaitRecommendation, SkipFrames: 1})
			return nil, nil
		}
	}

	if !s.localInputGiven[local.handle] {
		return nil, ErrInvalidRequest
	}

	queues := make([]synclayer.Queue[T], len(s.players))
	disconnected := make([]bool, len(s.players))
	for i, p := range s.players {
		queues[i] = p.queue
		disconnected[i] = p.disconnected
	}

	confirmedTarget := minConfirmed
	reqs, err := synclayer.BuildRequests[T](s.ring, queues, next, confirmedTarget, disconnected, s.sparse, s.codec.Encode)
	if err != nil {
		s.failed = true
		logging.L().Error("save_ring_exhausted", "frame", next)
		metrics.IncError(metrics.ErrSaveRingExhausted)
		return nil, ErrSaveRingExhausted
	}
	if len(reqs) > 0 && reqs[0].Kind == RequestLoadGameState {
		metrics.RecordRollback(int(next - reqs[0].Frame))
	}

	delete(s.localInputGiven, local.handle)
	s.currentFrame = next
	s.confirmedFrame = confirmedTarget
	if s.desyncDetection {
		s.pendingDesyncFrame = confirmedTarget
	}

	s.broadcastToSpectators(local)
	return reqs, nil
}

// flushPendingDesyncChecksum piggybacks this session's locally-saved
// checksum for the PREVIOUS tick's confirmed frame on each active remote's
// next Input message, once per desyncInterval frames, when
// SetDesyncDetection is enabled. It runs at the top of AdvanceFrame rather
// than right after BuildRequests produced that frame's SaveGameState
// request, because the host is only guaranteed to have fulfilled that
// request by the *next* AdvanceFrame call (the same one-tick lag
// SyncTestSession's checksum verification relies on). The save ring may
// have already overwritten frame's cell by the time a later frame confirms;
// Cell.Frame still matching frame is what tells us the checksum we would
// send is actually for this frame and not some unrelated, reused slot.
func (s *P2PSession[T]) flushPendingDesyncChecksum(remotes []*p2pPlayer[T]) {
	if !s.desyncDetection || s.pendingDesyncFrame == core.NullFrame {
		return
	}
	frame := s.pendingDesyncFrame
	s.pendingDesyncFrame = core.NullFrame
	if int(frame)%s.desyncInterval != 0 || frame == s.lastChecksumQueued {
		return
	}
	cell := s.ring.CellFor(frame)
	if cell.Frame != frame {
		return
	}
	_, checksum, _ := cell.Load()
	s.lastChecksumQueued = frame
	for _, p := range remotes {
		if p.disconnected {
			continue
		}
		p.ep.QueueChecksum(frame, checksum)
	}
}

// checkDesyncSamples drains any desync-detection checksum samples each
// remote has reported and compares them against this session's own save for
// that frame, surfacing EventDesyncDetected on mismatch. It never rolls
// back: by the time a sample round-trips, the confirmed frame it names is
// long past resimulating, so all this can do is report the disagreement.
func (s *P2PSession[T]) checkDesyncSamples() {
	if !s.desyncDetection {
		return
	}
	for _, p := range s.players {
		if p.ptype != core.PlayerTypeRemote || p.ep == nil {
			continue
		}
		frame, remoteChecksum, ok := p.ep.TakeRemoteChecksum()
		if !ok {
			continue
		}
		cell := s.ring.CellFor(frame)
		if cell.Frame != frame {
			continue
		}
		_, localChecksum, _ := cell.Load()
		if localChecksum != remoteChecksum {
			metrics.IncError(metrics.ErrDesync)
			s.events = append(s.events, core.Event{
				Type:           core.EventDesyncDetected,
				Handle:         p.handle,
				Frame:          frame,
				LocalChecksum:  localChecksum,
				RemoteChecksum: remoteChecksum,
			})
		}
	}
}

// broadcastToSpectators fans the local player's now-confirmed input out to
// any registered spectator addresses, single frame per tick. A spectator
// treats this exactly like an Endpoint's Input message (§4.7).
func (s *P2PSession[T]) broadcastToSpectators(local *p2pPlayer[T]) {
	if s.hub.Count() == 0 || s.confirmedFrame == core.NullFrame {
		return
	}
	in, _ := local.queue.GetInput(s.confirmedFrame)
	enc := s.codec.Encode(in.Payload)
	ref := make([]byte, s.codec.Size())
	if s.confirmedFrame > local.queue.FirstFrame() {
		prev, _ := local.queue.GetInput(s.confirmedFrame - 1)
		ref = s.codec.Encode(prev.Payload)
	}
	bits := wire.EncodeInputBatch(ref, [][]byte{enc})
	msg := wire.Message{Type: wire.MsgInput, Input: wire.InputBody{
		StartFrame: s.confirmedFrame,
		AckFrame:   core.NullFrame,
		InputSize:  s.codec.Size(),
		NumInputs:  1,
		Bits:       bits,
	}}
	s.hub.Broadcast(wire.Encode(msg))
}

// Events drains and returns events accumulated since the last call.
func (s *P2PSession[T]) Events() []core.Event {
	ev := s.events
	s.events = nil
	return ev
}

// NetworkStats reports connection diagnostics for a remote handle.
func (s *P2PSession[T]) NetworkStats(handle core.PlayerHandle) (NetworkStats, error) {
	p, ok := s.byHandle[handle]
	if !ok || p.ptype != core.PlayerTypeRemote {
		return NetworkStats{}, fmt.Errorf("%w: not a remote handle", ErrInvalidRequest)
	}
	st := p.ep.Stats()
	return NetworkStats{
		Ping:                 st.RTT,
		LocalFrameAdvantage:  float64(st.LocalFrameAdvantage),
		RemoteFrameAdvantage: float64(st.RemoteFrameAdvantage),
		SendQueueLen:         st.SendQueueLen,
		RecvQueueLen:         st.RecvQueueLen,
		KbpsSent:             st.KbpsSent,
		LastReceivedFrame:    st.LastReceivedFrame,
		LastAckedFrame:       st.LastAckedFrame,
	}, nil
}

// CurrentFrame is the highest frame advance_frame has simulated so far
// (NullFrame before the first successful call).
func (s *P2PSession[T]) CurrentFrame() core.Frame { return s.currentFrame }

// ConfirmedFrame is the highest frame with no outstanding prediction across
// any player.
func (s *P2PSession[T]) ConfirmedFrame() core.Frame { return s.confirmedFrame }

// FramesAhead is current_frame - confirmed_frame.
func (s *P2PSession[T]) FramesAhead() int { return int(s.currentFrame - s.confirmedFrame) }
