package rollback

import (
	"errors"
	"testing"
	"time"

	"github.com/nullframe/rollback/internal/core"
)

func TestP2PSessionRequiresExactlyOneLocalPlayer(t *testing.T) {
	s := NewP2PSession[byte](byteCodec{}, nullSocket{})
	if err := s.Start(); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("Start with zero players: err = %v, want ErrInvalidRequest", err)
	}

	s2 := NewP2PSession[byte](byteCodec{}, nullSocket{})
	if _, err := s2.AddPlayer(PlayerTypeLocal, nil); err != nil {
		t.Fatalf("AddPlayer local: %v", err)
	}
	if _, err := s2.AddPlayer(PlayerTypeLocal, nil); err != nil {
		t.Fatalf("AddPlayer second local: %v", err)
	}
	if err := s2.Start(); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("Start with two locals: err = %v, want ErrInvalidRequest", err)
	}
}

func TestP2PSessionLocalPassThrough(t *testing.T) {
	s := NewP2PSession[byte](byteCodec{}, nullSocket{})
	h, err := s.AddPlayer(PlayerTypeLocal, nil)
	if err != nil {
		t.Fatalf("AddPlayer: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	for tick := byte(0); tick < 10; tick++ {
		if err := s.AddLocalInput(h, tick); err != nil {
			t.Fatalf("tick %d: AddLocalInput: %v", tick, err)
		}
		reqs, err := s.AdvanceFrame()
		if err != nil {
			t.Fatalf("tick %d: AdvanceFrame: %v", tick, err)
		}
		advanced := applyAll(reqs)
		if len(advanced) != 1 || advanced[0] != Frame(tick) {
			t.Fatalf("tick %d: advanced frames = %v, want [%d]", tick, advanced, tick)
		}
		if s.CurrentFrame() != s.ConfirmedFrame() {
			t.Fatalf("tick %d: current_frame %d != confirmed_frame %d", tick, s.CurrentFrame(), s.ConfirmedFrame())
		}
		if s.FramesAhead() != 0 {
			t.Fatalf("tick %d: frames_ahead = %d, want 0", tick, s.FramesAhead())
		}
	}
	if s.CurrentFrame() != 9 {
		t.Fatalf("final current_frame = %d, want 9", s.CurrentFrame())
	}
}

func TestP2PSessionAdvanceWithoutLocalInputFails(t *testing.T) {
	s := NewP2PSession[byte](byteCodec{}, nullSocket{})
	if _, err := s.AddPlayer(PlayerTypeLocal, nil); err != nil {
		t.Fatalf("AddPlayer: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := s.AdvanceFrame(); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("AdvanceFrame without input: err = %v, want ErrInvalidRequest", err)
	}
}

// pairedSessions wires two P2PSessions together over an in-memory socket
// pair, one local player each, and runs the handshake to completion.
func pairedSessions(t *testing.T) (sessA, sessB *P2PSession[byte], localA, localB, remA, remB PlayerHandle, now time.Time) {
	t.Helper()
	sockA, sockB := newSocketPair("A", "B")
	sessA = NewP2PSession[byte](byteCodec{}, sockA)
	sessB = NewP2PSession[byte](byteCodec{}, sockB)

	var err error
	localA, err = sessA.AddPlayer(PlayerTypeLocal, nil)
	if err != nil {
		t.Fatalf("A: AddPlayer local: %v", err)
	}
	remA, err = sessA.AddPlayer(PlayerTypeRemote, sockB.addr)
	if err != nil {
		t.Fatalf("A: AddPlayer remote: %v", err)
	}
	localB, err = sessB.AddPlayer(PlayerTypeLocal, nil)
	if err != nil {
		t.Fatalf("B: AddPlayer local: %v", err)
	}
	remB, err = sessB.AddPlayer(PlayerTypeRemote, sockA.addr)
	if err != nil {
		t.Fatalf("B: AddPlayer remote: %v", err)
	}
	if err := sessA.Start(); err != nil {
		t.Fatalf("A: Start: %v", err)
	}
	if err := sessB.Start(); err != nil {
		t.Fatalf("B: Start: %v", err)
	}

	now = time.Now()
	syncedA, syncedB := false, false
	for i := 0; i < 40; i++ {
		if err := sessA.PollRemoteClients(now); err != nil {
			t.Fatalf("A: PollRemoteClients: %v", err)
		}
		if err := sessB.PollRemoteClients(now); err != nil {
			t.Fatalf("B: PollRemoteClients: %v", err)
		}
		for _, ev := range sessA.Events() {
			if ev.Type == EventSynchronized {
				syncedA = true
			}
		}
		for _, ev := range sessB.Events() {
			if ev.Type == EventSynchronized {
				syncedB = true
			}
		}
		now = now.Add(core.SyncRetryIntervalMax + time.Millisecond)
		if syncedA && syncedB {
			break
		}
	}
	if !syncedA || !syncedB {
		t.Fatalf("handshake did not complete within 40 polls: syncedA=%v syncedB=%v", syncedA, syncedB)
	}
	return sessA, sessB, localA, localB, remA, remB, now
}

func TestP2PSessionTwoPlayerSteadyState(t *testing.T) {
	sessA, sessB, localA, localB, _, _, now := pairedSessions(t)

	for tick := byte(0); tick < 8; tick++ {
		if err := sessA.AddLocalInput(localA, tick); err != nil {
			t.Fatalf("tick %d: A AddLocalInput: %v", tick, err)
		}
		if err := sessB.AddLocalInput(localB, tick+100); err != nil {
			t.Fatalf("tick %d: B AddLocalInput: %v", tick, err)
		}
		// Pump the in-memory link until each side has the other's input
		// for this tick; memSocket delivers instantly so two round trips
		// suffice.
		for i := 0; i < 3; i++ {
			_ = sessA.PollRemoteClients(now)
			_ = sessB.PollRemoteClients(now)
		}

		reqsA, err := sessA.AdvanceFrame()
		if err != nil {
			t.Fatalf("tick %d: A AdvanceFrame: %v", tick, err)
		}
		reqsB, err := sessB.AdvanceFrame()
		if err != nil {
			t.Fatalf("tick %d: B AdvanceFrame: %v", tick, err)
		}
		applyAll(reqsA)
		applyAll(reqsB)

		if sessA.CurrentFrame() != Frame(tick) {
			t.Fatalf("tick %d: A current_frame = %d", tick, sessA.CurrentFrame())
		}
		if sessA.ConfirmedFrame() != sessA.CurrentFrame() {
			t.Fatalf("tick %d: A confirmed_frame %d != current_frame %d (unexpected prediction)", tick, sessA.ConfirmedFrame(), sessA.CurrentFrame())
		}
		if sessB.ConfirmedFrame() != sessB.CurrentFrame() {
			t.Fatalf("tick %d: B confirmed_frame %d != current_frame %d", tick, sessB.ConfirmedFrame(), sessB.CurrentFrame())
		}

		now = now.Add(16 * time.Millisecond)
	}
}

func TestP2PSessionDisconnectMidGame(t *testing.T) {
	sessA, sessB, localA, localB, remA, _, now := pairedSessions(t)

	for tick := byte(0); tick < 3; tick++ {
		if err := sessA.AddLocalInput(localA, tick); err != nil {
			t.Fatalf("A AddLocalInput: %v", err)
		}
		if err := sessB.AddLocalInput(localB, tick); err != nil {
			t.Fatalf("B AddLocalInput: %v", err)
		}
		for i := 0; i < 3; i++ {
			_ = sessA.PollRemoteClients(now)
			_ = sessB.PollRemoteClients(now)
		}
		if _, err := sessA.AdvanceFrame(); err != nil {
			t.Fatalf("A AdvanceFrame: %v", err)
		}
		if _, err := sessB.AdvanceFrame(); err != nil {
			t.Fatalf("B AdvanceFrame: %v", err)
		}
		now = now.Add(16 * time.Millisecond)
	}

	// B goes silent. A keeps polling with no inbound traffic until the
	// disconnect timeout elapses.
	disconnected := false
	for i := 0; i < 40 && !disconnected; i++ {
		now = now.Add(core.DefaultDisconnectTimeout / 10)
		if err := sessA.PollRemoteClients(now); err != nil {
			t.Fatalf("A PollRemoteClients: %v", err)
		}
		for _, ev := range sessA.Events() {
			if ev.Type == EventDisconnected && ev.Handle == remA {
				disconnected = true
			}
		}
	}
	if !disconnected {
		t.Fatalf("A never observed remote disconnect")
	}

	// A must keep advancing, tagging remA's input Disconnected.
	for tick := 0; tick < 3; tick++ {
		if err := sessA.AddLocalInput(localA, byte(tick)); err != nil {
			t.Fatalf("post-disconnect AddLocalInput: %v", err)
		}
		reqs, err := sessA.AdvanceFrame()
		if err != nil {
			t.Fatalf("post-disconnect AdvanceFrame: %v", err)
		}
		applyAll(reqs)
		sawDisconnectedStatus := false
		for _, r := range reqs {
			if r.Kind != RequestAdvanceFrame {
				continue
			}
			for _, st := range r.Statuses {
				if st == InputDisconnected {
					sawDisconnectedStatus = true
				}
			}
		}
		if !sawDisconnectedStatus {
			t.Fatalf("tick %d: no Disconnected-tagged input after remote disconnect", tick)
		}
	}
}

func TestP2PSessionDisconnectPlayerHostInitiated(t *testing.T) {
	sessA, _, localA, _, remA, _, _ := pairedSessions(t)

	if err := sessA.DisconnectPlayer(remA); err != nil {
		t.Fatalf("DisconnectPlayer: %v", err)
	}
	if err := sessA.DisconnectPlayer(remA); !errors.Is(err, ErrPlayerDisconnected) {
		t.Fatalf("second DisconnectPlayer: err = %v, want ErrPlayerDisconnected", err)
	}

	sawEvent := false
	for _, ev := range sessA.Events() {
		if ev.Type == EventDisconnected && ev.Handle == remA {
			sawEvent = true
		}
	}
	if !sawEvent {
		t.Fatalf("DisconnectPlayer did not emit a Disconnected event")
	}

	if err := sessA.AddLocalInput(localA, 1); err != nil {
		t.Fatalf("AddLocalInput after host-initiated disconnect: %v", err)
	}
	if _, err := sessA.AdvanceFrame(); err != nil {
		t.Fatalf("AdvanceFrame after host-initiated disconnect: %v", err)
	}
}

// TestP2PSessionDesyncDetection drives two synced sessions with desync
// detection enabled: first a run of frames where both sides save identical
// checksums (expect zero DesyncDetected events, matching scenario (a)'s "no
// desync" expectation), then one frame where B's host deliberately saves a
// wrong checksum, proving A surfaces the mismatch once B's sample arrives.
func TestP2PSessionDesyncDetection(t *testing.T) {
	sessA, sessB, localA, localB, remA, _, now := pairedSessions(t)
	if err := sessA.SetDesyncDetection(true, 1); err != nil {
		t.Fatalf("A SetDesyncDetection: %v", err)
	}
	if err := sessB.SetDesyncDetection(true, 1); err != nil {
		t.Fatalf("B SetDesyncDetection: %v", err)
	}

	pump := func() {
		for i := 0; i < 3; i++ {
			_ = sessA.PollRemoteClients(now)
			_ = sessB.PollRemoteClients(now)
		}
		now = now.Add(16 * time.Millisecond)
	}

	desyncEvents := func(s *P2PSession[byte]) []core.Event {
		var out []core.Event
		for _, ev := range s.Events() {
			if ev.Type == EventDesyncDetected {
				out = append(out, ev)
			}
		}
		return out
	}

	// B's sample for frame F goes out on B's next Input, which reaches A in
	// the pump that closes tick F+1. Corrupting frame 6 keeps it past the
	// last in-loop check (tick 7) that expects no DesyncDetected yet.
	const corruptAt = Frame(6)
	for tick := byte(0); tick < 8; tick++ {
		if err := sessA.AddLocalInput(localA, tick); err != nil {
			t.Fatalf("tick %d: A AddLocalInput: %v", tick, err)
		}
		if err := sessB.AddLocalInput(localB, tick); err != nil {
			t.Fatalf("tick %d: B AddLocalInput: %v", tick, err)
		}
		pump()

		reqsA, err := sessA.AdvanceFrame()
		if err != nil {
			t.Fatalf("tick %d: A AdvanceFrame: %v", tick, err)
		}
		reqsB, err := sessB.AdvanceFrame()
		if err != nil {
			t.Fatalf("tick %d: B AdvanceFrame: %v", tick, err)
		}
		applyAll(reqsA)
		for _, r := range reqsB {
			if r.Kind == RequestSaveGameState && r.Frame == corruptAt {
				r.Cell.Save(r.Frame, []byte{byte(r.Frame)}, uint16(r.Frame)+1)
				continue
			}
			if r.Kind == RequestSaveGameState {
				r.Cell.Save(r.Frame, []byte{byte(r.Frame)}, uint16(r.Frame))
			}
		}

		if len(desyncEvents(sessA)) != 0 {
			t.Fatalf("tick %d: unexpected DesyncDetected before corruption round-trips", tick)
		}
		pump()
	}

	// A few more idle rounds for B's corrupted-frame sample to round-trip.
	sawMismatch := false
	var gotEvent core.Event
	for i := 0; i < 4 && !sawMismatch; i++ {
		if err := sessA.AddLocalInput(localA, 0); err != nil {
			t.Fatalf("keepalive AddLocalInput A: %v", err)
		}
		if err := sessB.AddLocalInput(localB, 0); err != nil {
			t.Fatalf("keepalive AddLocalInput B: %v", err)
		}
		pump()
		if _, err := sessA.AdvanceFrame(); err != nil {
			t.Fatalf("keepalive A AdvanceFrame: %v", err)
		}
		if _, err := sessB.AdvanceFrame(); err != nil {
			t.Fatalf("keepalive B AdvanceFrame: %v", err)
		}
		for _, ev := range desyncEvents(sessA) {
			sawMismatch = true
			gotEvent = ev
		}
		pump()
	}
	if !sawMismatch {
		t.Fatalf("A never observed DesyncDetected for B's corrupted frame %d", corruptAt)
	}
	if gotEvent.Frame != corruptAt || gotEvent.Handle != remA {
		t.Fatalf("DesyncDetected = %+v, want frame=%d handle=%d", gotEvent, corruptAt, remA)
	}
	if gotEvent.LocalChecksum == gotEvent.RemoteChecksum {
		t.Fatalf("DesyncDetected local/remote checksums should differ, got both %d", gotEvent.LocalChecksum)
	}
}

// TestP2PSessionPredictionThresholdBackpressure mirrors scenario (f): once
// the remote stops sending, A's AdvanceFrame must eventually return
// ErrPredictionThreshold rather than silently predicting forever, and must
// resume advancing normally once B's traffic returns.
func TestP2PSessionPredictionThresholdBackpressure(t *testing.T) {
	sessA, sessB, localA, localB, _, _, now := pairedSessions(t)
	// pairedSessions has already called Start, after which
	// SetMaxPredictionFrames is rejected; both sessions run with the default.
	if DefaultMaxPredictionFrames != 8 {
		t.Fatalf("DefaultMaxPredictionFrames = %d, want 8", DefaultMaxPredictionFrames)
	}

	tick := byte(0)
	advanceBoth := func() {
		if err := sessA.AddLocalInput(localA, tick); err != nil {
			t.Fatalf("tick %d: A AddLocalInput: %v", tick, err)
		}
		if err := sessB.AddLocalInput(localB, tick); err != nil {
			t.Fatalf("tick %d: B AddLocalInput: %v", tick, err)
		}
		for i := 0; i < 3; i++ {
			_ = sessA.PollRemoteClients(now)
			_ = sessB.PollRemoteClients(now)
		}
		if _, err := sessA.AdvanceFrame(); err != nil {
			t.Fatalf("tick %d: A AdvanceFrame: %v", tick, err)
		}
		if _, err := sessB.AdvanceFrame(); err != nil {
			t.Fatalf("tick %d: B AdvanceFrame: %v", tick, err)
		}
		now = now.Add(16 * time.Millisecond)
		tick++
	}

	// A few normal frames first, so A has actually received at least one
	// input from B (before that, "unknown" confirmed frame status never
	// gates progress, per AdvanceFrame's own unknown-minConfirmed handling).
	for i := 0; i < 3; i++ {
		advanceBoth()
	}
	blockedAt := sessA.CurrentFrame()

	// B goes silent: stop driving sessB entirely, so A's view of B's
	// last-received frame freezes at blockedAt. AddLocalInput must only be
	// called once per genuinely new "next" frame: the input queue enforces
	// strict per-frame contiguity, and a frame that ErrPredictionThreshold
	// blocked is still queued (localInputGiven is only cleared once
	// AdvanceFrame actually advances), so retrying while blocked means
	// polling and calling AdvanceFrame again without re-adding input.
	hitThreshold := false
	var lastErr error
	needInput := true
	for i := 0; i < 20; i++ {
		if needInput {
			if err := sessA.AddLocalInput(localA, byte(i)); err != nil {
				t.Fatalf("post-block AddLocalInput: %v", err)
			}
		}
		_ = sessA.PollRemoteClients(now)
		now = now.Add(16 * time.Millisecond)
		_, err := sessA.AdvanceFrame()
		if err == ErrPredictionThreshold {
			hitThreshold = true
			lastErr = err
			needInput = false
			break
		}
		if err != nil {
			t.Fatalf("post-block AdvanceFrame: unexpected error %v", err)
		}
		needInput = true
	}
	if !hitThreshold {
		t.Fatalf("A never returned ErrPredictionThreshold after B went silent (blocked at frame %d)", blockedAt)
	}
	if lastErr != ErrPredictionThreshold {
		t.Fatalf("err = %v, want ErrPredictionThreshold", lastErr)
	}
	if int(sessA.CurrentFrame()-blockedAt) != 7 {
		t.Fatalf("threshold reached after %d advanced frames past block, want 7 (max_prediction_frames-1)", sessA.CurrentFrame()-blockedAt)
	}

	// A must keep returning ErrPredictionThreshold, not silently resetting,
	// as long as B stays silent. The blocked frame's input is already
	// queued, so no further AddLocalInput is needed (or valid).
	if _, err := sessA.AdvanceFrame(); err != ErrPredictionThreshold {
		t.Fatalf("repeat AdvanceFrame while still blocked: err = %v, want ErrPredictionThreshold", err)
	}

	// B resumes: A must catch up again without error. The first advance
	// after resuming consumes the input already queued for the blocked
	// frame, so that one tick must not add A input again either.
	resumeBoth := func(addInputA bool) {
		if addInputA {
			if err := sessA.AddLocalInput(localA, tick); err != nil {
				t.Fatalf("resume tick %d: A AddLocalInput: %v", tick, err)
			}
		}
		if err := sessB.AddLocalInput(localB, tick); err != nil {
			t.Fatalf("resume tick %d: B AddLocalInput: %v", tick, err)
		}
		for i := 0; i < 3; i++ {
			_ = sessA.PollRemoteClients(now)
			_ = sessB.PollRemoteClients(now)
		}
		if _, err := sessA.AdvanceFrame(); err != nil {
			t.Fatalf("resume tick %d: A AdvanceFrame: %v", tick, err)
		}
		if _, err := sessB.AdvanceFrame(); err != nil {
			t.Fatalf("resume tick %d: B AdvanceFrame: %v", tick, err)
		}
		now = now.Add(16 * time.Millisecond)
		tick++
	}
	resumeBoth(false)
	for i := 0; i < 6; i++ {
		resumeBoth(true)
	}
	if sessA.CurrentFrame() != sessA.ConfirmedFrame() {
		t.Fatalf("after resume: A current_frame %d != confirmed_frame %d", sessA.CurrentFrame(), sessA.ConfirmedFrame())
	}
}

func TestP2PSessionNetworkStatsRejectsNonRemoteHandle(t *testing.T) {
	s := NewP2PSession[byte](byteCodec{}, nullSocket{})
	h, _ := s.AddPlayer(PlayerTypeLocal, nil)
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := s.NetworkStats(h); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("NetworkStats(local handle): err = %v, want ErrInvalidRequest", err)
	}
}
