package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/nullframe/rollback"
	"github.com/nullframe/rollback/transport"
)

// runP2P drives a two-peer lockstep session over UDP. "host" and "join" are
// the same symmetric P2PSession on both ends (§4.6 is peer-to-peer, not
// client/server); the two mode names exist only so an operator can tell
// each side which one binds first and which one dials out.
func runP2P(ctx context.Context, cfg *appConfig, l *slog.Logger) error {
	sock, err := transport.NewUDPSocket(cfg.listenAddr)
	if err != nil {
		return fmt.Errorf("%w: %v", rollback.ErrSocketCreationFailed, err)
	}
	defer sock.Close()

	peerAddr, err := net.ResolveUDPAddr("udp", cfg.peerAddr)
	if err != nil {
		return fmt.Errorf("resolve peer address %q: %w", cfg.peerAddr, err)
	}

	sess := rollback.NewP2PSession[inputBits](byteCodec{}, sock)
	sess.SetSparseSaving(cfg.sparseSaving)
	sess.SetFPS(cfg.fps)
	sess.SetDisconnectTimeout(cfg.disconnectTimeout)
	sess.SetDisconnectNotifyStart(cfg.disconnectNotifyStart)
	if err := sess.SetMaxPredictionFrames(cfg.maxPredictionFrames); err != nil {
		return err
	}

	local, err := sess.AddPlayer(rollback.PlayerTypeLocal, nil)
	if err != nil {
		return err
	}
	remote, err := sess.AddPlayer(rollback.PlayerTypeRemote, peerAddr)
	if err != nil {
		return err
	}
	if err := sess.Start(); err != nil {
		return err
	}
	if err := sess.SetFrameDelay(local, cfg.frameDelay); err != nil {
		return err
	}
	if cfg.spectatorAddr != "" {
		specAddr, err := net.ResolveUDPAddr("udp", cfg.spectatorAddr)
		if err != nil {
			return fmt.Errorf("resolve spectator address %q: %w", cfg.spectatorAddr, err)
		}
		if _, err := sess.AddPlayer(rollback.PlayerTypeSpectator, specAddr); err != nil {
			return err
		}
	}

	l.Info("p2p_session_start", "listen", cfg.listenAddr, "peer", cfg.peerAddr, "local_handle", local, "remote_handle", remote)

	state := demoState{}
	tickInterval := time.Second / time.Duration(cfg.fps)
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	tick := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			if err := sess.PollRemoteClients(now); err != nil {
				l.Warn("poll_remote_clients_error", "error", err)
			}
			for _, ev := range sess.Events() {
				logSessionEvent(l, ev)
			}

			if err := sess.AddLocalInput(local, syntheticInput(tick)); err != nil {
				l.Warn("add_local_input_error", "error", err)
				continue
			}

			reqs, err := sess.AdvanceFrame()
			switch {
			case err == rollback.ErrPredictionThreshold:
				l.Debug("prediction_threshold_wait")
				continue
			case err != nil:
				l.Error("advance_frame_error", "error", err)
				return err
			}
			state = applyDemoRequests(l, state, reqs)

			tick++
			if cfg.ticks > 0 && tick >= cfg.ticks {
				l.Info("tick_limit_reached", "ticks", tick)
				return nil
			}
		}
	}
}

// applyDemoRequests fulfills one AdvanceFrame's request list against the
// toy simulation, in order, exactly as §5's ordering contract requires.
func applyDemoRequests(l *slog.Logger, state demoState, reqs []rollback.Request[inputBits]) demoState {
	for _, r := range reqs {
		switch r.Kind {
		case rollback.RequestSaveGameState:
			r.Cell.Save(r.Frame, state.encode(), fletcher16(state.encode()))
		case rollback.RequestLoadGameState:
			payload, _, ok := r.Cell.Load()
			if ok {
				state = decodeState(payload)
			}
		case rollback.RequestAdvanceFrame:
			state = state.step(r.Inputs)
			l.Debug("frame_advanced", "frame", r.Frame, "pos0", state.pos[0], "pos1", state.pos[1])
		}
	}
	return state
}

func logSessionEvent(l *slog.Logger, ev rollback.Event) {
	switch ev.Type {
	case rollback.EventSynchronizing:
		l.Info("event_synchronizing", "handle", ev.Handle, "count", ev.Count, "total", ev.Total)
	case rollback.EventSynchronized:
		l.Info("event_synchronized", "handle", ev.Handle)
	case rollback.EventNetworkInterrupted:
		l.Warn("event_network_interrupted", "handle", ev.Handle, "disconnect_timeout", ev.DisconnectTimeout)
	case rollback.EventNetworkResumed:
		l.Info("event_network_resumed", "handle", ev.Handle)
	case rollback.EventDisconnected:
		l.Warn("event_disconnected", "handle", ev.Handle)
	case rollback.EventWaitRecommendation:
		l.Debug("event_wait_recommendation", "skip_frames", ev.SkipFrames)
	case rollback.EventDesyncDetected:
		l.Error("event_desync_detected", "frame", ev.Frame, "local_checksum", ev.LocalChecksum, "remote_checksum", ev.RemoteChecksum)
	}
}

// fletcher16 checksums the serialized payload this demo always supplies to
// Cell.Save. It is distinct from the sync layer's own input-derived
// fallback (see synclayer.Cell.Save), which only applies when a host passes
// a nil payload; this demo always restores real state on rollback, so it
// always serializes and checksums that state itself.
func fletcher16(data []byte) uint16 {
	var sum1, sum2 uint16
	for _, b := range data {
		sum1 = (sum1 + uint16(b)) % 255
		sum2 = (sum2 + sum1) % 255
	}
	return sum2<<8 | sum1
}
