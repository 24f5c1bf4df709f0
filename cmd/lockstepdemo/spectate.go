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

// runSpectate drives a SpectatorSession against a host's spectatorhub.Hub
// broadcast (§4.7): no prediction, no save/load, just catch-up-then-follow
// on the confirmed input stream.
func runSpectate(ctx context.Context, cfg *appConfig, l *slog.Logger) error {
	sock, err := transport.NewUDPSocket(cfg.listenAddr)
	if err != nil {
		return fmt.Errorf("%w: %v", rollback.ErrSocketCreationFailed, err)
	}
	defer sock.Close()

	hostAddr, err := net.ResolveUDPAddr("udp", cfg.hostAddr)
	if err != nil {
		return fmt.Errorf("resolve host address %q: %w", cfg.hostAddr, err)
	}

	spec := rollback.NewSpectatorSession[inputBits](byteCodec{}, sock, hostAddr)
	spec.SetCatchupSpeed(cfg.catchupSpeed)
	spec.SetMaxFramesBehind(cfg.maxFramesBehind)

	l.Info("spectator_session_start", "listen", cfg.listenAddr, "host", cfg.hostAddr)

	state := demoState{}
	ticker := time.NewTicker(time.Second / time.Duration(cfg.fps))
	defer ticker.Stop()

	tick := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			if err := spec.Poll(now); err != nil {
				l.Warn("spectator_poll_error", "error", err)
				continue
			}
			reqs, err := spec.AdvanceFrame()
			if err != nil {
				l.Error("spectator_advance_frame_error", "error", err)
				return err
			}
			for _, r := range reqs {
				state = state.step(r.Inputs)
				l.Debug("spectator_frame_advanced", "frame", r.Frame, "pos0", state.pos[0], "status", r.Statuses[0])
			}

			tick++
			if cfg.ticks > 0 && tick >= cfg.ticks {
				l.Info("tick_limit_reached", "ticks", tick)
				return nil
			}
		}
	}
}
