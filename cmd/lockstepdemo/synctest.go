package main

import (
	"context"
	"errors"
	"log/slog"

	"github.com/nullframe/rollback"
)

// runSyncTest drives the offline SyncTestSession harness (§4.8) against the
// same toy simulation used by the networked modes, forcing a rollback
// every tick and verifying the resimulated checksums agree with what was
// originally saved. It never touches a socket.
func runSyncTest(ctx context.Context, cfg *appConfig, l *slog.Logger) error {
	sess, err := rollback.NewSyncTestSession[inputBits](byteCodec{}, 2, cfg.checkDistance, cfg.maxPredictionFrames)
	if err != nil {
		return err
	}

	l.Info("synctest_session_start", "check_distance", cfg.checkDistance, "max_prediction_frames", cfg.maxPredictionFrames)

	state := demoState{}
	tick := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if err := sess.AddLocalInput(0, syntheticInput(tick)); err != nil {
			return err
		}
		if err := sess.AddLocalInput(1, syntheticInput(tick+30)); err != nil {
			return err
		}

		reqs, err := sess.AdvanceFrame()
		var mismatch *rollback.MismatchedChecksumError
		if errors.As(err, &mismatch) {
			l.Error("desync_detected", "frame", mismatch.Frame)
			return err
		}
		if err != nil {
			return err
		}
		state = applyDemoRequests(l, state, reqs)

		tick++
		if cfg.ticks > 0 && tick >= cfg.ticks {
			l.Info("tick_limit_reached", "ticks", tick, "no_mismatch", true)
			return nil
		}
	}
}
