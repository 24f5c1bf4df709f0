package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nullframe/rollback/internal/metrics"
)

// startMetricsLogger periodically logs a metrics snapshot, useful when no
// Prometheus scraper is configured (metrics-addr unset).
func startMetricsLogger(ctx context.Context, interval time.Duration, l *slog.Logger, wg *sync.WaitGroup) {
	if interval <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				snap := metrics.Snap()
				l.Info("metrics_snapshot",
					"packets_sent", snap.PacketsSent,
					"packets_received", snap.PacketsReceived,
					"packets_dropped", snap.PacketsDropped,
					"rollbacks", snap.Rollbacks,
					"rollback_frames", snap.RollbackFrames,
					"prediction_misses", snap.PredictionMisses,
					"spectator_clients", snap.SpectatorClients,
					"errors", snap.Errors,
				)
			case <-ctx.Done():
				return
			}
		}
	}()
}
