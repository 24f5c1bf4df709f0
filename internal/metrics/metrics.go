// Package metrics exposes Prometheus counters/gauges for the rollback
// session and the spectator fan-out hub, plus local atomic mirrors so a log
// line can report a cheap snapshot without round-tripping through the
// Prometheus registry.
package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/nullframe/rollback/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus metrics
var (
	PacketsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rollback_packets_sent_total",
		Help: "Total UDP datagrams sent by any endpoint.",
	})
	PacketsReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rollback_packets_received_total",
		Help: "Total UDP datagrams received by any endpoint.",
	})
	PacketsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rollback_packets_dropped_total",
		Help: "Total inbound datagrams dropped (bad magic, malformed body, duplicate sequence).",
	})
	RollbacksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rollback_rollbacks_total",
		Help: "Total rollback resimulations triggered by a mispredicted input.",
	})
	RollbackFramesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rollback_resimulated_frames_total",
		Help: "Total frames resimulated across all rollbacks.",
	})
	RollbackDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rollback_last_depth_frames",
		Help: "Frame depth of the most recent rollback.",
	})
	PredictionMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rollback_prediction_misses_total",
		Help: "Total predicted inputs that disagreed with the later-confirmed input.",
	})
	FrameAdvantage = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rollback_frame_advantage",
		Help: "Most recently observed local frame advantage over the farthest-behind peer.",
	})
	RTTMillis = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rollback_rtt_milliseconds",
		Help: "Most recently measured round-trip time to a remote peer.",
	})
	SpectatorDroppedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rollback_spectator_dropped_frames_total",
		Help: "Total confirmed-input broadcasts dropped by the spectator hub due to a slow spectator.",
	})
	SpectatorKickedClients = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rollback_spectator_kicked_total",
		Help: "Total spectators disconnected by the hub's kick backpressure policy.",
	})
	SpectatorRejectedClients = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rollback_spectator_rejected_total",
		Help: "Total spectator connection attempts rejected (e.g. max-spectators).",
	})
	SpectatorActiveClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rollback_spectator_active",
		Help: "Current number of registered spectators.",
	})
	SpectatorBroadcastFanout = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rollback_spectator_broadcast_fanout",
		Help: "Number of spectators targeted in the most recent broadcast.",
	})
	SpectatorQueueDepthMax = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rollback_spectator_queue_depth_max",
		Help: "Observed max queued broadcasts among spectators in the last sample window.",
	})
	SpectatorQueueDepthAvg = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rollback_spectator_queue_depth_avg",
		Help: "Approximate average queued broadcasts per spectator in the last sample window.",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})

	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality)
const (
	ErrHandshake       = "handshake"
	ErrDecode          = "decode"
	ErrSocketSend      = "socket_send"
	ErrSocketReceive   = "socket_receive"
	ErrSaveRingExhausted = "save_ring_exhausted"
	ErrDesync          = "desync"
)

// StartHTTP serves Prometheus metrics at /metrics and readiness at /ready.
// This is the one background goroutine the session itself never starts;
// it is demo/transport-adjacent infrastructure, wired up by cmd/lockstepdemo.
func StartHTTP(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if IsReady() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
	})

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Local mirrored counters for cheap in-process logging (avoid scraping the
// Prometheus registry just to print a status line).
var (
	localPacketsSent      uint64
	localPacketsReceived  uint64
	localPacketsDropped   uint64
	localRollbacks        uint64
	localRollbackFrames   uint64
	localPredictionMisses uint64
	localErrors           uint64
	localSpecClients      uint64
	localSpecFanout       uint64
	localSpecDrop         uint64
	localSpecKick         uint64
	localQDMax            uint64
	localQDAvg            uint64
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	PacketsSent      uint64
	PacketsReceived  uint64
	PacketsDropped   uint64
	Rollbacks        uint64
	RollbackFrames   uint64
	PredictionMisses uint64
	Errors           uint64
	SpectatorClients uint64
	SpectatorFanout  uint64
	SpectatorDrops   uint64
	SpectatorKicks   uint64
	QueueDepthMax    uint64
	QueueDepthAvg    uint64
}

func Snap() Snapshot {
	return Snapshot{
		PacketsSent:      atomic.LoadUint64(&localPacketsSent),
		PacketsReceived:  atomic.LoadUint64(&localPacketsReceived),
		PacketsDropped:   atomic.LoadUint64(&localPacketsDropped),
		Rollbacks:        atomic.LoadUint64(&localRollbacks),
		RollbackFrames:   atomic.LoadUint64(&localRollbackFrames),
		PredictionMisses: atomic.LoadUint64(&localPredictionMisses),
		Errors:           atomic.LoadUint64(&localErrors),
		SpectatorClients: atomic.LoadUint64(&localSpecClients),
		SpectatorFanout:  atomic.LoadUint64(&localSpecFanout),
		SpectatorDrops:   atomic.LoadUint64(&localSpecDrop),
		SpectatorKicks:   atomic.LoadUint64(&localSpecKick),
		QueueDepthMax:    atomic.LoadUint64(&localQDMax),
		QueueDepthAvg:    atomic.LoadUint64(&localQDAvg),
	}
}

func IncPacketsSent() {
	PacketsSent.Inc()
	atomic.AddUint64(&localPacketsSent, 1)
}

func IncPacketsReceived() {
	PacketsReceived.Inc()
	atomic.AddUint64(&localPacketsReceived, 1)
}

func IncPacketsDropped() {
	PacketsDropped.Inc()
	atomic.AddUint64(&localPacketsDropped, 1)
}

func RecordRollback(depthFrames int) {
	RollbacksTotal.Inc()
	RollbackFramesTotal.Add(float64(depthFrames))
	RollbackDepth.Set(float64(depthFrames))
	atomic.AddUint64(&localRollbacks, 1)
	atomic.AddUint64(&localRollbackFrames, uint64(depthFrames))
}

func IncPredictionMiss() {
	PredictionMisses.Inc()
	atomic.AddUint64(&localPredictionMisses, 1)
}

func SetFrameAdvantage(n int) { FrameAdvantage.Set(float64(n)) }

func SetRTT(ms float64) { RTTMillis.Set(ms) }

func IncSpectatorDrop() {
	SpectatorDroppedFrames.Inc()
	atomic.AddUint64(&localSpecDrop, 1)
}

func IncSpectatorKick() {
	SpectatorKickedClients.Inc()
	atomic.AddUint64(&localSpecKick, 1)
}

func IncSpectatorReject() { SpectatorRejectedClients.Inc() }

func SetSpectatorClients(n int) {
	SpectatorActiveClients.Set(float64(n))
	atomic.StoreUint64(&localSpecClients, uint64(n))
}

func SetSpectatorFanout(n int) {
	SpectatorBroadcastFanout.Set(float64(n))
	atomic.StoreUint64(&localSpecFanout, uint64(n))
}

func SetSpectatorQueueDepth(max, avg int) {
	SpectatorQueueDepthMax.Set(float64(max))
	SpectatorQueueDepthAvg.Set(float64(avg))
	atomic.StoreUint64(&localQDMax, uint64(max))
	atomic.StoreUint64(&localQDAvg, uint64(avg))
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

// InitBuildInfo sets the build info gauge (should be called once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	for _, lbl := range []string{ErrHandshake, ErrDecode, ErrSocketSend, ErrSocketReceive, ErrSaveRingExhausted, ErrDesync} {
		Errors.WithLabelValues(lbl).Add(0)
	}
}

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function if present.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil {
		return true
	}
	return fn()
}

// Ready is a concise alias used at call sites.
func Ready() bool { return IsReady() }
