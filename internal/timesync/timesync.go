// Package timesync implements the rolling frame-advantage estimator each
// endpoint uses to decide whether the local simulation should stall a few
// frames to stay roughly in lockstep with its peer.
package timesync

import "github.com/nullframe/rollback/internal/core"

// Estimator keeps a rolling window of local/remote frame-advantage samples
// (one pair per QualityReport round trip) and turns their running averages
// into a stall recommendation.
type Estimator struct {
	local  [core.TimeSyncWindow]int
	remote [core.TimeSyncWindow]int
	next   int
	filled int
}

// New returns an empty estimator.
func New() *Estimator { return &Estimator{} }

// RecordAdvantage adds one sample: this endpoint's own frame advantage
// (positive means the local simulation is ahead) and the most recent
// frame advantage the peer reported about itself.
func (e *Estimator) RecordAdvantage(localAdvantage, remoteAdvantage int) {
	e.local[e.next] = localAdvantage
	e.remote[e.next] = remoteAdvantage
	e.next = (e.next + 1) % len(e.local)
	if e.filled < len(e.local) {
		e.filled++
	}
}

// Reset discards all samples, used after a resync or reconnect where old
// advantage figures no longer apply.
func (e *Estimator) Reset() {
	e.next = 0
	e.filled = 0
}

// Recommendation returns the number of frames the local simulation should
// stall before advancing again, or 0 if no stall is warranted. It only ever
// recommends a stall when the local side is ahead of the remote by at
// least MinFrameAdvantage, and only by enough that the recommendation itself
// is at least FrameWindowSize frames (small corrections are not worth the
// visible hitch).
func (e *Estimator) Recommendation() int {
	if e.filled == 0 {
		return 0
	}
	localAvg := average(e.local[:e.filled])
	remoteAvg := average(e.remote[:e.filled])
	if localAvg <= remoteAvg {
		return 0
	}
	diff := localAvg - remoteAvg
	if diff < core.MinFrameAdvantage {
		return 0
	}
	sleep := (diff + 1) / 2
	if sleep < core.FrameWindowSize {
		return 0
	}
	return sleep
}

func average(samples []int) int {
	sum := 0
	for _, s := range samples {
		sum += s
	}
	return sum / len(samples)
}
