// Package inputqueue implements the per-player ring buffer of inputs: frame
// delay injection, prediction, rollback-driven overwrite, and discard of
// confirmed history. Every entry is either authoritative ("real", added via
// AddInput) or synthesized ("predicted", produced the first time GetInput is
// asked for a frame beyond what has actually arrived).
package inputqueue

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/nullframe/rollback/internal/core"
)

// ErrPredictionThreshold is returned by AddInput when the queue has no room
// left for another unconfirmed frame (more than its capacity of predicted
// frames are already outstanding). The caller must stall and retry.
var ErrPredictionThreshold = errors.New("inputqueue: prediction threshold exceeded")

// ErrNonContiguousInput is returned when AddInput is called with a frame
// that does not immediately follow the last added frame. This indicates a
// caller bug (the session is responsible for feeding contiguous input), not
// a recoverable wire condition.
var ErrNonContiguousInput = errors.New("inputqueue: non-contiguous input")

// Capacity returns a ring size sufficient for maxPredictionFrames of
// outstanding prediction plus frameDelay of local injection, with slack for
// in-flight resimulation: capacity >= maxPredictionFrames + frameDelay +
// slack.
func Capacity(maxPredictionFrames, frameDelay int) int {
	const slack = 8
	return maxPredictionFrames + frameDelay + slack
}

type entry[T any] struct {
	payload   T
	predicted bool
}

// Queue is a per-player ring buffer of inputs. The zero value is not usable;
// construct with New.
type Queue[T any] struct {
	codec core.Codec[T]

	buf      []entry[T]
	head     int
	length   int
	capacity int

	frameDelay int

	firstFrame          core.Frame
	lastAddedFrame      core.Frame
	predictionStart     core.Frame
	firstIncorrectFrame core.Frame

	lastRealPayload T
	haveLastReal    bool
}

// New creates an empty queue with the given capacity (see Capacity).
func New[T any](codec core.Codec[T], capacity int) *Queue[T] {
	return &Queue[T]{
		codec:               codec,
		buf:                 make([]entry[T], capacity),
		capacity:            capacity,
		firstFrame:          0,
		lastAddedFrame:      core.NullFrame,
		predictionStart:     core.NullFrame,
		firstIncorrectFrame: core.NullFrame,
	}
}

// SetFrameDelay sets the local-only frame delay applied by AddInput. Remote
// queues always keep this at zero.
func (q *Queue[T]) SetFrameDelay(d int) { q.frameDelay = d }

func (q *Queue[T]) ringIndex(idx int) int { return (q.head + idx) % q.capacity }

// FirstFrame returns the frame of the oldest stored input.
func (q *Queue[T]) FirstFrame() core.Frame { return q.firstFrame }

// LastAddedFrame returns the highest frame authoritatively added, or
// NullFrame if none has been added yet.
func (q *Queue[T]) LastAddedFrame() core.Frame { return q.lastAddedFrame }

// PredictionStart returns the first frame currently under prediction, or
// NullFrame if the queue is not predicting.
func (q *Queue[T]) PredictionStart() core.Frame { return q.predictionStart }

// FirstIncorrectFrame returns the earliest frame at which an authoritative
// input disagreed with a previously returned prediction, or NullFrame.
func (q *Queue[T]) FirstIncorrectFrame() core.Frame { return q.firstIncorrectFrame }

// Len reports the number of frames currently stored (confirmed + predicted).
func (q *Queue[T]) Len() int { return q.length }

// AddInput records an authoritative input. frame_delay (if set) shifts the
// logical frame forward before the contiguity check. It returns the
// effective (post-delay) frame.
func (q *Queue[T]) AddInput(input core.PlayerInput[T]) (core.Frame, error) {
	frame := input.Frame + core.Frame(q.frameDelay)
	if q.lastAddedFrame != core.NullFrame && frame != q.lastAddedFrame+1 {
		return core.NullFrame, fmt.Errorf("%w: got %d, want %d", ErrNonContiguousInput, frame, q.lastAddedFrame+1)
	}
	if q.length == 0 {
		q.firstFrame = frame
	}
	idx := int(frame - q.firstFrame)
	if idx < 0 {
		return core.NullFrame, fmt.Errorf("%w: frame %d precedes first_frame %d", ErrNonContiguousInput, frame, q.firstFrame)
	}

	if idx < q.length {
		// Overwriting a previously predicted (or already confirmed) slot.
		e := &q.buf[q.ringIndex(idx)]
		if e.predicted && !bytes.Equal(q.codec.Encode(e.payload), q.codec.Encode(input.Payload)) {
			if q.firstIncorrectFrame == core.NullFrame || frame < q.firstIncorrectFrame {
				q.firstIncorrectFrame = frame
			}
		}
		*e = entry[T]{payload: input.Payload, predicted: false}
	} else {
		// By the contiguity check above, idx must equal q.length exactly.
		if q.length >= q.capacity {
			return core.NullFrame, ErrPredictionThreshold
		}
		q.buf[q.ringIndex(idx)] = entry[T]{payload: input.Payload, predicted: false}
		q.length++
	}

	q.lastAddedFrame = frame
	q.lastRealPayload = input.Payload
	q.haveLastReal = true
	return frame, nil
}

// GetInput returns the input for frame, extending the queue with a
// synthesized prediction (a clone of the last real payload) if frame is
// beyond what has actually been stored. The first such extension marks
// PredictionStart at the first predicted frame.
func (q *Queue[T]) GetInput(frame core.Frame) (core.PlayerInput[T], core.InputStatus) {
	if q.length == 0 {
		var zero T
		if q.haveLastReal {
			zero = q.lastRealPayload
		}
		q.predictionStart = frame
		return core.PlayerInput[T]{Frame: frame, Payload: zero}, core.InputPredicted
	}

	idx := int(frame - q.firstFrame)
	if idx < 0 {
		idx = 0
	}
	if idx < q.length {
		e := q.buf[q.ringIndex(idx)]
		status := core.InputConfirmed
		if e.predicted {
			status = core.InputPredicted
		}
		return core.PlayerInput[T]{Frame: frame, Payload: e.payload}, status
	}

	if q.predictionStart == core.NullFrame {
		q.predictionStart = q.firstFrame + core.Frame(q.length)
	}
	for int(frame-q.firstFrame) >= q.length {
		if q.length >= q.capacity {
			last := q.buf[q.ringIndex(q.length-1)]
			return core.PlayerInput[T]{Frame: frame, Payload: last.payload}, core.InputPredicted
		}
		payload := q.lastRealPayload
		if !q.haveLastReal && q.length > 0 {
			payload = q.buf[q.ringIndex(q.length-1)].payload
		}
		q.buf[q.ringIndex(q.length)] = entry[T]{payload: payload, predicted: true}
		q.length++
	}
	e := q.buf[q.ringIndex(idx)]
	return core.PlayerInput[T]{Frame: frame, Payload: e.payload}, core.InputPredicted
}

// ForceRollbackFrom marks frame as the earliest incorrect frame regardless
// of whether any authoritative input has actually contradicted a
// prediction there. Used by a session to force a resimulation window: a
// disconnected player's future frames need to be replayed with
// InputDisconnected, and a SyncTest harness needs to periodically replay a
// window purely to re-verify checksums. No-op if an earlier incorrect
// frame is already pending, since that earlier frame already dominates the
// rollback target.
func (q *Queue[T]) ForceRollbackFrom(frame core.Frame) {
	if q.firstIncorrectFrame == core.NullFrame || frame < q.firstIncorrectFrame {
		q.firstIncorrectFrame = frame
	}
}

// ResetPrediction clears prediction bookkeeping at or after frame, called
// once a rollback has resimulated through frame. PredictionStart and
// FirstIncorrectFrame are each cleared only when they lie at or after frame;
// a value before frame is left in place.
func (q *Queue[T]) ResetPrediction(frame core.Frame) {
	if q.predictionStart != core.NullFrame && q.predictionStart >= frame {
		q.predictionStart = core.NullFrame
	}
	if q.firstIncorrectFrame != core.NullFrame && q.firstIncorrectFrame >= frame {
		q.firstIncorrectFrame = core.NullFrame
	}
}

// DiscardConfirmedFrames advances FirstFrame to free ring space once every
// consumer has acknowledged through frame (inclusive).
func (q *Queue[T]) DiscardConfirmedFrames(frame core.Frame) {
	if frame < q.firstFrame {
		return
	}
	n := int(frame-q.firstFrame) + 1
	if n > q.length {
		n = q.length
	}
	q.head = q.ringIndex(n)
	q.length -= n
	q.firstFrame += core.Frame(n)
}
