package rollback

import (
	"fmt"

	"github.com/nullframe/rollback/internal/core"
	"github.com/nullframe/rollback/internal/inputqueue"
	"github.com/nullframe/rollback/internal/metrics"
	"github.com/nullframe/rollback/internal/synclayer"
)

// MismatchedChecksumError is returned by SyncTestSession.AdvanceFrame when a
// resimulated frame's checksum disagrees with what was originally saved at
// that frame, indicating the host's simulation step is not deterministic.
type MismatchedChecksumError struct{ Frame core.Frame }

func (e *MismatchedChecksumError) Error() string {
	return fmt.Sprintf("rollback: mismatched checksum at frame %d", e.Frame)
}

func (e *MismatchedChecksumError) Unwrap() error { return ErrMismatchedChecksum }

type pendingChecksumCheck struct {
	expected map[core.Frame]uint16
}

// SyncTestSession is an offline, single-process harness (§4.8): every tick
// it advances normally, then periodically forces a rollback exactly
// check_distance frames deep purely to re-verify that resimulating from a
// prior saved state reproduces the same checksums, catching
// non-deterministic simulation steps.
//
// Because AdvanceFrame returns one flat request list per call and the host
// is only guaranteed to have fulfilled it before the *next* call (§5), the
// comparison for a forced rollback triggered at tick T is only checked at
// the start of tick T+1, once the host has necessarily finished writing
// every cell the forced rollback touched. This one-tick lag is invisible to
// the host: AdvanceFrame still surfaces MismatchedChecksumError at the
// first opportunity it can be detected soundly.
type SyncTestSession[T any] struct {
	codec core.Codec[T]

	numPlayers          int
	checkDistance       int
	maxPredictionFrames int

	queues  []*inputqueue.Queue[T]
	ring    *synclayer.Ring
	current core.Frame

	localInputGiven []bool
	pending         *pendingChecksumCheck
}

// NewSyncTestSession creates a harness for numPlayers local players (no
// remotes: every player is driven by the host's own test inputs). check_distance
// must satisfy 2 <= check_distance <= maxPredictionFrames.
func NewSyncTestSession[T any](codec core.Codec[T], numPlayers, checkDistance, maxPredictionFrames int) (*SyncTestSession[T], error) {
	if numPlayers < 1 {
		return nil, fmt.Errorf("%w: numPlayers must be >= 1", ErrInvalidRequest)
	}
	if checkDistance < 2 || checkDistance > maxPredictionFrames {
		return nil, fmt.Errorf("%w: check_distance must be in [2, max_prediction_frames]", ErrInvalidRequest)
	}
	s := &SyncTestSession[T]{
		codec:               codec,
		numPlayers:          numPlayers,
		checkDistance:       checkDistance,
		maxPredictionFrames: maxPredictionFrames,
		ring:                synclayer.NewRing(maxPredictionFrames),
		queues:              make([]*inputqueue.Queue[T], numPlayers),
		localInputGiven:     make([]bool, numPlayers),
	}
	qcap := inputqueue.Capacity(maxPredictionFrames, 0)
	for i := range s.queues {
		s.queues[i] = inputqueue.New[T](codec, qcap)
	}
	return s, nil
}

// AddLocalInput records this tick's input for player i (0-indexed). Must be
// called for every player before AdvanceFrame.
func (s *SyncTestSession[T]) AddLocalInput(player int, payload T) error {
	if player < 0 || player >= s.numPlayers {
		return fmt.Errorf("%w: player index out of range", ErrInvalidRequest)
	}
	if _, err := s.queues[player].AddInput(core.PlayerInput[T]{Frame: s.current, Payload: payload}); err != nil {
		return err
	}
	s.localInputGiven[player] = true
	return nil
}

// AdvanceFrame first checks any rollback forced by the previous tick, then
// emits this tick's normal save+advance, plus (once enough history has
// accumulated) a forced rollback over the last check_distance frames to
// verify determinism.
func (s *SyncTestSession[T]) AdvanceFrame() ([]Request[T], error) {
	if s.pending != nil {
		pending := s.pending
		s.pending = nil
		for f, want := range pending.expected {
			_, got, _ := s.ring.CellFor(f).Load()
			if got != want {
				return nil, &MismatchedChecksumError{Frame: f}
			}
		}
	}

	for i, got := range s.localInputGiven {
		if !got {
			return nil, fmt.Errorf("%w: missing input for player %d", ErrInvalidRequest, i)
		}
	}

	queues := make([]synclayer.Queue[T], s.numPlayers)
	disconnected := make([]bool, s.numPlayers)
	for i, q := range s.queues {
		queues[i] = q
	}

	reqs, err := synclayer.BuildRequests[T](s.ring, queues, s.current, s.current, disconnected, false, s.codec.Encode)
	if err != nil {
		return nil, ErrSaveRingExhausted
	}

	probe := s.current - 1
	syncFrame := probe - core.Frame(s.checkDistance)
	if probe >= core.Frame(s.checkDistance) {
		expected := make(map[core.Frame]uint16, s.checkDistance)
		for f := syncFrame + 1; f <= probe; f++ {
			_, ck, _ := s.ring.CellFor(f).Load()
			expected[f] = ck
		}
		for _, q := range s.queues {
			q.ForceRollbackFrom(syncFrame + 1)
		}
		rreqs, err := synclayer.BuildRequests[T](s.ring, queues, probe, probe, disconnected, false, s.codec.Encode)
		if err != nil {
			return nil, ErrSaveRingExhausted
		}
		reqs = append(reqs, rreqs...)
		s.pending = &pendingChecksumCheck{expected: expected}
		metrics.RecordRollback(s.checkDistance)
	}

	for i := range s.localInputGiven {
		s.localInputGiven[i] = false
	}
	s.current++
	return reqs, nil
}

// CurrentFrame is the next frame AdvanceFrame will simulate.
func (s *SyncTestSession[T]) CurrentFrame() core.Frame { return s.current }
