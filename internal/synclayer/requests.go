package synclayer

import (
	"errors"

	"github.com/nullframe/rollback/internal/core"
	"github.com/nullframe/rollback/internal/inputqueue"
)

// ErrSaveRingExhausted is fatal: the rollback target frame is older than
// anything still held in the ring, because the ring was sized for
// MaxPredictionFrames but the caller let the session drift further behind
// than that before calling BuildRequests. There is no way to recover the
// overwritten cell; the session must be torn down.
var ErrSaveRingExhausted = errors.New("synclayer: rollback target predates save ring")

// RequestKind tags a Request's variant.
type RequestKind int

const (
	RequestSaveGameState RequestKind = iota
	RequestLoadGameState
	RequestAdvanceFrame
)

// Request is one entry of the ordered list the host must fulfill before the
// sync layer is called again.
type Request[T any] struct {
	Kind     RequestKind
	Cell     *Cell
	Frame    core.Frame
	Inputs   []core.PlayerInput[T]
	Statuses []core.InputStatus
}

// Queue is the subset of *inputqueue.Queue[T] the sync layer needs; kept as
// an interface so tests can substitute a fake without building a real ring
// buffer.
type Queue[T any] interface {
	GetInput(core.Frame) (core.PlayerInput[T], core.InputStatus)
	FirstIncorrectFrame() core.Frame
	ResetPrediction(core.Frame)
}

var _ Queue[byte] = (*inputqueue.Queue[byte])(nil)

// BuildRequests produces the request list for one advance_frame call.
// disconnected[i] forces queues[i]'s status to InputDisconnected regardless
// of what the queue itself would report, for players whose endpoint has
// dropped. confirmedFrame is the highest frame with no predicted input
// across any queue; it only matters when sparse is true, where saves are
// only emitted for that exact frame. encode renders a player's input
// payload to a canonical byte view, used to seed each emitted
// SaveGameState cell's Fletcher-16 fallback checksum (see
// Cell.SetInputChecksum) for hosts that decline to serialize state.
func BuildRequests[T any](ring *Ring, queues []Queue[T], current, confirmedFrame core.Frame, disconnected []bool, sparse bool, encode func(T) []byte) ([]Request[T], error) {
	firstIncorrect := core.NullFrame
	for _, q := range queues {
		if fi := q.FirstIncorrectFrame(); fi != core.NullFrame && (firstIncorrect == core.NullFrame || fi < firstIncorrect) {
			firstIncorrect = fi
		}
	}

	if firstIncorrect == core.NullFrame {
		var reqs []Request[T]
		inputs, statuses := gather(queues, current, disconnected)
		if !sparse || current == confirmedFrame {
			cell := ring.CellFor(current)
			cell.SetInputChecksum(Fletcher16(encodeInputs(inputs, encode)))
			reqs = append(reqs, Request[T]{Kind: RequestSaveGameState, Cell: cell, Frame: current})
		}
		reqs = append(reqs, Request[T]{Kind: RequestAdvanceFrame, Frame: current, Inputs: inputs, Statuses: statuses})
		return reqs, nil
	}

	syncFrame := firstIncorrect - 1
	if int(current-syncFrame) >= ring.Size() {
		return nil, ErrSaveRingExhausted
	}

	var reqs []Request[T]
	reqs = append(reqs, Request[T]{Kind: RequestLoadGameState, Cell: ring.CellFor(syncFrame), Frame: syncFrame})
	var sinceSave []byte
	for f := syncFrame + 1; f <= current; f++ {
		inputs, statuses := gather(queues, f, disconnected)
		sinceSave = append(sinceSave, encodeInputs(inputs, encode)...)
		if !sparse || f == confirmedFrame {
			cell := ring.CellFor(f)
			cell.SetInputChecksum(Fletcher16(sinceSave))
			reqs = append(reqs, Request[T]{Kind: RequestSaveGameState, Cell: cell, Frame: f})
			sinceSave = nil
		}
		reqs = append(reqs, Request[T]{Kind: RequestAdvanceFrame, Frame: f, Inputs: inputs, Statuses: statuses})
	}
	for _, q := range queues {
		q.ResetPrediction(syncFrame + 1)
	}
	return reqs, nil
}

// encodeInputs concatenates each player's encoded payload, in handle order,
// into the canonical byte view Fletcher16 hashes for a save cell's fallback
// checksum.
func encodeInputs[T any](inputs []core.PlayerInput[T], encode func(T) []byte) []byte {
	var buf []byte
	for _, in := range inputs {
		buf = append(buf, encode(in.Payload)...)
	}
	return buf
}

func gather[T any](queues []Queue[T], frame core.Frame, disconnected []bool) ([]core.PlayerInput[T], []core.InputStatus) {
	inputs := make([]core.PlayerInput[T], len(queues))
	statuses := make([]core.InputStatus, len(queues))
	for i, q := range queues {
		in, status := q.GetInput(frame)
		if i < len(disconnected) && disconnected[i] {
			status = core.InputDisconnected
		}
		inputs[i] = in
		statuses[i] = status
	}
	return inputs, statuses
}
