package synclayer

import (
	"errors"
	"testing"

	"github.com/nullframe/rollback/internal/core"
)

type fakeQueue struct {
	firstIncorrect core.Frame
	resetCalls     []core.Frame
	payload        byte
}

func (q *fakeQueue) GetInput(f core.Frame) (core.PlayerInput[byte], core.InputStatus) {
	return core.PlayerInput[byte]{Frame: f, Payload: q.payload}, core.InputConfirmed
}
func (q *fakeQueue) FirstIncorrectFrame() core.Frame { return q.firstIncorrect }
func (q *fakeQueue) ResetPrediction(f core.Frame)    { q.resetCalls = append(q.resetCalls, f) }

func byteEncode(v byte) []byte { return []byte{v} }

func TestBuildRequestsNoRollback(t *testing.T) {
	ring := NewRing(8)
	queues := []Queue[byte]{
		&fakeQueue{firstIncorrect: core.NullFrame, payload: 1},
		&fakeQueue{firstIncorrect: core.NullFrame, payload: 2},
	}
	reqs, err := BuildRequests[byte](ring, queues, 5, 5, nil, false, byteEncode)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(reqs) != 2 {
		t.Fatalf("got %d requests, want 2", len(reqs))
	}
	if reqs[0].Kind != RequestSaveGameState || reqs[0].Frame != 5 {
		t.Fatalf("req0 = %+v, want SaveGameState@5", reqs[0])
	}
	if reqs[1].Kind != RequestAdvanceFrame || reqs[1].Frame != 5 {
		t.Fatalf("req1 = %+v, want AdvanceFrame@5", reqs[1])
	}
	if len(reqs[1].Inputs) != 2 || reqs[1].Inputs[0].Payload != 1 || reqs[1].Inputs[1].Payload != 2 {
		t.Fatalf("inputs mismatch: %+v", reqs[1].Inputs)
	}
}

func TestBuildRequestsRollbackPath(t *testing.T) {
	ring := NewRing(8)
	q1 := &fakeQueue{firstIncorrect: 3}
	q2 := &fakeQueue{firstIncorrect: core.NullFrame}
	queues := []Queue[byte]{q1, q2}

	reqs, err := BuildRequests[byte](ring, queues, 5, 5, nil, false, byteEncode)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// syncFrame = 2: Load@2, then (Save,Advance) for frames 3,4,5 = 1+3*2 = 7
	if reqs[0].Kind != RequestLoadGameState || reqs[0].Frame != 2 {
		t.Fatalf("req0 = %+v, want LoadGameState@2", reqs[0])
	}
	if len(reqs) != 7 {
		t.Fatalf("got %d requests, want 7: %+v", len(reqs), reqs)
	}
	frames := []core.Frame{3, 4, 5}
	idx := 1
	for _, f := range frames {
		if reqs[idx].Kind != RequestSaveGameState || reqs[idx].Frame != f {
			t.Fatalf("expected SaveGameState@%d at idx %d, got %+v", f, idx, reqs[idx])
		}
		idx++
		if reqs[idx].Kind != RequestAdvanceFrame || reqs[idx].Frame != f {
			t.Fatalf("expected AdvanceFrame@%d at idx %d, got %+v", f, idx, reqs[idx])
		}
		idx++
	}
	if len(q1.resetCalls) != 1 || q1.resetCalls[0] != 3 {
		t.Fatalf("q1 ResetPrediction calls = %+v, want [3]", q1.resetCalls)
	}
	if len(q2.resetCalls) != 1 || q2.resetCalls[0] != 3 {
		t.Fatalf("q2 ResetPrediction calls = %+v, want [3]", q2.resetCalls)
	}
}

func TestBuildRequestsSaveRingExhausted(t *testing.T) {
	ring := NewRing(2) // size 4
	queues := []Queue[byte]{&fakeQueue{firstIncorrect: 0}}
	_, err := BuildRequests[byte](ring, queues, 10, 10, nil, false, byteEncode)
	if !errors.Is(err, ErrSaveRingExhausted) {
		t.Fatalf("expected ErrSaveRingExhausted, got %v", err)
	}
}

func TestBuildRequestsSparseSavingOnlySavesConfirmedFrame(t *testing.T) {
	ring := NewRing(8)
	queues := []Queue[byte]{&fakeQueue{firstIncorrect: core.NullFrame}}

	reqs, err := BuildRequests[byte](ring, queues, 5, 3, nil, true, byteEncode)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, r := range reqs {
		if r.Kind == RequestSaveGameState {
			t.Fatalf("unexpected save request when current(5) != confirmed(3): %+v", r)
		}
	}
}

func TestBuildRequestsDisconnectedOverridesStatus(t *testing.T) {
	ring := NewRing(8)
	queues := []Queue[byte]{&fakeQueue{firstIncorrect: core.NullFrame}, &fakeQueue{firstIncorrect: core.NullFrame}}
	reqs, err := BuildRequests[byte](ring, queues, 1, 1, []bool{false, true}, false, byteEncode)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var advance Request[byte]
	for _, r := range reqs {
		if r.Kind == RequestAdvanceFrame {
			advance = r
		}
	}
	if advance.Statuses[0] != core.InputConfirmed {
		t.Fatalf("player 0 status = %v, want confirmed", advance.Statuses[0])
	}
	if advance.Statuses[1] != core.InputDisconnected {
		t.Fatalf("player 1 status = %v, want disconnected", advance.Statuses[1])
	}
}

func TestBuildRequestsSetsInputChecksumFallback(t *testing.T) {
	ring := NewRing(8)
	queues := []Queue[byte]{
		&fakeQueue{firstIncorrect: core.NullFrame, payload: 7},
		&fakeQueue{firstIncorrect: core.NullFrame, payload: 9},
	}
	reqs, err := BuildRequests[byte](ring, queues, 4, 4, nil, false, byteEncode)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var save Request[byte]
	for _, r := range reqs {
		if r.Kind == RequestSaveGameState {
			save = r
		}
	}
	if save.Cell == nil {
		t.Fatalf("expected a SaveGameState request, got %+v", reqs)
	}

	// The host declines to serialize state (payload nil); Save must fall
	// back to the Fletcher-16 computed over this frame's encoded inputs
	// rather than leaving Checksum at whatever the caller passed.
	save.Cell.Save(4, nil, 0)
	_, checksum, hasPayload := save.Cell.Load()
	if hasPayload {
		t.Fatalf("expected hasPayload=false for a nil-payload save")
	}
	want := Fletcher16(append(byteEncode(7), byteEncode(9)...))
	if checksum != want {
		t.Fatalf("checksum = %d, want %d (Fletcher16 of advanced inputs)", checksum, want)
	}
}
