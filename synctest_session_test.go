package rollback

import (
	"errors"
	"testing"
)

func TestSyncTestSessionRejectsBadCheckDistance(t *testing.T) {
	if _, err := NewSyncTestSession[byte](byteCodec{}, 2, 1, 8); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("check_distance=1: err = %v, want ErrInvalidRequest", err)
	}
	if _, err := NewSyncTestSession[byte](byteCodec{}, 2, 9, 8); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("check_distance > max: err = %v, want ErrInvalidRequest", err)
	}
	if _, err := NewSyncTestSession[byte](byteCodec{}, 0, 2, 8); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("numPlayers=0: err = %v, want ErrInvalidRequest", err)
	}
}

func TestSyncTestSessionRequiresEveryPlayerInputEachTick(t *testing.T) {
	s, err := NewSyncTestSession[byte](byteCodec{}, 2, 2, 8)
	if err != nil {
		t.Fatalf("NewSyncTestSession: %v", err)
	}
	if err := s.AddLocalInput(0, 1); err != nil {
		t.Fatalf("AddLocalInput: %v", err)
	}
	if _, err := s.AdvanceFrame(); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("AdvanceFrame missing player 1 input: err = %v, want ErrInvalidRequest", err)
	}
}

// detStep is a deterministic accumulator: state advances by the XOR of
// every player's payload each frame, the simplest possible simulation step
// whose checksum a tampered resimulation can disagree with.
type detHost struct {
	state    map[Frame]byte
	lastAcc  byte
	tamperAt Frame
}

func (h *detHost) apply(reqs []Request[byte]) error {
	for _, r := range reqs {
		switch r.Kind {
		case RequestSaveGameState:
			r.Cell.Save(r.Frame, []byte{h.lastAcc}, uint16(h.lastAcc))
		case RequestLoadGameState:
			payload, _, _ := r.Cell.Load()
			h.lastAcc = payload[0]
		case RequestAdvanceFrame:
			acc := h.lastAcc
			for _, in := range r.Inputs {
				acc ^= in.Payload
			}
			if r.Frame == h.tamperAt {
				acc ^= 0xFF // inject non-determinism on a resimulation
			}
			h.lastAcc = acc
		}
	}
	return nil
}

func TestSyncTestSessionDeterministicSimPassesVerification(t *testing.T) {
	s, err := NewSyncTestSession[byte](byteCodec{}, 1, 3, 8)
	if err != nil {
		t.Fatalf("NewSyncTestSession: %v", err)
	}
	h := &detHost{tamperAt: NullFrame}

	for tick := byte(0); tick < 12; tick++ {
		if err := s.AddLocalInput(0, tick); err != nil {
			t.Fatalf("tick %d: AddLocalInput: %v", tick, err)
		}
		reqs, err := s.AdvanceFrame()
		if err != nil {
			t.Fatalf("tick %d: AdvanceFrame: %v", tick, err)
		}
		if err := h.apply(reqs); err != nil {
			t.Fatalf("tick %d: apply: %v", tick, err)
		}
	}
}

func TestSyncTestSessionDetectsNonDeterministicSim(t *testing.T) {
	s, err := NewSyncTestSession[byte](byteCodec{}, 1, 3, 8)
	if err != nil {
		t.Fatalf("NewSyncTestSession: %v", err)
	}
	h := &detHost{tamperAt: NullFrame}

	var sawMismatch bool
	for tick := byte(0); tick < 12 && !sawMismatch; tick++ {
		if err := s.AddLocalInput(0, tick); err != nil {
			t.Fatalf("tick %d: AddLocalInput: %v", tick, err)
		}
		if tick == 5 {
			// From here on, every resimulation of frame 3 disagrees with
			// what was originally saved there.
			h.tamperAt = 3
		}
		reqs, err := s.AdvanceFrame()
		if err != nil {
			var mm *MismatchedChecksumError
			if errors.As(err, &mm) {
				sawMismatch = true
				continue
			}
			t.Fatalf("tick %d: AdvanceFrame: %v", tick, err)
		}
		if err := h.apply(reqs); err != nil {
			t.Fatalf("tick %d: apply: %v", tick, err)
		}
	}
	if !sawMismatch {
		t.Fatalf("non-deterministic simulation was never detected")
	}
}
