package main

import (
	"encoding/binary"

	"github.com/nullframe/rollback"
)

// inputBits is the payload type driven through every session in this demo:
// one byte per player per frame, bit-packed direction flags. It is the
// smallest possible deterministic input a lockstep simulation can carry,
// which keeps the wire codec and the checksum-verified resimulation path
// (SyncTestSession) exercising the same shape a real game would use for a
// single analog stick snapped to 8 directions.
type inputBits = byte

const (
	bitLeft  inputBits = 1 << 0
	bitRight inputBits = 1 << 1
	bitUp    inputBits = 1 << 2
	bitDown  inputBits = 1 << 3
)

// byteCodec is the Codec[inputBits] every mode uses: the payload already is
// the wire byte, so encode/decode are identity.
type byteCodec struct{}

func (byteCodec) Size() int                 { return 1 }
func (byteCodec) Encode(v inputBits) []byte { return []byte{v} }
func (byteCodec) Decode(b []byte) inputBits { return b[0] }

// demoState is the toy deterministic game: each player walks a point around
// an integer grid. It exists purely to give the save/load/advance request
// cycle something concrete to fulfill; the interesting behavior under test
// is the networking and rollback machinery around it, not the simulation.
type demoState struct {
	pos [2][2]int32 // [player][x,y]
}

func (s demoState) encode() []byte {
	buf := make([]byte, 16)
	for p := 0; p < 2; p++ {
		binary.BigEndian.PutUint32(buf[p*8:], uint32(s.pos[p][0]))
		binary.BigEndian.PutUint32(buf[p*8+4:], uint32(s.pos[p][1]))
	}
	return buf
}

func decodeState(buf []byte) demoState {
	var s demoState
	if len(buf) < 16 {
		return s
	}
	for p := 0; p < 2; p++ {
		s.pos[p][0] = int32(binary.BigEndian.Uint32(buf[p*8:]))
		s.pos[p][1] = int32(binary.BigEndian.Uint32(buf[p*8+4:]))
	}
	return s
}

// step advances the state by one frame given one input per player, ordered
// by player handle the way AdvanceFrame hands them back.
func (s demoState) step(inputs []rollback.PlayerInput[inputBits]) demoState {
	next := s
	for i, in := range inputs {
		if i >= len(next.pos) {
			break
		}
		if in.Payload&bitLeft != 0 {
			next.pos[i][0]--
		}
		if in.Payload&bitRight != 0 {
			next.pos[i][0]++
		}
		if in.Payload&bitUp != 0 {
			next.pos[i][1]--
		}
		if in.Payload&bitDown != 0 {
			next.pos[i][1]++
		}
	}
	return next
}

// syntheticInput generates a deterministic, repeating walk pattern for a
// local player so the demo runs unattended; a real host would read this
// from its own input device instead.
func syntheticInput(tick int) inputBits {
	switch (tick / 15) % 4 {
	case 0:
		return bitRight
	case 1:
		return bitDown
	case 2:
		return bitLeft
	default:
		return bitUp
	}
}
