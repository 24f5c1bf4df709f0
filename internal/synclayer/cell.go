// Package synclayer implements the save/load/rollback machinery: the ring
// of GameStateCells, Fletcher-16 checksum computation when the host opts
// out of supplying its own, and the request-list construction that drives
// both the plain advance and the rollback resimulation paths.
package synclayer

import "github.com/nullframe/rollback/internal/core"

// Cell is one slot of the save ring. The host fills it via Save when
// fulfilling a SaveGameState request, and reads it via Load when fulfilling
// a LoadGameState request.
type Cell struct {
	Frame         core.Frame
	Payload       []byte
	Checksum      uint16
	hasPayload    bool
	inputChecksum uint16
}

// SetInputChecksum records the Fletcher-16 checksum BuildRequests computed
// over the inputs advanced since this cell's previous save. Save falls back
// to this value when the host declines to serialize a payload.
func (c *Cell) SetInputChecksum(checksum uint16) {
	c.inputChecksum = checksum
}

// Save records the host's serialized state for this cell. Passing a nil
// payload means the host declined to serialize; Checksum is then the
// Fletcher-16 over the inputs advanced since the last save (see
// SetInputChecksum) instead of over payload bytes, and the checksum
// argument is ignored.
func (c *Cell) Save(frame core.Frame, payload []byte, checksum uint16) {
	c.Frame = frame
	c.Payload = payload
	c.hasPayload = payload != nil
	if payload == nil {
		c.Checksum = c.inputChecksum
		return
	}
	c.Checksum = checksum
}

// Load returns the previously saved payload and checksum, and whether a
// payload was actually supplied by the host (as opposed to checksum-only).
func (c *Cell) Load() ([]byte, uint16, bool) {
	return c.Payload, c.Checksum, c.hasPayload
}

// Ring is the MAX_PREDICTION_FRAMES+2 ring of cells indexed by frame mod
// len(cells), sized so a rollback can never need a cell that has already
// been overwritten by a more recent save as long as the caller checks
// ErrSaveRingExhausted before indexing too far back.
type Ring struct {
	cells []Cell
}

// NewRing allocates a ring sized for maxPredictionFrames of outstanding
// rollback depth.
func NewRing(maxPredictionFrames int) *Ring {
	return &Ring{cells: make([]Cell, maxPredictionFrames+2)}
}

// Size returns the number of cells in the ring.
func (r *Ring) Size() int { return len(r.cells) }

// CellFor returns the cell slot for frame. Callers must ensure frame is
// within Size() of the most recently saved frame; otherwise the slot may
// hold an unrelated, already-overwritten frame's state.
func (r *Ring) CellFor(frame core.Frame) *Cell {
	idx := int(frame) % len(r.cells)
	if idx < 0 {
		idx += len(r.cells)
	}
	return &r.cells[idx]
}
