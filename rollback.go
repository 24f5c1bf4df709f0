// Package rollback is a peer-to-peer rollback networking library for
// lockstep-deterministic games: prediction, resimulation and desync
// detection layered over a plain, host-supplied non-blocking datagram
// socket. The host drives everything from its own game loop; the package
// spawns no goroutines of its own beyond the optional metrics HTTP server
// and spectator hub writers (see internal/metrics and internal/spectatorhub).
package rollback

import (
	"errors"
	"time"

	"github.com/nullframe/rollback/internal/core"
)

// Frame is a monotonic simulation frame index.
type Frame = core.Frame

// NullFrame marks "no frame".
const NullFrame = core.NullFrame

// PlayerHandle identifies one participant in a session.
type PlayerHandle = core.PlayerHandle

// SpectatorHandleOffset is added to a spectator's ordinal position to form
// its PlayerHandle, keeping spectator handles out of the player range.
const SpectatorHandleOffset = core.SpectatorHandleOffset

// PlayerType distinguishes how a handle was registered with a session.
type PlayerType = core.PlayerType

const (
	PlayerTypeLocal     = core.PlayerTypeLocal
	PlayerTypeRemote    = core.PlayerTypeRemote
	PlayerTypeSpectator = core.PlayerTypeSpectator
)

// InputStatus tags a PlayerInput as it is handed to the host on AdvanceFrame.
type InputStatus = core.InputStatus

const (
	InputConfirmed    = core.InputConfirmed
	InputPredicted    = core.InputPredicted
	InputDisconnected = core.InputDisconnected
)

// PlayerInput pairs a frame with the application payload for one player at
// that frame.
type PlayerInput[T any] = core.PlayerInput[T]

// Codec serializes a fixed-size input payload for wire transmission,
// prediction comparison, and checksumming, without reflection. Size must
// be constant for a given Codec instance.
type Codec[T any] = core.Codec[T]

// EventType tags the variant held by an Event.
type EventType = core.EventType

const (
	EventSynchronizing      = core.EventSynchronizing
	EventSynchronized       = core.EventSynchronized
	EventDisconnected       = core.EventDisconnected
	EventNetworkInterrupted = core.EventNetworkInterrupted
	EventNetworkResumed     = core.EventNetworkResumed
	EventWaitRecommendation = core.EventWaitRecommendation
	EventDesyncDetected     = core.EventDesyncDetected
)

// Event is a notification surfaced to the host via Events(). Only the
// fields relevant to Type are meaningful.
type Event = core.Event

// NetworkStats summarizes what a session knows about its connection to a
// remote handle, for host-side diagnostics/UI.
type NetworkStats struct {
	Ping                 time.Duration
	RemoteFrameAdvantage float64
	LocalFrameAdvantage  float64
	SendQueueLen         int
	RecvQueueLen         int
	KbpsSent             float64
	LastReceivedFrame    Frame
	LastAckedFrame       Frame
}

// Sentinel errors surfaced to the host (§6/§7).
var (
	// ErrPredictionThreshold means the session is too far ahead of its
	// slowest remote peer to predict any further; the host must wait and
	// retry advance_frame without consuming local input.
	ErrPredictionThreshold = errors.New("rollback: prediction threshold exceeded")

	// ErrInvalidRequest means the call violated the session's contract
	// (e.g. advancing without every local handle's input for this frame).
	ErrInvalidRequest = errors.New("rollback: invalid request")

	// ErrNotSynchronized means the operation requires every endpoint to
	// have completed its handshake first.
	ErrNotSynchronized = errors.New("rollback: session not synchronized")

	// ErrMismatchedChecksum is returned by SyncTestSession when a
	// resimulated frame's checksum disagrees with what was originally
	// saved.
	ErrMismatchedChecksum = errors.New("rollback: mismatched checksum")

	// ErrPlayerDisconnected means the operation targets a handle whose
	// endpoint has already disconnected.
	ErrPlayerDisconnected = errors.New("rollback: player disconnected")

	// ErrSocketCreationFailed wraps a failure constructing the session's
	// transport.
	ErrSocketCreationFailed = errors.New("rollback: socket creation failed")

	// ErrDecoding names a wire decode failure at session level. No session
	// returns it: endpoints drop undecodable packets silently.
	ErrDecoding = errors.New("rollback: decoding error")

	// ErrSaveRingExhausted is fatal: the rollback target frame predates
	// everything still held in the save ring. The session must be
	// discarded; there is no valid state to resimulate from.
	ErrSaveRingExhausted = errors.New("rollback: save ring exhausted")
)

// Protocol defaults (§6), re-exported so a host can build its own
// configuration UI/flags around the same values a session falls back to.
const (
	DefaultMaxPredictionFrames   = core.DefaultMaxPredictionFrames
	DefaultDisconnectTimeout     = core.DefaultDisconnectTimeout
	DefaultDisconnectNotifyStart = core.DefaultDisconnectNotifyStart
	MaxInputBatch                = core.MaxInputBatch
)
