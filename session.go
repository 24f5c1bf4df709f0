package rollback

import "github.com/nullframe/rollback/internal/synclayer"

// RequestKind tags a Request's variant.
type RequestKind = synclayer.RequestKind

const (
	RequestSaveGameState = synclayer.RequestSaveGameState
	RequestLoadGameState = synclayer.RequestLoadGameState
	RequestAdvanceFrame  = synclayer.RequestAdvanceFrame
)

// Cell is one slot of a session's save ring. The host fills it via Save
// when fulfilling a SaveGameState request, and reads it via Load when
// fulfilling a LoadGameState request.
type Cell = synclayer.Cell

// Request is one entry of the ordered list a session returns from
// AdvanceFrame. The host must fulfill every entry, in order, before calling
// AdvanceFrame again.
type Request[T any] = synclayer.Request[T]
