// Package wire implements the per-endpoint UDP message codec: the fixed
// header, the seven message variants, and the XOR-delta/RLE input batch
// compression described in the rollback protocol.
//
// Framing is "fixed header, then variant payload": a small binary header
// written with encoding/binary, then one variant body. A single datagram
// carries exactly one message, so there is no batch-decode loop here — the
// endpoint calls Decode once per received packet.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/nullframe/rollback/internal/core"
)

// ErrTruncated is returned when a buffer ends before a complete message (or
// a complete RLE run table) could be read. Decode must never panic on
// attacker-controlled or corrupted input; this is the sentinel callers use
// to discard the packet.
var ErrTruncated = errors.New("wire: truncated message")

// ErrBadMagic names a header-magic mismatch. Decode does not check the
// magic and never returns it; endpoints compare Header.Magic themselves and
// drop a mismatching packet the same as any other decode failure.
var ErrBadMagic = errors.New("wire: bad magic")

// MessageType identifies which variant a Message carries.
type MessageType uint8

const (
	MsgSyncRequest MessageType = iota
	MsgSyncReply
	MsgInput
	MsgInputAck
	MsgQualityReport
	MsgQualityReply
	MsgKeepAlive
)

// Header prefixes every datagram. Sequence is opaque to the codec; the
// endpoint uses it only to discard duplicates on receipt.
type Header struct {
	Magic    uint16
	QueueID  uint8
	Sequence uint16
}

const headerSize = 2 + 1 + 2

// SyncRequestBody is a peer liveness probe sent during handshake.
type SyncRequestBody struct{ Random uint32 }

// SyncReplyBody echoes a SyncRequestBody's random value.
type SyncReplyBody struct{ Random uint32 }

// InputBody is a batch of consecutive inputs starting at StartFrame. Bits
// holds the RLE-encoded XOR-delta payload; InputSize and NumInputs are
// needed to decode it (see EncodeInputBatch/DecodeInputBatch).
//
// HasChecksum/ChecksumFrame/Checksum piggyback an opt-in desync-detection
// sample: the sender's locally-saved checksum for one already-confirmed
// frame, so the receiver can compare it against its own save for that frame
// without a dedicated round trip.
type InputBody struct {
	StartFrame          core.Frame
	DisconnectRequested bool
	AckFrame            core.Frame
	InputSize           int
	NumInputs           int
	Bits                []byte
	HasChecksum         bool
	ChecksumFrame       core.Frame
	Checksum            uint16
}

// InputAckBody is a piggyback-style ack for the highest contiguous input a
// peer has received.
type InputAckBody struct{ AckFrame core.Frame }

// QualityReportBody carries an RTT probe timestamp and the sender's current
// frame advantage, for the remote's time-sync estimator.
type QualityReportBody struct {
	PingMS         uint32
	FrameAdvantage int8
}

// QualityReplyBody echoes the ping timestamp so the original sender can
// compute round-trip time.
type QualityReplyBody struct{ PongMS uint32 }

// Message is a decoded datagram: Header plus whichever body Type selects.
// Only one of the body fields is meaningful for a given Type; this is a
// single flat struct rather than a sum-type/interface hierarchy, since Go
// has no tagged unions and the message set is small and fixed.
type Message struct {
	Header        Header
	Type          MessageType
	SyncRequest   SyncRequestBody
	SyncReply     SyncReplyBody
	Input         InputBody
	InputAck      InputAckBody
	QualityReport QualityReportBody
	QualityReply  QualityReplyBody
}

// Encode serializes msg to its wire representation.
func Encode(msg Message) []byte {
	buf := make([]byte, headerSize, headerSize+16)
	binary.BigEndian.PutUint16(buf[0:2], msg.Header.Magic)
	buf[2] = msg.Header.QueueID
	binary.BigEndian.PutUint16(buf[3:5], msg.Header.Sequence)
	buf = append(buf, byte(msg.Type))

	switch msg.Type {
	case MsgSyncRequest:
		buf = appendU32(buf, msg.SyncRequest.Random)
	case MsgSyncReply:
		buf = appendU32(buf, msg.SyncReply.Random)
	case MsgInput:
		buf = appendI32(buf, int32(msg.Input.StartFrame))
		if msg.Input.DisconnectRequested {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
		buf = appendI32(buf, int32(msg.Input.AckFrame))
		buf = appendU16(buf, uint16(msg.Input.InputSize))
		buf = appendU16(buf, uint16(msg.Input.NumInputs))
		buf = appendU32(buf, uint32(len(msg.Input.Bits)))
		buf = append(buf, msg.Input.Bits...)
		if msg.Input.HasChecksum {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
		buf = appendI32(buf, int32(msg.Input.ChecksumFrame))
		buf = appendU16(buf, msg.Input.Checksum)
	case MsgInputAck:
		buf = appendI32(buf, int32(msg.InputAck.AckFrame))
	case MsgQualityReport:
		buf = appendU32(buf, msg.QualityReport.PingMS)
		buf = append(buf, byte(msg.QualityReport.FrameAdvantage))
	case MsgQualityReply:
		buf = appendU32(buf, msg.QualityReply.PongMS)
	case MsgKeepAlive:
		// no body
	}
	return buf
}

// Decode parses a datagram. It never panics: malformed input yields
// ErrTruncated (or a MessageType-specific error), never a runtime panic,
// because corrupted packets are the one historical regression this codec
// guards against.
func Decode(data []byte) (Message, error) {
	var msg Message
	if len(data) < headerSize+1 {
		return msg, ErrTruncated
	}
	msg.Header.Magic = binary.BigEndian.Uint16(data[0:2])
	msg.Header.QueueID = data[2]
	msg.Header.Sequence = binary.BigEndian.Uint16(data[3:5])
	msg.Type = MessageType(data[5])
	rest := data[6:]

	switch msg.Type {
	case MsgSyncRequest:
		v, _, err := readU32(rest)
		if err != nil {
			return msg, err
		}
		msg.SyncRequest.Random = v
	case MsgSyncReply:
		v, _, err := readU32(rest)
		if err != nil {
			return msg, err
		}
		msg.SyncReply.Random = v
	case MsgInput:
		start, rest, err := readI32(rest)
		if err != nil {
			return msg, err
		}
		if len(rest) < 1 {
			return msg, ErrTruncated
		}
		disc := rest[0] != 0
		rest = rest[1:]
		ack, rest, err := readI32(rest)
		if err != nil {
			return msg, err
		}
		sz, rest, err := readU16(rest)
		if err != nil {
			return msg, err
		}
		n, rest, err := readU16(rest)
		if err != nil {
			return msg, err
		}
		blen, rest, err := readU32(rest)
		if err != nil {
			return msg, err
		}
		if uint64(len(rest)) < uint64(blen) {
			return msg, ErrTruncated
		}
		bits := append([]byte(nil), rest[:blen]...)
		rest = rest[blen:]
		if len(rest) < 1 {
			return msg, ErrTruncated
		}
		hasChecksum := rest[0] != 0
		rest = rest[1:]
		checksumFrame, rest, err := readI32(rest)
		if err != nil {
			return msg, err
		}
		checksum, _, err := readU16(rest)
		if err != nil {
			return msg, err
		}
		msg.Input = InputBody{
			StartFrame:          core.Frame(start),
			DisconnectRequested: disc,
			AckFrame:            core.Frame(ack),
			InputSize:           int(sz),
			NumInputs:           int(n),
			Bits:                bits,
			HasChecksum:         hasChecksum,
			ChecksumFrame:       core.Frame(checksumFrame),
			Checksum:            checksum,
		}
	case MsgInputAck:
		v, _, err := readI32(rest)
		if err != nil {
			return msg, err
		}
		msg.InputAck.AckFrame = core.Frame(v)
	case MsgQualityReport:
		ping, rest, err := readU32(rest)
		if err != nil {
			return msg, err
		}
		if len(rest) < 1 {
			return msg, ErrTruncated
		}
		msg.QualityReport = QualityReportBody{PingMS: ping, FrameAdvantage: int8(rest[0])}
	case MsgQualityReply:
		v, _, err := readU32(rest)
		if err != nil {
			return msg, err
		}
		msg.QualityReply.PongMS = v
	case MsgKeepAlive:
		// no body
	default:
		return msg, fmt.Errorf("wire: unknown message type %d", msg.Type)
	}
	return msg, nil
}

func appendU16(b []byte, v uint16) []byte {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], v)
	return append(b, tmp[:]...)
}

func appendU32(b []byte, v uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	return append(b, tmp[:]...)
}

func appendI32(b []byte, v int32) []byte { return appendU32(b, uint32(v)) }

func readU16(b []byte) (uint16, []byte, error) {
	if len(b) < 2 {
		return 0, nil, ErrTruncated
	}
	return binary.BigEndian.Uint16(b[:2]), b[2:], nil
}

func readU32(b []byte) (uint32, []byte, error) {
	if len(b) < 4 {
		return 0, nil, ErrTruncated
	}
	return binary.BigEndian.Uint32(b[:4]), b[4:], nil
}

func readI32(b []byte) (int32, []byte, error) {
	v, rest, err := readU32(b)
	return int32(v), rest, err
}
