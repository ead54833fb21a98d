// Package voicepacket encodes and decodes Mumble's legacy (protocol v1)
// voice datagram format: a one-byte header followed by a varint-framed
// ping or Opus payload. This is the only voice format the gateway
// speaks; the advertised client version stays pinned at 1.4 so the
// server never switches to the v2 voice protocol of Mumble 1.5.
package voicepacket

import (
	"errors"

	"github.com/mumble-gateway/gateway/internal/varint"
)

// Type is the 3-bit packet-type field packed into the header byte.
type Type uint8

const (
	// TypePing is a legacy UDP ping/keepalive packet.
	TypePing Type = 1
	// TypeOpus is an Opus-encoded voice frame.
	TypeOpus Type = 4
)

// MaxOpusPayload is the largest Opus payload the 13-bit size field can
// carry; also enforced on encode.
const MaxOpusPayload = 0x1fff

// lastFrameBit marks, within the encoded size term, that this is the
// speaker's final frame of a talk spurt.
const lastFrameBit = 1 << 13

var (
	// ErrTruncated is returned when the buffer ends before a complete
	// packet has been decoded.
	ErrTruncated = errors.New("voicepacket: truncated input")
	// ErrOversizedPayload is returned when an Opus payload exceeds
	// MaxOpusPayload on encode, or the decoded size claims more bytes
	// than remain in the buffer.
	ErrOversizedPayload = errors.New("voicepacket: opus payload too large")
	// ErrUnknownType is returned for header type values other than
	// TypePing/TypeOpus.
	ErrUnknownType = errors.New("voicepacket: unknown packet type")
)

// Ping is a decoded legacy ping packet.
type Ping struct {
	Target    uint8 // low 5 bits of the header; pings always carry target 0.
	Timestamp uint64
}

// Opus is a decoded legacy Opus voice packet.
//
// SessionID is only populated on packets received from the server
// (server→client packets carry the speaker's session id; client→server
// packets omit it and the server infers it from the connection).
type Opus struct {
	Target      uint8
	SessionID   uint32 // 0 and HasSession=false on client→server packets.
	HasSession  bool
	Sequence    uint64
	IsLastFrame bool
	Payload     []byte
}

func header(t Type, target uint8) byte {
	return byte(t)<<5 | (target & 0x1f)
}

// EncodePing encodes a client→server (or server→client) ping packet.
func EncodePing(target uint8, timestamp uint64) []byte {
	buf := make([]byte, 0, 10)
	buf = append(buf, header(TypePing, target))
	buf = varint.Write(buf, timestamp)
	return buf
}

// EncodeClientOpus encodes a client→server Opus packet: no session id
// field, the server infers the speaker from the connection.
func EncodeClientOpus(target uint8, sequence uint64, opus []byte, isLastFrame bool) ([]byte, error) {
	if len(opus) > MaxOpusPayload {
		return nil, ErrOversizedPayload
	}
	buf := make([]byte, 0, 1+varint.Len(sequence)+5+len(opus))
	buf = append(buf, header(TypeOpus, target))
	buf = varint.Write(buf, sequence)
	sizeTerm := uint64(len(opus))
	if isLastFrame {
		sizeTerm |= lastFrameBit
	}
	buf = varint.Write(buf, sizeTerm)
	buf = append(buf, opus...)
	return buf, nil
}

// EncodeServerOpus encodes a server→client Opus packet (carries the
// speaker's session id). The gateway does not emit these itself, but
// tests exercise round-tripping against the decoder with it.
func EncodeServerOpus(target uint8, sessionID uint32, sequence uint64, opus []byte, isLastFrame bool) ([]byte, error) {
	if len(opus) > MaxOpusPayload {
		return nil, ErrOversizedPayload
	}
	buf := make([]byte, 0, 1+5+varint.Len(sequence)+5+len(opus))
	buf = append(buf, header(TypeOpus, target))
	buf = varint.Write(buf, uint64(sessionID))
	buf = varint.Write(buf, sequence)
	sizeTerm := uint64(len(opus))
	if isLastFrame {
		sizeTerm |= lastFrameBit
	}
	buf = varint.Write(buf, sizeTerm)
	buf = append(buf, opus...)
	return buf, nil
}

// Decode parses a legacy voice packet. hasSessionID selects whether an
// Opus packet is expected to carry a leading session-id varint
// (server→client framing) or not (client→server framing); ping packets
// are unaffected.
func Decode(buf []byte, hasSessionID bool) (interface{}, error) {
	if len(buf) < 1 {
		return nil, ErrTruncated
	}
	t := Type(buf[0] >> 5)
	target := buf[0] & 0x1f
	rest := buf[1:]

	switch t {
	case TypePing:
		ts, _, err := varint.Read(rest)
		if err != nil {
			return nil, err
		}
		return &Ping{Target: target, Timestamp: ts}, nil
	case TypeOpus:
		var sessionID uint64
		if hasSessionID {
			sid, n, err := varint.Read(rest)
			if err != nil {
				return nil, err
			}
			sessionID = sid
			rest = rest[n:]
		}
		seq, n, err := varint.Read(rest)
		if err != nil {
			return nil, err
		}
		rest = rest[n:]
		sizeTerm, n, err := varint.Read(rest)
		if err != nil {
			return nil, err
		}
		rest = rest[n:]
		size := int(sizeTerm & 0x1fff)
		isLast := sizeTerm&lastFrameBit != 0
		if size > len(rest) {
			return nil, ErrOversizedPayload
		}
		payload := make([]byte, size)
		copy(payload, rest[:size])
		return &Opus{
			Target:      target,
			SessionID:   uint32(sessionID),
			HasSession:  hasSessionID,
			Sequence:    seq,
			IsLastFrame: isLast,
			Payload:     payload,
		}, nil
	default:
		return nil, ErrUnknownType
	}
}
