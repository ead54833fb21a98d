package peer

import (
	"encoding/binary"
	"errors"
)

// Binary voice envelope tags carried as the first byte of a WebSocket
// binary frame. Little-endian throughout: this envelope is a
// gateway-private wire format, distinct from Mumble's own big-endian
// varint encoding used once the frame reaches internal/voicepacket.
const (
	KindUplinkOpus   = 0x12
	KindUplinkEnd    = 0x03
	KindDownlinkOpus = 0x11
)

var (
	ErrTruncatedVoiceFrame = errors.New("peer: truncated voice frame")
	ErrUnknownVoiceKind    = errors.New("peer: unknown voice frame kind")
)

// downlinkOpusHeaderLen is tag(1) + userId(4) + target(1) + flags(1) + sequence(4).
const downlinkOpusHeaderLen = 11

// uplinkOpusHeaderLen is tag(1) + target(1) + reserved(2).
const uplinkOpusHeaderLen = 4

const flagLastFrame = 0x01

// UplinkFrame is a decoded browser-to-gateway binary voice frame.
type UplinkFrame struct {
	Kind   byte
	Target uint8
	Opus   []byte // nil for KindUplinkEnd
}

// DecodeUplink parses a binary frame received from the peer's WebSocket.
func DecodeUplink(buf []byte) (UplinkFrame, error) {
	if len(buf) < 1 {
		return UplinkFrame{}, ErrTruncatedVoiceFrame
	}
	switch buf[0] {
	case KindUplinkEnd:
		return UplinkFrame{Kind: KindUplinkEnd}, nil
	case KindUplinkOpus:
		if len(buf) < uplinkOpusHeaderLen {
			return UplinkFrame{}, ErrTruncatedVoiceFrame
		}
		target := buf[1] & 0x1f
		opus := append([]byte(nil), buf[uplinkOpusHeaderLen:]...)
		return UplinkFrame{Kind: KindUplinkOpus, Target: target, Opus: opus}, nil
	default:
		return UplinkFrame{}, ErrUnknownVoiceKind
	}
}

// EncodeDownlinkOpus builds a gateway-to-peer binary voice frame carrying
// one decoded Mumble voice packet.
func EncodeDownlinkOpus(userID uint32, target uint8, isLastFrame bool, sequence uint32, opus []byte) []byte {
	buf := make([]byte, downlinkOpusHeaderLen+len(opus))
	buf[0] = KindDownlinkOpus
	binary.LittleEndian.PutUint32(buf[1:5], userID)
	buf[5] = target & 0x1f
	var flags byte
	if isLastFrame {
		flags |= flagLastFrame
	}
	buf[6] = flags
	binary.LittleEndian.PutUint32(buf[7:11], sequence)
	copy(buf[downlinkOpusHeaderLen:], opus)
	return buf
}

// EncodeUplinkOpus builds the wire bytes for an uplink opus frame; used by
// tests and by loopback tooling rather than by the browser itself.
func EncodeUplinkOpus(target uint8, opus []byte) []byte {
	buf := make([]byte, uplinkOpusHeaderLen+len(opus))
	buf[0] = KindUplinkOpus
	buf[1] = target & 0x1f
	copy(buf[uplinkOpusHeaderLen:], opus)
	return buf
}

// EncodeUplinkEnd builds the wire bytes for an end-of-talk marker.
func EncodeUplinkEnd() []byte {
	return []byte{KindUplinkEnd}
}
