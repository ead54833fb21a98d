// Package mumbleproto implements a minimal protobuf wire-format codec
// for the dozen Mumble control messages the gateway uses. Unlike
// a generated protobuf package, it has no descriptor/reflection
// machinery: each message type hand-decodes the fields it cares about
// and skips everything else by wire type.
package mumbleproto

import (
	"encoding/binary"
	"errors"
)

// Wire types understood by the reader. 1 (fixed64) and 5 (fixed32) are
// skip-only: no outbound message needs them.
const (
	wireVarint   = 0
	wireFixed64  = 1
	wireBytes    = 2
	wireFixed32  = 5
)

// ErrMalformed is returned when a message cannot be parsed as valid
// protobuf wire format (truncated tag, truncated length-delimited
// field, or an unsupported wire type).
var ErrMalformed = errors.New("mumbleproto: malformed message")

// field is one decoded (possibly skipped) field from the wire.
type field struct {
	num      int
	wireType int
	varint   uint64 // valid when wireType == wireVarint
	bytes    []byte // valid when wireType == wireBytes
}

// decodeFields walks buf and returns every varint and length-delimited
// field in wire order; fixed64/fixed32 fields are skipped and not
// returned. Unknown field numbers are still returned (callers ignore
// what they don't recognize) so a single pass suffices for every
// message type.
func decodeFields(buf []byte) ([]field, error) {
	var fields []field
	for len(buf) > 0 {
		tag, n := binary.Uvarint(buf)
		if n <= 0 {
			return nil, ErrMalformed
		}
		buf = buf[n:]
		num := int(tag >> 3)
		wt := int(tag & 0x7)

		switch wt {
		case wireVarint:
			v, n := binary.Uvarint(buf)
			if n <= 0 {
				return nil, ErrMalformed
			}
			buf = buf[n:]
			fields = append(fields, field{num: num, wireType: wt, varint: v})
		case wireBytes:
			l, n := binary.Uvarint(buf)
			if n <= 0 {
				return nil, ErrMalformed
			}
			buf = buf[n:]
			if uint64(len(buf)) < l {
				return nil, ErrMalformed
			}
			fields = append(fields, field{num: num, wireType: wt, bytes: buf[:l]})
			buf = buf[l:]
		case wireFixed64:
			if len(buf) < 8 {
				return nil, ErrMalformed
			}
			buf = buf[8:]
		case wireFixed32:
			if len(buf) < 4 {
				return nil, ErrMalformed
			}
			buf = buf[4:]
		default:
			return nil, ErrMalformed
		}
	}
	return fields, nil
}

// asString interprets a wireBytes field's payload as a string.
func (f field) asString() string { return string(f.bytes) }

// asInt32 sign-extends a varint-encoded signed 32-bit field; Mumble's
// signed fields are plain varints, not zigzag.
func (f field) asInt32() int32 { return int32(f.varint) }

// writer accumulates an outbound protobuf message.
type writer struct {
	buf []byte
}

func (w *writer) tag(num int, wt int) {
	w.buf = binary.AppendUvarint(w.buf, uint64(num)<<3|uint64(wt))
}

func (w *writer) putVarint(num int, v uint64) {
	w.tag(num, wireVarint)
	w.buf = binary.AppendUvarint(w.buf, v)
}

func (w *writer) putUint32(num int, v uint32) { w.putVarint(num, uint64(v)) }

func (w *writer) putBool(num int, v bool) {
	if v {
		w.putVarint(num, 1)
	} else {
		w.putVarint(num, 0)
	}
}

func (w *writer) putString(num int, s string) {
	w.tag(num, wireBytes)
	w.buf = binary.AppendUvarint(w.buf, uint64(len(s)))
	w.buf = append(w.buf, s...)
}

func (w *writer) putBytes(num int, b []byte) {
	w.tag(num, wireBytes)
	w.buf = binary.AppendUvarint(w.buf, uint64(len(b)))
	w.buf = append(w.buf, b...)
}

func (w *writer) putStrings(num int, ss []string) {
	for _, s := range ss {
		w.putString(num, s)
	}
}

func (w *writer) bytes() []byte { return w.buf }
