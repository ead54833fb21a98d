package voicepacket

import (
	"bytes"
	"testing"
)

func TestClientOpusRoundTrip(t *testing.T) {
	for _, target := range []uint8{0, 1, 31} {
		for _, seq := range []uint64{0, 1, 1 << 20} {
			for _, last := range []bool{false, true} {
				opus := bytes.Repeat([]byte{0xAB}, 32)
				buf, err := EncodeClientOpus(target, seq, opus, last)
				if err != nil {
					t.Fatalf("encode: %v", err)
				}
				decoded, err := Decode(buf, false)
				if err != nil {
					t.Fatalf("decode: %v", err)
				}
				o, ok := decoded.(*Opus)
				if !ok {
					t.Fatalf("decoded type = %T, want *Opus", decoded)
				}
				if o.Target != target || o.Sequence != seq || o.IsLastFrame != last || o.HasSession {
					t.Errorf("got %+v, want target=%d seq=%d last=%v", o, target, seq, last)
				}
				if !bytes.Equal(o.Payload, opus) {
					t.Errorf("payload mismatch: got %x want %x", o.Payload, opus)
				}
			}
		}
	}
}

func TestServerOpusRoundTrip(t *testing.T) {
	opus := []byte{1, 2, 3, 4}
	buf, err := EncodeServerOpus(0, 7, 42, opus, false)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := Decode(buf, true)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	o := decoded.(*Opus)
	if o.SessionID != 7 || !o.HasSession || o.Sequence != 42 {
		t.Errorf("got %+v", o)
	}
}

func TestPingRoundTrip(t *testing.T) {
	buf := EncodePing(0, 1234567890)
	decoded, err := Decode(buf, false)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	p := decoded.(*Ping)
	if p.Timestamp != 1234567890 {
		t.Errorf("got timestamp %d, want 1234567890", p.Timestamp)
	}
}

func TestOversizedPayloadRejectedOnEncode(t *testing.T) {
	opus := make([]byte, MaxOpusPayload+1)
	if _, err := EncodeClientOpus(0, 0, opus, false); err != ErrOversizedPayload {
		t.Fatalf("err = %v, want ErrOversizedPayload", err)
	}
}

func TestTruncatedSizeRejected(t *testing.T) {
	opus := []byte{1, 2, 3, 4, 5}
	buf, _ := EncodeClientOpus(0, 0, opus, false)
	// Claim more bytes than remain by truncating the payload tail.
	truncated := buf[:len(buf)-2]
	if _, err := Decode(truncated, false); err != ErrOversizedPayload {
		t.Fatalf("err = %v, want ErrOversizedPayload", err)
	}
}

func TestUnknownTypeRejected(t *testing.T) {
	buf := []byte{byte(7) << 5}
	if _, err := Decode(buf, false); err != ErrUnknownType {
		t.Fatalf("err = %v, want ErrUnknownType", err)
	}
}
