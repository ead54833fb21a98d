package peer

import (
	"bytes"
	"testing"
)

func TestUplinkOpusRoundTrip(t *testing.T) {
	opus := []byte{1, 2, 3, 4, 5}
	wire := EncodeUplinkOpus(3, opus)

	got, err := DecodeUplink(wire)
	if err != nil {
		t.Fatal(err)
	}
	if got.Kind != KindUplinkOpus {
		t.Fatalf("kind = %x, want %x", got.Kind, KindUplinkOpus)
	}
	if got.Target != 3 {
		t.Fatalf("target = %d, want 3", got.Target)
	}
	if !bytes.Equal(got.Opus, opus) {
		t.Fatalf("opus = %v, want %v", got.Opus, opus)
	}
}

func TestUplinkEndRoundTrip(t *testing.T) {
	wire := EncodeUplinkEnd()
	got, err := DecodeUplink(wire)
	if err != nil {
		t.Fatal(err)
	}
	if got.Kind != KindUplinkEnd {
		t.Fatalf("kind = %x, want %x", got.Kind, KindUplinkEnd)
	}
	if got.Opus != nil {
		t.Fatalf("expected nil opus for end marker, got %v", got.Opus)
	}
}

func TestDecodeUplinkTruncated(t *testing.T) {
	if _, err := DecodeUplink(nil); err != ErrTruncatedVoiceFrame {
		t.Fatalf("got %v, want ErrTruncatedVoiceFrame", err)
	}
	if _, err := DecodeUplink([]byte{KindUplinkOpus, 0}); err != ErrTruncatedVoiceFrame {
		t.Fatalf("got %v, want ErrTruncatedVoiceFrame", err)
	}
}

func TestDecodeUplinkUnknownKind(t *testing.T) {
	if _, err := DecodeUplink([]byte{0xff}); err != ErrUnknownVoiceKind {
		t.Fatalf("got %v, want ErrUnknownVoiceKind", err)
	}
}

func TestEncodeDownlinkOpusLayout(t *testing.T) {
	opus := []byte{9, 9, 9}
	wire := EncodeDownlinkOpus(42, 1, true, 7, opus)

	if wire[0] != KindDownlinkOpus {
		t.Fatalf("tag = %x", wire[0])
	}
	if len(wire) != downlinkOpusHeaderLen+len(opus) {
		t.Fatalf("len = %d, want %d", len(wire), downlinkOpusHeaderLen+len(opus))
	}
	if flags := wire[6]; flags&flagLastFrame == 0 {
		t.Fatal("expected last-frame flag set")
	}
	if !bytes.Equal(wire[downlinkOpusHeaderLen:], opus) {
		t.Fatalf("payload = %v, want %v", wire[downlinkOpusHeaderLen:], opus)
	}
}
