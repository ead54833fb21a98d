package mumbleproto

import "testing"

func u32(v uint32) *uint32 { return &v }

func TestVersionRoundTrip(t *testing.T) {
	in := Version{Version: (1 << 16) | (4 << 8), Release: "gatewayd", OS: "linux", OSVersion: "amd64"}
	out, err := DecodeVersion(EncodeVersion(in))
	if err != nil {
		t.Fatal(err)
	}
	if *out != in {
		t.Errorf("got %+v, want %+v", *out, in)
	}
}

func TestAuthenticateEncodesClientTypeZero(t *testing.T) {
	buf := EncodeAuthenticate(Authenticate{Username: "alice", Opus: true, ClientType: 0})
	fields, err := decodeFields(buf)
	if err != nil {
		t.Fatal(err)
	}
	var sawClientType, sawOpus bool
	for _, f := range fields {
		if f.num == 6 {
			sawClientType = true
			if f.varint != 0 {
				t.Errorf("client_type = %d, want 0", f.varint)
			}
		}
		if f.num == 5 {
			sawOpus = true
			if f.varint != 1 {
				t.Errorf("opus = %d, want 1", f.varint)
			}
		}
	}
	if !sawClientType || !sawOpus {
		t.Fatalf("missing fields: client_type=%v opus=%v", sawClientType, sawOpus)
	}
}

func TestPingRoundTrip(t *testing.T) {
	out, err := DecodePing(EncodePing(123456789))
	if err != nil {
		t.Fatal(err)
	}
	if out.Timestamp != 123456789 {
		t.Errorf("got %d, want 123456789", out.Timestamp)
	}
}

func TestJoinChannelOmitsSessionWhenNil(t *testing.T) {
	buf := EncodeJoinChannel(nil, 5)
	fields, err := decodeFields(buf)
	if err != nil {
		t.Fatal(err)
	}
	for _, f := range fields {
		if f.num == 1 {
			t.Fatalf("session field present when selfUserId unknown")
		}
	}
	buf = EncodeJoinChannel(u32(7), 5)
	out, err := DecodeUserState(buf)
	if err != nil {
		t.Fatal(err)
	}
	if out.Session == nil || *out.Session != 7 || out.ChannelID == nil || *out.ChannelID != 5 {
		t.Fatalf("got %+v", out)
	}
}

func TestUserStateChannelIDPresence(t *testing.T) {
	// A server omitting channel_id means "root"; the registry (not this
	// decoder) is responsible for defaulting to 0 and preserving prior
	// values on update. The decoder itself must simply report
	// "absent" so the registry can apply that rule, and must keep an
	// explicit channel_id of 0 distinct from an absent one.
	buf := EncodeJoinChannel(u32(1), 0)
	out, err := DecodeUserState(buf)
	if err != nil {
		t.Fatal(err)
	}
	if out.ChannelID == nil || *out.ChannelID != 0 {
		t.Fatalf("got %+v", out)
	}

	var w writer
	w.putUint32(1, 1)
	out, err = DecodeUserState(w.bytes())
	if err != nil {
		t.Fatal(err)
	}
	if out.ChannelID != nil {
		t.Fatalf("channel_id absent on the wire but decoded as %d", *out.ChannelID)
	}
}

func TestChannelStateLinkMerge(t *testing.T) {
	var w writer
	w.putUint32(1, 3)
	w.putUint32(6, 10)
	w.putUint32(6, 11)
	out, err := DecodeChannelState(w.bytes())
	if err != nil {
		t.Fatal(err)
	}
	if out.LinksPresent {
		t.Fatalf("LinksPresent = true, want false (only linksAdd present)")
	}
	if len(out.LinksAdd) != 2 || out.LinksAdd[0] != 10 || out.LinksAdd[1] != 11 {
		t.Fatalf("got LinksAdd=%v", out.LinksAdd)
	}
}

func TestChannelStateFullLinkReplace(t *testing.T) {
	var w writer
	w.putUint32(1, 3)
	w.putUint32(4, 20)
	out, err := DecodeChannelState(w.bytes())
	if err != nil {
		t.Fatal(err)
	}
	if !out.LinksPresent || len(out.Links) != 1 || out.Links[0] != 20 {
		t.Fatalf("got %+v", out)
	}
}

func TestCryptSetupRoundTrip(t *testing.T) {
	in := CryptSetup{Key: []byte("0123456789abcdef"), ClientNonce: []byte("aaaaaaaaaaaaaaaa"), ServerNonce: []byte("bbbbbbbbbbbbbbbb")}
	out, err := DecodeCryptSetup(EncodeCryptSetup(in))
	if err != nil {
		t.Fatal(err)
	}
	if string(out.Key) != string(in.Key) || string(out.ClientNonce) != string(in.ClientNonce) || string(out.ServerNonce) != string(in.ServerNonce) {
		t.Fatalf("got %+v", out)
	}
}

func TestCryptSetupResyncOnly(t *testing.T) {
	// Server-initiated resync: only server_nonce is populated.
	in := CryptSetup{ServerNonce: []byte("cccccccccccccccc")}
	out, err := DecodeCryptSetup(EncodeCryptSetup(in))
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Key) != 0 || len(out.ClientNonce) != 0 || string(out.ServerNonce) != string(in.ServerNonce) {
		t.Fatalf("got %+v", out)
	}
}

func TestTextMessageRoundTrip(t *testing.T) {
	in := TextMessage{Sessions: []uint32{1, 2}, ChannelIDs: []uint32{0}, Message: "hi"}
	out, err := DecodeTextMessage(EncodeTextMessage(in))
	if err != nil {
		t.Fatal(err)
	}
	if out.Message != "hi" || len(out.Sessions) != 2 || len(out.ChannelIDs) != 1 {
		t.Fatalf("got %+v", out)
	}
}

func TestUnknownFieldsAreSkipped(t *testing.T) {
	var w writer
	w.putUint32(1, 3)
	w.putString(99, "unknown field")
	w.putBytes(100, []byte{1, 2, 3})
	w.tag(101, wireFixed32)
	w.buf = append(w.buf, 0, 0, 0, 0)
	w.tag(102, wireFixed64)
	w.buf = append(w.buf, 0, 0, 0, 0, 0, 0, 0, 0)
	w.putUint32(2, 9)

	out, err := DecodeChannelRemove(w.bytes())
	if err != nil {
		t.Fatal(err)
	}
	if out.ChannelID != 3 {
		t.Fatalf("got %+v", out)
	}
}

func TestMalformedTruncated(t *testing.T) {
	if _, err := decodeFields([]byte{0x08}); err != ErrMalformed {
		t.Fatalf("err = %v, want ErrMalformed", err)
	}
}
