package mumbleproto

// Kind identifies a control-plane message type by its numeric id, used
// in the `[u16 type | u32 length | payload]` TLS frame header.
type Kind uint16

const (
	KindVersion          Kind = 0
	KindUDPTunnel        Kind = 1
	KindAuthenticate     Kind = 2
	KindPing             Kind = 3
	KindReject           Kind = 4
	KindServerSync       Kind = 5
	KindChannelRemove    Kind = 6
	KindChannelState     Kind = 7
	KindUserRemove       Kind = 8
	KindUserState        Kind = 9
	KindTextMessage      Kind = 11
	KindPermissionDenied Kind = 12
	KindCryptSetup       Kind = 15
	KindCodecVersion     Kind = 21
)

// Version is sent immediately after the TLS handshake and received from
// the server as the first message of a session.
type Version struct {
	Version   uint32
	Release   string
	OS        string
	OSVersion string
}

// EncodeVersion packs a Version message with v.Version as given. The
// gateway's client advertises v1.4.0, i.e. (1<<16)|(4<<8)|0, pinning the
// session to legacy voice packets.
func EncodeVersion(v Version) []byte {
	var w writer
	w.putUint32(1, v.Version)
	w.putString(2, v.Release)
	w.putString(3, v.OS)
	w.putString(4, v.OSVersion)
	return w.bytes()
}

func DecodeVersion(buf []byte) (*Version, error) {
	fields, err := decodeFields(buf)
	if err != nil {
		return nil, err
	}
	v := &Version{}
	for _, f := range fields {
		switch f.num {
		case 1:
			v.Version = uint32(f.varint)
		case 2:
			v.Release = f.asString()
		case 3:
			v.OS = f.asString()
		case 4:
			v.OSVersion = f.asString()
		}
	}
	return v, nil
}

// Authenticate is sent once, immediately after Version.
type Authenticate struct {
	Username   string
	Password   string
	Tokens     []string
	Opus       bool
	ClientType uint32 // 0 = regular user.
}

func EncodeAuthenticate(a Authenticate) []byte {
	var w writer
	w.putString(1, a.Username)
	w.putString(2, a.Password)
	w.putStrings(3, a.Tokens)
	w.putBool(5, a.Opus)
	w.putUint32(6, a.ClientType)
	return w.bytes()
}

// Ping carries a client or server timestamp for RTT measurement.
type Ping struct {
	Timestamp uint64
}

func EncodePing(timestampMs uint64) []byte {
	var w writer
	w.putVarint(1, timestampMs)
	return w.bytes()
}

func DecodePing(buf []byte) (*Ping, error) {
	fields, err := decodeFields(buf)
	if err != nil {
		return nil, err
	}
	p := &Ping{}
	for _, f := range fields {
		if f.num == 1 {
			p.Timestamp = f.varint
		}
	}
	return p, nil
}

// UserState is both an outbound join-channel request (session + channel_id
// only) and the full incoming user snapshot/delta.
type UserState struct {
	Session   *uint32
	Name      *string
	ChannelID *uint32
	Mute      *bool
	Deaf      *bool
	Suppress  *bool
	SelfMute  *bool
	SelfDeaf  *bool
}

// EncodeJoinChannel builds the outbound UserState(1,5) used to request a
// channel move. session is nil when selfUserId hasn't arrived yet;
// the server applies it by connection identity in that case.
func EncodeJoinChannel(session *uint32, channelID uint32) []byte {
	var w writer
	if session != nil {
		w.putUint32(1, *session)
	}
	w.putUint32(5, channelID)
	return w.bytes()
}

func DecodeUserState(buf []byte) (*UserState, error) {
	fields, err := decodeFields(buf)
	if err != nil {
		return nil, err
	}
	u := &UserState{}
	for _, f := range fields {
		switch f.num {
		case 1:
			v := uint32(f.varint)
			u.Session = &v
		case 3:
			v := f.asString()
			u.Name = &v
		case 5:
			v := uint32(f.varint)
			u.ChannelID = &v
		case 6:
			v := f.varint != 0
			u.Mute = &v
		case 7:
			v := f.varint != 0
			u.Deaf = &v
		case 8:
			v := f.varint != 0
			u.Suppress = &v
		case 9:
			v := f.varint != 0
			u.SelfMute = &v
		case 10:
			v := f.varint != 0
			u.SelfDeaf = &v
		}
	}
	return u, nil
}

// UserRemove signals a user leaving the server (disconnect or kick/ban).
type UserRemove struct {
	Session uint32
	Actor   *uint32
	Reason  string
	Ban     bool
}

func DecodeUserRemove(buf []byte) (*UserRemove, error) {
	fields, err := decodeFields(buf)
	if err != nil {
		return nil, err
	}
	r := &UserRemove{}
	for _, f := range fields {
		switch f.num {
		case 1:
			r.Session = uint32(f.varint)
		case 2:
			v := uint32(f.varint)
			r.Actor = &v
		case 3:
			r.Reason = f.asString()
		case 4:
			r.Ban = f.varint != 0
		}
	}
	return r, nil
}

// ChannelState is both the full snapshot and incremental updates; see
// the registry's copy-on-update / link-set merge rules.
type ChannelState struct {
	ChannelID    uint32
	Parent       *uint32
	Name         *string
	Description  *string
	Position     *int32
	Links        []uint32 // full replacement, present iff len(raw "links" fields) > 0 in the message.
	LinksPresent bool
	LinksAdd     []uint32
	LinksRemove  []uint32
}

func DecodeChannelState(buf []byte) (*ChannelState, error) {
	fields, err := decodeFields(buf)
	if err != nil {
		return nil, err
	}
	c := &ChannelState{}
	for _, f := range fields {
		switch f.num {
		case 1:
			c.ChannelID = uint32(f.varint)
		case 2:
			v := uint32(f.varint)
			c.Parent = &v
		case 3:
			v := f.asString()
			c.Name = &v
		case 4:
			c.Links = append(c.Links, uint32(f.varint))
			c.LinksPresent = true
		case 5:
			v := f.asString()
			c.Description = &v
		case 6:
			c.LinksAdd = append(c.LinksAdd, uint32(f.varint))
		case 7:
			c.LinksRemove = append(c.LinksRemove, uint32(f.varint))
		case 9:
			v := f.asInt32()
			c.Position = &v
		}
	}
	return c, nil
}

// ChannelRemove signals a channel being deleted.
type ChannelRemove struct {
	ChannelID uint32
}

func DecodeChannelRemove(buf []byte) (*ChannelRemove, error) {
	fields, err := decodeFields(buf)
	if err != nil {
		return nil, err
	}
	c := &ChannelRemove{}
	for _, f := range fields {
		if f.num == 1 {
			c.ChannelID = uint32(f.varint)
		}
	}
	return c, nil
}

// ServerSync arrives once the server has finished sending the initial
// channel/user snapshot; its arrival completes the handshake.
type ServerSync struct {
	Session      uint32
	MaxBandwidth *uint32
	WelcomeText  *string
}

func DecodeServerSync(buf []byte) (*ServerSync, error) {
	fields, err := decodeFields(buf)
	if err != nil {
		return nil, err
	}
	s := &ServerSync{}
	for _, f := range fields {
		switch f.num {
		case 1:
			s.Session = uint32(f.varint)
		case 2:
			v := uint32(f.varint)
			s.MaxBandwidth = &v
		case 3:
			v := f.asString()
			s.WelcomeText = &v
		}
	}
	return s, nil
}

// Reject terminates the session with a reason.
type Reject struct {
	Type   int32
	Reason string
}

func DecodeReject(buf []byte) (*Reject, error) {
	fields, err := decodeFields(buf)
	if err != nil {
		return nil, err
	}
	r := &Reject{}
	for _, f := range fields {
		switch f.num {
		case 1:
			r.Type = f.asInt32()
		case 2:
			r.Reason = f.asString()
		}
	}
	return r, nil
}

// PermissionDenied is surfaced as a non-fatal denial event.
type PermissionDenied struct {
	Permission *uint32
	ChannelID  *uint32
	Session    *uint32
	Reason     *string
	Type       int32
}

func DecodePermissionDenied(buf []byte) (*PermissionDenied, error) {
	fields, err := decodeFields(buf)
	if err != nil {
		return nil, err
	}
	p := &PermissionDenied{}
	for _, f := range fields {
		switch f.num {
		case 1:
			v := uint32(f.varint)
			p.Permission = &v
		case 2:
			v := uint32(f.varint)
			p.ChannelID = &v
		case 3:
			v := uint32(f.varint)
			p.Session = &v
		case 4:
			v := f.asString()
			p.Reason = &v
		case 5:
			p.Type = f.asInt32()
		}
	}
	return p, nil
}

// CryptSetup carries the OCB2 key and/or IV triple, or a bare request
// for resync.
type CryptSetup struct {
	Key         []byte
	ClientNonce []byte
	ServerNonce []byte
}

func EncodeCryptSetup(c CryptSetup) []byte {
	var w writer
	if len(c.Key) > 0 {
		w.putBytes(1, c.Key)
	}
	if len(c.ClientNonce) > 0 {
		w.putBytes(2, c.ClientNonce)
	}
	if len(c.ServerNonce) > 0 {
		w.putBytes(3, c.ServerNonce)
	}
	return w.bytes()
}

func DecodeCryptSetup(buf []byte) (*CryptSetup, error) {
	fields, err := decodeFields(buf)
	if err != nil {
		return nil, err
	}
	c := &CryptSetup{}
	for _, f := range fields {
		switch f.num {
		case 1:
			c.Key = append([]byte(nil), f.bytes...)
		case 2:
			c.ClientNonce = append([]byte(nil), f.bytes...)
		case 3:
			c.ServerNonce = append([]byte(nil), f.bytes...)
		}
	}
	return c, nil
}

// CodecVersion reports the server's preferred/legacy codecs; the
// gateway only cares whether Opus is usable.
type CodecVersion struct {
	Opus bool
}

func DecodeCodecVersion(buf []byte) (*CodecVersion, error) {
	fields, err := decodeFields(buf)
	if err != nil {
		return nil, err
	}
	c := &CodecVersion{}
	for _, f := range fields {
		if f.num == 4 {
			c.Opus = f.varint != 0
		}
	}
	return c, nil
}

// TextMessage is both the outbound send (session/channel_id/tree_id
// targets + message) and the inbound receipt (actor + targets + message).
type TextMessage struct {
	Actor      *uint32
	Sessions   []uint32
	ChannelIDs []uint32
	TreeIDs    []uint32
	Message    string
}

func EncodeTextMessage(t TextMessage) []byte {
	var w writer
	for _, s := range t.Sessions {
		w.putUint32(2, s)
	}
	for _, c := range t.ChannelIDs {
		w.putUint32(3, c)
	}
	for _, tr := range t.TreeIDs {
		w.putUint32(4, tr)
	}
	w.putString(5, t.Message)
	return w.bytes()
}

func DecodeTextMessage(buf []byte) (*TextMessage, error) {
	fields, err := decodeFields(buf)
	if err != nil {
		return nil, err
	}
	t := &TextMessage{}
	for _, f := range fields {
		switch f.num {
		case 1:
			v := uint32(f.varint)
			t.Actor = &v
		case 2:
			t.Sessions = append(t.Sessions, uint32(f.varint))
		case 3:
			t.ChannelIDs = append(t.ChannelIDs, uint32(f.varint))
		case 4:
			t.TreeIDs = append(t.TreeIDs, uint32(f.varint))
		case 5:
			t.Message = f.asString()
		}
	}
	return t, nil
}
