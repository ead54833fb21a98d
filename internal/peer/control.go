// Package peer implements the browser-facing side of a session: the
// JSON control envelope and binary voice envelope carried over one
// WebSocket, the uplink pacer, downlink backpressure, and metrics
// aggregation.
package peer

import "github.com/mumble-gateway/gateway/internal/mumbleclient"

// Control message type tags carried in the JSON envelope's `type` field.
const (
	TypeConnect     = "connect"
	TypeDisconnect  = "disconnect"
	TypeJoinChannel = "joinChannel"
	TypeTextSend    = "textSend"
	TypePing        = "ping"

	TypeServerList     = "serverList"
	TypeConnected      = "connected"
	TypeStateSnapshot  = "stateSnapshot"
	TypeChannelUpsert  = "channelUpsert"
	TypeChannelRemove  = "channelRemove"
	TypeUserUpsert     = "userUpsert"
	TypeUserRemove     = "userRemove"
	TypeTextRecv       = "textRecv"
	TypeMetrics        = "metrics"
	TypePong           = "pong"
	TypeDisconnected   = "disconnected"
	TypeError          = "error"
)

// Disconnect reasons reported to the peer on teardown.
const (
	ReasonClientDisconnect = "client_disconnect"
	ReasonMumbleDisconnect = "mumble_disconnect"
)

// Error codes the supervisor surfaces to the peer.
const (
	ErrCodeBadRequest    = "bad_request"
	ErrCodeConnectFailed = "connect_failed"
	ErrCodeNotConnected  = "not_connected"
	ErrCodeUnknownServer = "unknown_server"
	ErrCodeMumbleReject  = "mumble_reject"
	ErrCodeMumbleDenied  = "mumble_denied"
	ErrCodeMumbleError   = "mumble_error"
	ErrCodeInternal      = "internal_error"
)

// ControlMessage is the single envelope type carried over the WebSocket's
// text frames in both directions; unused fields are omitted on encode.
// One flat struct with a tag plus optional fields, rather than one
// struct per message type.
type ControlMessage struct {
	Type string `json:"type"`

	// connect
	ServerID string   `json:"serverId,omitempty"`
	Username string   `json:"username,omitempty"`
	Password string   `json:"password,omitempty"`
	Tokens   []string `json:"tokens,omitempty"`

	// joinChannel / channelUpsert / channelRemove / stateSnapshot
	ChannelID *uint32       `json:"channelId,omitempty"`
	Channel   *ChannelView  `json:"channel,omitempty"`
	Channels  []ChannelView `json:"channels,omitempty"`

	// userUpsert / userRemove / stateSnapshot
	UserID *uint32    `json:"userId,omitempty"`
	User   *UserView  `json:"user,omitempty"`
	Users  []UserView `json:"users,omitempty"`

	// textSend / textRecv
	Message        string   `json:"message,omitempty"`
	SenderID       uint32   `json:"senderId,omitempty"`
	TargetUsers    []uint32 `json:"targetUsers,omitempty"`
	TargetChannels []uint32 `json:"targetChannels,omitempty"`
	TargetTrees    []uint32 `json:"targetTrees,omitempty"`
	TimestampMs    int64    `json:"timestampMs,omitempty"`

	// ping / pong
	ClientTimeMs int64 `json:"clientTimeMs,omitempty"`
	ServerTimeMs int64 `json:"serverTimeMs,omitempty"`

	// connected
	SelfUserID     uint32 `json:"selfUserId,omitempty"`
	RootChannelID  uint32 `json:"rootChannelId,omitempty"`
	WelcomeMessage string `json:"welcomeMessage,omitempty"`
	ServerVersion  uint32 `json:"serverVersion,omitempty"`
	MaxBandwidth   uint32 `json:"maxBandwidth,omitempty"`

	// serverList
	Servers []ServerListEntry `json:"servers,omitempty"`

	// metrics
	Metrics *Snapshot `json:"metrics,omitempty"`

	// disconnected
	Reason string `json:"reason,omitempty"`

	// error
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// ServerListEntry is one entry of the whitelist surfaced to the peer.
type ServerListEntry struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ChannelView is the JSON-safe projection of mumbleclient.Channel: the
// registry's map-based link set becomes a plain slice.
type ChannelView struct {
	ID          uint32   `json:"id"`
	Name        string   `json:"name"`
	ParentID    *uint32  `json:"parentId,omitempty"`
	Position    int32    `json:"position"`
	Description string   `json:"description,omitempty"`
	Links       []uint32 `json:"links"`
}

// NewChannelView projects a registry channel into its wire shape.
func NewChannelView(c mumbleclient.Channel) ChannelView {
	links := make([]uint32, 0, len(c.Links))
	for l := range c.Links {
		links = append(links, l)
	}
	return ChannelView{
		ID:          c.ID,
		Name:        c.Name,
		ParentID:    c.ParentID,
		Position:    c.Position,
		Description: c.Description,
		Links:       links,
	}
}

// UserView is the JSON-safe projection of mumbleclient.User.
type UserView struct {
	ID        uint32 `json:"id"`
	Name      string `json:"name"`
	ChannelID uint32 `json:"channelId"`
	Mute      bool   `json:"mute"`
	Deaf      bool   `json:"deaf"`
	Suppress  bool   `json:"suppress"`
	SelfMute  bool   `json:"selfMute"`
	SelfDeaf  bool   `json:"selfDeaf"`
}

// NewUserView projects a registry user into its wire shape.
func NewUserView(u mumbleclient.User) UserView {
	return UserView{
		ID:        u.ID,
		Name:      u.Name,
		ChannelID: u.ChannelID,
		Mute:      u.Mute,
		Deaf:      u.Deaf,
		Suppress:  u.Suppress,
		SelfMute:  u.SelfMute,
		SelfDeaf:  u.SelfDeaf,
	}
}
