package mumbleclient

import (
	"sync"

	"github.com/mumble-gateway/gateway/internal/mumbleproto"
)

// Channel is one entry of the server's channel tree.
type Channel struct {
	ID          uint32
	Name        string
	ParentID    *uint32
	Position    int32
	Description string
	Links       map[uint32]struct{}
}

// User is one connected user on the server. ChannelID defaults to 0
// (root) the first time a user is seen without the field, and is
// preserved on subsequent updates that omit it.
type User struct {
	ID        uint32
	Name      string
	ChannelID uint32
	Mute      bool
	Deaf      bool
	Suppress  bool
	SelfMute  bool
	SelfDeaf  bool
}

// ServerInfo is the session-scoped singleton populated from Version,
// ServerSync, and CodecVersion.
type ServerInfo struct {
	WelcomeMessage string
	MaxBandwidth   uint32
	ServerVersion  uint32
	Opus           bool
	SelfUserID     uint32
	HaveSelfUserID bool
	RootChannelID  uint32
}

// Registry holds the channel/user snapshot. It is exclusively owned and
// mutated by Client; every other component reads a copy via
// Snapshot/Channel/Info.
type Registry struct {
	mu       sync.RWMutex
	channels map[uint32]*Channel
	users    map[uint32]*User
	info     ServerInfo
}

func newRegistry() *Registry {
	return &Registry{
		channels: map[uint32]*Channel{
			0: {ID: 0, Name: "Root", Links: map[uint32]struct{}{}},
		},
		users: map[uint32]*User{},
	}
}

// ApplyChannelState merges an incoming ChannelState: scalar fields are
// copy-on-update, the link set is replaced when a full list arrives and
// delta-patched otherwise.
func (r *Registry) ApplyChannelState(cs *mumbleproto.ChannelState) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch, ok := r.channels[cs.ChannelID]
	if !ok {
		ch = &Channel{ID: cs.ChannelID, Links: map[uint32]struct{}{}}
		r.channels[cs.ChannelID] = ch
	}
	if cs.Parent != nil {
		p := *cs.Parent
		ch.ParentID = &p
	}
	if cs.Name != nil {
		ch.Name = *cs.Name
	}
	if cs.Description != nil {
		ch.Description = *cs.Description
	}
	if cs.Position != nil {
		ch.Position = *cs.Position
	}
	switch {
	case cs.LinksPresent:
		ch.Links = make(map[uint32]struct{}, len(cs.Links))
		for _, l := range cs.Links {
			ch.Links[l] = struct{}{}
		}
	default:
		for _, l := range cs.LinksAdd {
			ch.Links[l] = struct{}{}
		}
		for _, l := range cs.LinksRemove {
			delete(ch.Links, l)
		}
	}
}

// ApplyChannelRemove deletes a channel.
func (r *Registry) ApplyChannelRemove(id uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.channels, id)
}

// ApplyUserState merges an incoming UserState, defaulting a never-seen
// user's channel to root and preserving it when the update omits it.
func (r *Registry) ApplyUserState(us *mumbleproto.UserState) {
	if us.Session == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.users[*us.Session]
	if !ok {
		u = &User{ID: *us.Session, ChannelID: 0}
		r.users[*us.Session] = u
	}
	if us.Name != nil {
		u.Name = *us.Name
	}
	if us.ChannelID != nil {
		u.ChannelID = *us.ChannelID
	}
	// else: preserve the previous value, including the 0 default set
	// above the first time this user was seen.
	if us.Mute != nil {
		u.Mute = *us.Mute
	}
	if us.Deaf != nil {
		u.Deaf = *us.Deaf
	}
	if us.Suppress != nil {
		u.Suppress = *us.Suppress
	}
	if us.SelfMute != nil {
		u.SelfMute = *us.SelfMute
	}
	if us.SelfDeaf != nil {
		u.SelfDeaf = *us.SelfDeaf
	}
}

// ApplyUserRemove deletes a user.
func (r *Registry) ApplyUserRemove(session uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.users, session)
}

// ApplyServerSync records the self user id and max bandwidth.
func (r *Registry) ApplyServerSync(ss *mumbleproto.ServerSync) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.info.SelfUserID = ss.Session
	r.info.HaveSelfUserID = true
	if ss.MaxBandwidth != nil {
		r.info.MaxBandwidth = *ss.MaxBandwidth
	}
	if ss.WelcomeText != nil {
		r.info.WelcomeMessage = *ss.WelcomeText
	}
}

// ApplyVersion records the server's advertised protocol version.
func (r *Registry) ApplyVersion(v *mumbleproto.Version) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.info.ServerVersion = v.Version
}

// ApplyCodecVersion records whether Opus is usable on this server.
func (r *Registry) ApplyCodecVersion(cv *mumbleproto.CodecVersion) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.info.Opus = cv.Opus
}

// Info returns a copy of the current ServerInfo singleton.
func (r *Registry) Info() ServerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.info
}

// userByID returns a copy of a user by session id, or (User{}, false).
func (r *Registry) userByID(id uint32) (User, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.users[id]
	if !ok {
		return User{}, false
	}
	return *u, true
}

// Channel returns a copy of a channel by id, or (Channel{}, false).
func (r *Registry) Channel(id uint32) (Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[id]
	if !ok {
		return Channel{}, false
	}
	return *ch, true
}

// Snapshot returns a deep copy of every channel and user, for the
// stateSnapshot message sent right after connect.
func (r *Registry) Snapshot() ([]Channel, []User) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	channels := make([]Channel, 0, len(r.channels))
	for _, ch := range r.channels {
		cp := *ch
		cp.Links = make(map[uint32]struct{}, len(ch.Links))
		for l := range ch.Links {
			cp.Links[l] = struct{}{}
		}
		channels = append(channels, cp)
	}
	users := make([]User, 0, len(r.users))
	for _, u := range r.users {
		users = append(users, *u)
	}
	return channels, users
}
