// Package supervisor drives one browser peer connection: one peer maps
// to at most one Mumble session, walked through connect, snapshot,
// forward, and teardown.
package supervisor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mumble-gateway/gateway/internal/auditstore"
	"github.com/mumble-gateway/gateway/internal/mumbleclient"
	"github.com/mumble-gateway/gateway/internal/peer"
	"github.com/mumble-gateway/gateway/internal/session"
	"github.com/mumble-gateway/gateway/internal/whitelist"
)

// rootChannelID is always 0: the registry seeds channel 0 as the
// implicit root the moment a session starts.
const rootChannelID = 0

// uplinkCongestionBytes gates the pacer's queue-collapse behavior: once
// the rolling window of recent uplink frame sizes exceeds this many
// bytes, new arrivals replace rather than queue alongside older ones.
const uplinkCongestionBytes = 256 * 1024

const metricsInterval = 2 * time.Second

// dialTimeout bounds how long connect's underlying session.Connect may
// take before the peer gives up and sees connect_failed.
const dialTimeout = 20 * time.Second

// Supervisor owns one browser peer connection for its entire lifetime.
type Supervisor struct {
	id    string
	p     *peer.Peer
	wl    *whitelist.List
	audit *auditstore.Store
	log   *zap.Logger

	mu               sync.Mutex
	sess             *session.Session
	serverID         string
	username         string
	pacer            *peer.Pacer
	metrics          *peer.Metrics
	forwardCancel    context.CancelFunc
	seenPacerDropped uint64
}

// New builds a supervisor for one already-upgraded peer connection.
func New(p *peer.Peer, wl *whitelist.List, audit *auditstore.Store, log *zap.Logger) *Supervisor {
	id := uuid.NewString()
	return &Supervisor{
		id:    id,
		p:     p,
		wl:    wl,
		audit: audit,
		log:   log.With(zap.String("peerId", id)),
	}
}

// Run drives the peer's lifecycle until the connection closes or ctx is
// canceled. It blocks until teardown is complete.
func (s *Supervisor) Run(ctx context.Context) {
	defer s.teardown(peer.ReasonClientDisconnect)

	s.sendServerList()

	metricsTicker := time.NewTicker(metricsInterval)
	defer metricsTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.p.Done():
			return
		case msg, ok := <-s.p.InboundControl():
			if !ok {
				return
			}
			s.handleControl(ctx, msg)
		case frame, ok := <-s.p.InboundVoice():
			if !ok {
				return
			}
			s.handleVoice(frame)
		case <-metricsTicker.C:
			s.emitMetrics()
		}
	}
}

func (s *Supervisor) sendServerList() {
	entries := s.wl.All()
	list := make([]peer.ServerListEntry, 0, len(entries))
	for _, e := range entries {
		list = append(list, peer.ServerListEntry{ID: e.ID, Name: e.Name})
	}
	s.p.SendControl(peer.ControlMessage{Type: peer.TypeServerList, Servers: list})
}

func (s *Supervisor) handleControl(ctx context.Context, msg peer.ControlMessage) {
	switch msg.Type {
	case peer.TypeConnect:
		s.connect(ctx, msg)
	case peer.TypeJoinChannel:
		s.withSession(func(sess *session.Session) {
			if msg.ChannelID != nil {
				if err := sess.SendJoinChannel(*msg.ChannelID); err != nil {
					s.log.Debug("join channel failed", zap.Error(err))
				}
			}
		})
	case peer.TypeTextSend:
		s.withSession(func(sess *session.Session) {
			if err := sess.SendTextMessage(msg.TargetChannels, msg.Message); err != nil {
				s.log.Debug("text send failed", zap.Error(err))
				return
			}
			s.mu.Lock()
			serverID, username := s.serverID, s.username
			s.mu.Unlock()
			if s.audit != nil {
				_ = s.audit.RecordTextMessage(s.id, serverID, username, len(msg.Message))
			}
		})
	case peer.TypePing:
		s.p.SendControl(peer.ControlMessage{
			Type:         peer.TypePong,
			ClientTimeMs: msg.ClientTimeMs,
			ServerTimeMs: time.Now().UnixMilli(),
		})
	case peer.TypeDisconnect:
		s.teardown(peer.ReasonClientDisconnect)
	default:
		s.p.SendControl(peer.ControlMessage{Type: peer.TypeError, Code: peer.ErrCodeBadRequest, Details: msg.Type})
	}
}

// withSession calls fn with the current session if one exists, or
// emits not_connected otherwise.
func (s *Supervisor) withSession(fn func(*session.Session)) {
	s.mu.Lock()
	sess := s.sess
	s.mu.Unlock()
	if sess == nil {
		s.p.SendControl(peer.ControlMessage{Type: peer.TypeError, Code: peer.ErrCodeNotConnected})
		return
	}
	fn(sess)
}

func (s *Supervisor) handleVoice(frame peer.UplinkFrame) {
	s.mu.Lock()
	pacer := s.pacer
	metrics := s.metrics
	s.mu.Unlock()
	if pacer == nil {
		return // no session: nothing to forward to, drop silently
	}
	switch frame.Kind {
	case peer.KindUplinkOpus:
		if metrics != nil {
			metrics.RecordUplink(len(frame.Opus))
		}
		pacer.EnqueueOpus(frame.Target, frame.Opus)
	case peer.KindUplinkEnd:
		pacer.EnqueueEnd(frame.Target)
	}
}

func (s *Supervisor) connect(ctx context.Context, msg peer.ControlMessage) {
	s.teardownSession(peer.ReasonClientDisconnect)

	entry, ok := s.wl.Resolve(msg.ServerID)
	if !ok {
		s.p.SendControl(peer.ControlMessage{Type: peer.TypeError, Code: peer.ErrCodeUnknownServer})
		return
	}

	cfg := mumbleclient.Config{
		Username:  msg.Username,
		Password:  msg.Password,
		Tokens:    msg.Tokens,
		TLSConfig: entry.TLSConfig(),
	}

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	sess, err := session.Connect(dialCtx, entry.Addr(), udpAddr(entry), cfg, s.log)
	if err != nil {
		s.log.Info("connect failed", zap.String("serverId", entry.ID), zap.Error(err))
		code := peer.ErrCodeConnectFailed
		if errors.Is(err, mumbleclient.ErrRejected) {
			code = peer.ErrCodeMumbleReject
		}
		s.p.SendControl(peer.ControlMessage{Type: peer.TypeError, Code: code, Details: err.Error()})
		return
	}

	metrics := peer.NewMetrics()
	pacer := peer.NewPacer(func(target uint8, opus []byte, isEnd bool) error {
		if isEnd {
			return sess.SendOpusEnd(target)
		}
		return sess.SendOpusFrame(target, opus, false)
	}, func() bool {
		return metrics.WindowedUplinkBytes() > uplinkCongestionBytes
	})

	s.mu.Lock()
	s.sess = sess
	s.serverID = entry.ID
	s.username = msg.Username
	s.pacer = pacer
	s.metrics = metrics
	s.seenPacerDropped = 0
	s.mu.Unlock()

	if s.audit != nil {
		_ = s.audit.RecordConnect(s.id, entry.ID, msg.Username)
	}

	info := sess.Registry().Info()
	s.p.SendControl(peer.ControlMessage{
		Type:           peer.TypeConnected,
		SelfUserID:     info.SelfUserID,
		RootChannelID:  rootChannelID,
		WelcomeMessage: info.WelcomeMessage,
		ServerVersion:  info.ServerVersion,
		MaxBandwidth:   info.MaxBandwidth,
	})
	s.sendSnapshot(sess)

	forwardCtx, forwardCancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.forwardCancel = forwardCancel
	s.mu.Unlock()
	go s.forward(forwardCtx, sess)
}

func (s *Supervisor) sendSnapshot(sess *session.Session) {
	channels, users := sess.Registry().Snapshot()
	channelViews := make([]peer.ChannelView, len(channels))
	for i, c := range channels {
		channelViews[i] = peer.NewChannelView(c)
	}
	userViews := make([]peer.UserView, len(users))
	for i, u := range users {
		userViews[i] = peer.NewUserView(u)
	}
	s.p.SendControl(peer.ControlMessage{Type: peer.TypeStateSnapshot, Channels: channelViews, Users: userViews})
}

// forward subscribes to the session's event stream and translates each
// event into the corresponding peer control/voice message until the
// session ends or forwardCtx is canceled.
func (s *Supervisor) forward(ctx context.Context, sess *session.Session) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sess.Events():
			if !ok {
				s.teardown(peer.ReasonMumbleDisconnect)
				return
			}
			s.forwardEvent(ev)
		}
	}
}

func (s *Supervisor) forwardEvent(ev session.Event) {
	switch v := ev.(type) {
	case session.EventVoice:
		s.mu.Lock()
		metrics := s.metrics
		s.mu.Unlock()
		if metrics != nil {
			metrics.RecordDownlink(len(v.Frame.Opus))
		}
		// The envelope's sequence field is the Mumble wire sequence
		// truncated to 32 bits; the browser only uses it for jitter
		// tracking.
		frame := peer.EncodeDownlinkOpus(v.Frame.UserID, v.Frame.Target, v.Frame.IsLastFrame, uint32(v.Frame.Sequence), v.Frame.Opus)
		if dropped := s.p.SendVoice(frame); dropped && metrics != nil {
			metrics.RecordDownlinkDropped(1)
		}
	case session.EventControl:
		s.forwardControlEvent(v.Inner)
	case session.EventRTT:
		s.mu.Lock()
		metrics := s.metrics
		s.mu.Unlock()
		if metrics != nil {
			if v.UDP {
				metrics.RecordUDPRTT(v.RTT)
			} else {
				metrics.RecordServerRTT(v.RTT)
			}
		}
		s.emitMetrics()
	case session.EventDisconnected:
		if v.Err != nil {
			code := peer.ErrCodeMumbleError
			if errors.Is(v.Err, mumbleclient.ErrRejected) {
				code = peer.ErrCodeMumbleReject
			}
			s.p.SendControl(peer.ControlMessage{Type: peer.TypeError, Code: code, Details: v.Err.Error()})
		}
		s.teardown(peer.ReasonMumbleDisconnect)
	}
}

func (s *Supervisor) forwardControlEvent(ev mumbleclient.Event) {
	switch v := ev.(type) {
	case mumbleclient.EventChannelState:
		view := peer.NewChannelView(v.Channel)
		s.p.SendControl(peer.ControlMessage{Type: peer.TypeChannelUpsert, Channel: &view})
	case mumbleclient.EventChannelRemove:
		id := v.ChannelID
		s.p.SendControl(peer.ControlMessage{Type: peer.TypeChannelRemove, ChannelID: &id})
	case mumbleclient.EventUserState:
		view := peer.NewUserView(v.User)
		s.p.SendControl(peer.ControlMessage{Type: peer.TypeUserUpsert, User: &view})
	case mumbleclient.EventUserRemove:
		id := v.Session
		s.p.SendControl(peer.ControlMessage{Type: peer.TypeUserRemove, UserID: &id})
	case mumbleclient.EventTextMessage:
		var senderID uint32
		if v.Message.Actor != nil {
			senderID = *v.Message.Actor
		}
		s.p.SendControl(peer.ControlMessage{
			Type:           peer.TypeTextRecv,
			SenderID:       senderID,
			Message:        v.Message.Message,
			TargetUsers:    v.Message.Sessions,
			TargetChannels: v.Message.ChannelIDs,
			TargetTrees:    v.Message.TreeIDs,
			TimestampMs:    time.Now().UnixMilli(),
		})
	case mumbleclient.EventPermissionDenied:
		var reason string
		if v.Denied.Reason != nil {
			reason = *v.Denied.Reason
		}
		s.p.SendControl(peer.ControlMessage{Type: peer.TypeError, Code: peer.ErrCodeMumbleDenied, Details: reason})
	}
}

func (s *Supervisor) emitMetrics() {
	s.mu.Lock()
	metrics := s.metrics
	pacer := s.pacer
	var dropDelta uint64
	if pacer != nil {
		total := pacer.Dropped()
		dropDelta = total - s.seenPacerDropped
		s.seenPacerDropped = total
	}
	s.mu.Unlock()
	if metrics == nil {
		return
	}
	if dropDelta > 0 {
		metrics.RecordUplinkDropped(dropDelta)
	}
	snap := metrics.Snapshot(time.Now())
	s.p.SendControl(peer.ControlMessage{Type: peer.TypeMetrics, Metrics: &snap})
	s.log.Debug(snap.LogLine())
}

// teardownSession closes any existing session and its pacer without
// touching the peer connection itself; used both by connect's "replace
// any existing session" rule and by the full teardown path.
func (s *Supervisor) teardownSession(reason string) {
	s.mu.Lock()
	sess := s.sess
	pacer := s.pacer
	cancel := s.forwardCancel
	serverID := s.serverID
	s.sess = nil
	s.pacer = nil
	s.metrics = nil
	s.forwardCancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if pacer != nil {
		pacer.Close()
	}
	if sess != nil {
		_ = sess.Close()
		if s.audit != nil {
			_ = s.audit.RecordDisconnect(s.id, serverID, reason)
		}
	}
}

// teardown is the full cleanup path: close any session and tell the
// peer why.
func (s *Supervisor) teardown(reason string) {
	s.mu.Lock()
	hadSession := s.sess != nil
	s.mu.Unlock()
	if !hadSession {
		return
	}
	s.teardownSession(reason)
	s.p.SendControl(peer.ControlMessage{Type: peer.TypeDisconnected, Reason: reason})
}

// udpAddr derives the UDP voice endpoint from a whitelist entry: Mumble
// serves voice on the same host/port as the TLS control connection.
func udpAddr(e whitelist.Entry) string {
	return e.Addr()
}
