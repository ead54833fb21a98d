// Package session joins a TLS control client and an optional UDP voice
// client into one per-peer Mumble session: it performs the handshake,
// deduplicates voice arriving across both transports, assigns outbound
// sequence numbers, and exposes a single event stream to the supervisor.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mumble-gateway/gateway/internal/mumbleclient"
	"github.com/mumble-gateway/gateway/internal/udpvoice"
	"github.com/mumble-gateway/gateway/internal/voicepacket"
)

const (
	dedupWindow    = 1000 * time.Millisecond
	dedupEvictAge  = 1500 * time.Millisecond
	dedupSoftLimit = 2048
	dedupHardLimit = 4096
)

// VoiceFrame is the unified voice stream a Session emits regardless of
// which transport (UDP or TCP tunnel) carried the packet.
type VoiceFrame struct {
	UserID      uint32
	Target      uint8
	Sequence    uint64
	IsLastFrame bool
	Opus        []byte
}

// Event is the tagged union a Session emits to the supervisor.
type Event interface{ isEvent() }

type (
	// EventControl passes through a control-plane event from the TLS
	// client untranslated; the supervisor reads channel/user/text/
	// permission updates straight off it.
	EventControl struct{ Inner mumbleclient.Event }
	// EventVoice is a deduplicated, transport-agnostic voice frame.
	EventVoice struct{ Frame VoiceFrame }
	// EventRTT reports a completed ping round trip on either transport.
	EventRTT struct {
		UDP bool
		RTT time.Duration
	}
	// EventDisconnected is terminal: the session is no longer usable.
	EventDisconnected struct{ Err error }
)

func (EventControl) isEvent()      {}
func (EventVoice) isEvent()        {}
func (EventRTT) isEvent()          {}
func (EventDisconnected) isEvent() {}

type dedupKey struct {
	userID   uint32
	target   uint8
	sequence uint64
}

// Session is a per-peer Mumble session: one TLS control connection, at
// most one UDP voice connection, an outbound sequence counter, and the
// dual-transport dedup table.
type Session struct {
	mumble *mumbleclient.Client
	udp    *udpvoice.Client
	log    *zap.Logger

	seqMu sync.Mutex
	seq   uint64

	dedupMu sync.Mutex
	dedup   map[dedupKey]time.Time

	events chan Event

	closeOnce sync.Once
	closed    chan struct{}
}

// Connect dials the TLS control client and, best-effort, the UDP voice
// client, then starts the event pump. Connect blocks until ServerSync
// arrives or the handshake times out, by delegating to mumbleclient.Dial.
// A UDP dial failure is not fatal: the session simply never reaches
// UdpReady and all voice flows over the TCP tunnel fallback.
func Connect(ctx context.Context, mumbleAddr, udpAddr string, cfg mumbleclient.Config, log *zap.Logger) (*Session, error) {
	mc, err := mumbleclient.Dial(ctx, mumbleAddr, cfg, log)
	if err != nil {
		return nil, fmt.Errorf("session: connect: %w", err)
	}

	uc, err := udpvoice.Dial(udpAddr, log)
	if err != nil {
		log.Warn("udp voice dial failed, falling back to tcp tunnel only", zap.Error(err))
		uc = nil
	}

	s := &Session{
		mumble: mc,
		udp:    uc,
		log:    log,
		dedup:  make(map[dedupKey]time.Time),
		events: make(chan Event, 256),
		closed: make(chan struct{}),
	}
	go s.pump()
	return s, nil
}

// Events returns the channel of events this session emits. It is closed
// once the session has fully torn down.
func (s *Session) Events() <-chan Event { return s.events }

// Registry exposes the channel/user registry owned by the TLS client.
func (s *Session) Registry() *mumbleclient.Registry { return s.mumble.Registry() }

// SendJoinChannel requests a channel move.
func (s *Session) SendJoinChannel(channelID uint32) error {
	return s.mumble.SendJoinChannel(channelID)
}

// SendTextMessage relays a browser-originated chat message.
func (s *Session) SendTextMessage(channelIDs []uint32, message string) error {
	return s.mumble.SendTextMessage(channelIDs, message)
}

// SendOpusFrame builds a legacy client-voice packet with the next
// sequence number and transmits it over UDP if ready, falling back to
// the TCP tunnel on any UDP send failure. The sequence
// counter advances exactly once per call regardless of which transport
// ultimately carries the frame.
func (s *Session) SendOpusFrame(target uint8, opus []byte, isLastFrame bool) error {
	seq := s.nextSequence()
	raw, err := voicepacket.EncodeClientOpus(target, seq, opus, isLastFrame)
	if err != nil {
		return err
	}
	if s.udp != nil && s.udp.State() == udpvoice.StateUDPReady {
		if err := s.udp.Send(raw); err == nil {
			return nil
		}
	}
	return s.mumble.SendUDPTunnel(raw)
}

// SendOpusEnd emits an end-of-talk marker (empty payload, isLastFrame)
// through the same send path as a voice frame.
func (s *Session) SendOpusEnd(target uint8) error {
	return s.SendOpusFrame(target, nil, true)
}

func (s *Session) nextSequence() uint64 {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()
	seq := s.seq
	s.seq++
	return seq
}

// Close tears down both transports; idempotent.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		err = s.mumble.Close()
		if s.udp != nil {
			_ = s.udp.Close()
		}
	})
	return err
}

func (s *Session) pump() {
	defer close(s.events)
	defer func() {
		// A panic in an event handler must not take the process down
		// with it; the owner sees a terminal event instead.
		if r := recover(); r != nil {
			s.log.Error("session pump panic", zap.Any("panic", r))
			s.emit(EventDisconnected{Err: fmt.Errorf("session: pump panic: %v", r)})
		}
	}()

	var udpEvents <-chan udpvoice.Event
	if s.udp != nil {
		udpEvents = s.udp.Events()
	}

	for {
		select {
		case <-s.closed:
			return

		case ev, ok := <-s.mumble.Events():
			if !ok {
				s.emit(EventDisconnected{})
				return
			}
			if terminal := s.handleControlEvent(ev); terminal {
				return
			}

		case ev, ok := <-udpEvents:
			if !ok {
				udpEvents = nil
				continue
			}
			s.handleUDPEvent(ev)
		}
	}
}

// handleControlEvent dispatches one control-plane event; it reports true when the
// event was terminal and the pump should exit.
func (s *Session) handleControlEvent(ev mumbleclient.Event) bool {
	switch v := ev.(type) {
	case mumbleclient.EventCryptSetup:
		if s.udp != nil {
			if err := s.udp.SetCryptSetup(v.Setup.Key, v.Setup.ClientNonce, v.Setup.ServerNonce); err != nil {
				s.log.Debug("crypt setup rejected", zap.Error(err))
			}
		}
	case mumbleclient.EventUDPTunnel:
		s.handleTunnelVoice(v.Payload)
	case mumbleclient.EventPing:
		s.emit(EventRTT{RTT: v.RTT})
	case mumbleclient.EventDisconnected:
		s.emit(EventDisconnected{Err: v.Err})
		return true
	default:
		s.emit(EventControl{Inner: ev})
	}
	return false
}

func (s *Session) handleUDPEvent(ev udpvoice.Event) {
	switch v := ev.(type) {
	case udpvoice.EventVoice:
		s.handleDecodedVoice(v.Opus)
	case udpvoice.EventPing:
		s.emit(EventRTT{UDP: true, RTT: v.RTT})
	case udpvoice.EventCryptSetupRequest:
		if err := s.mumble.SendCryptSetupReply(v.ClientNonce); err != nil {
			s.log.Debug("crypt setup reply failed", zap.Error(err))
		}
	case udpvoice.EventFallback:
		if err := s.mumble.SendUDPTunnel(v.Ping); err != nil {
			s.log.Debug("udp fallback tunnel ping failed", zap.Error(err))
		}
	}
}

func (s *Session) handleTunnelVoice(payload []byte) {
	decoded, err := voicepacket.Decode(payload, true)
	if err != nil {
		return
	}
	if opus, ok := decoded.(*voicepacket.Opus); ok {
		s.handleDecodedVoice(*opus)
	}
}

func (s *Session) handleDecodedVoice(opus voicepacket.Opus) {
	key := dedupKey{userID: opus.SessionID, target: opus.Target, sequence: opus.Sequence}
	if !s.dedupAllow(key, time.Now()) {
		return
	}
	s.emit(EventVoice{Frame: VoiceFrame{
		UserID:      opus.SessionID,
		Target:      opus.Target,
		Sequence:    opus.Sequence,
		IsLastFrame: opus.IsLastFrame,
		Opus:        opus.Payload,
	}})
}

// dedupAllow implements the dual-path de-duplication: a key observed
// within the last second is a duplicate. Eviction is old-first once the
// table exceeds dedupSoftLimit entries, then a hard clear if it is
// still oversized afterward.
func (s *Session) dedupAllow(key dedupKey, now time.Time) bool {
	s.dedupMu.Lock()
	defer s.dedupMu.Unlock()

	if last, ok := s.dedup[key]; ok && now.Sub(last) < dedupWindow {
		return false
	}
	s.dedup[key] = now

	if len(s.dedup) > dedupSoftLimit {
		for k, t := range s.dedup {
			if now.Sub(t) > dedupEvictAge {
				delete(s.dedup, k)
			}
		}
		if len(s.dedup) > dedupHardLimit {
			s.dedup = make(map[dedupKey]time.Time)
		}
	}
	return true
}

func (s *Session) emit(ev Event) {
	select {
	case s.events <- ev:
	case <-s.closed:
	}
}
