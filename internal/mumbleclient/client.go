// Package mumbleclient implements the TLS control-plane connection to a
// native Mumble server: Version/Authenticate handshake, the framed
// protobuf transport, dispatch of incoming control messages into the
// channel/user Registry, and the outbound operations a bridged browser
// session needs (join channel, send text, reply to CryptSetup).
package mumbleclient

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mumble-gateway/gateway/internal/mumbleproto"
)

// ErrRejected is wrapped with the server's stated reason when the
// Authenticate handshake is refused.
var ErrRejected = errors.New("mumbleclient: rejected")

// ErrHandshakeTimeout is returned by Dial when ServerSync does not arrive
// within the handshake window.
var ErrHandshakeTimeout = errors.New("mumbleclient: handshake timeout")

const (
	handshakeTimeout = 15 * time.Second
	pingInterval     = 10 * time.Second
	writeTimeout     = 10 * time.Second
)

// Config carries the identity and TLS parameters for a single session.
type Config struct {
	Username  string
	Password  string
	Tokens    []string
	TLSConfig *tls.Config
}

// Client owns one TLS control-plane connection for the lifetime of a
// bridged session. It is the sole mutator of its Registry; other
// components only read snapshots from it.
type Client struct {
	conn   net.Conn
	reader *bufio.Reader
	log    *zap.Logger

	writeMu sync.Mutex

	registry *Registry

	events chan Event

	closeOnce sync.Once
	closed    chan struct{}

	pingSentAt map[uint64]time.Time
	pingMu     sync.Mutex
}

// Event is the tagged union of control-plane events a Client emits.
// The owning session is the sole consumer of a Client's event channel.
type Event interface{ isEvent() }

type (
	EventServerSync       struct{ Info ServerInfo }
	EventChannelState     struct{ Channel Channel }
	EventChannelRemove    struct{ ChannelID uint32 }
	EventUserState        struct{ User User }
	EventUserRemove       struct{ Session uint32 }
	EventTextMessage      struct{ Message mumbleproto.TextMessage }
	EventPermissionDenied struct{ Denied mumbleproto.PermissionDenied }
	EventCryptSetup       struct{ Setup mumbleproto.CryptSetup }
	EventUDPTunnel        struct{ Payload []byte }
	EventPing             struct{ RTT time.Duration }
	EventDisconnected     struct{ Err error }
)

func (EventServerSync) isEvent()       {}
func (EventChannelState) isEvent()     {}
func (EventChannelRemove) isEvent()    {}
func (EventUserState) isEvent()        {}
func (EventUserRemove) isEvent()       {}
func (EventTextMessage) isEvent()      {}
func (EventPermissionDenied) isEvent() {}
func (EventCryptSetup) isEvent()       {}
func (EventUDPTunnel) isEvent()        {}
func (EventPing) isEvent()             {}
func (EventDisconnected) isEvent()     {}

// Dial establishes the TLS connection, performs the Version/Authenticate
// handshake, and blocks until ServerSync arrives (session ready) or the
// handshake window expires. On success the returned Client's
// read loop is already running; the caller must drain Events() and
// eventually call Close.
func Dial(ctx context.Context, addr string, cfg Config, log *zap.Logger) (*Client, error) {
	dialer := &net.Dialer{}
	conn, err := tls.DialWithDialer(dialer, "tcp", addr, cfg.TLSConfig)
	if err != nil {
		return nil, fmt.Errorf("mumbleclient: dial %s: %w", addr, err)
	}

	c := &Client{
		conn:       conn,
		reader:     bufio.NewReaderSize(conn, 64*1024),
		log:        log,
		registry:   newRegistry(),
		events:     make(chan Event, 256),
		closed:     make(chan struct{}),
		pingSentAt: make(map[uint64]time.Time),
	}

	if err := c.sendFrame(mumbleproto.KindVersion, mumbleproto.EncodeVersion(mumbleproto.Version{
		Version: (1 << 16) | (4 << 8),
		Release: "mumble-gateway",
		OS:      "linux",
	})); err != nil {
		conn.Close()
		return nil, err
	}
	if err := c.sendFrame(mumbleproto.KindAuthenticate, mumbleproto.EncodeAuthenticate(mumbleproto.Authenticate{
		Username: cfg.Username,
		Password: cfg.Password,
		Tokens:   cfg.Tokens,
		Opus:     true,
	})); err != nil {
		conn.Close()
		return nil, err
	}

	synced := make(chan error, 1)
	go c.readLoop(synced)
	go c.pingLoop()

	timer := time.NewTimer(handshakeTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		c.Close()
		return nil, ctx.Err()
	case <-timer.C:
		c.Close()
		return nil, ErrHandshakeTimeout
	case err := <-synced:
		if err != nil {
			c.Close()
			return nil, err
		}
		return c, nil
	}
}

// Events returns the channel of incoming server events. It is closed
// once the read loop exits, after a final EventDisconnected is sent.
func (c *Client) Events() <-chan Event { return c.events }

// Registry exposes the read-only channel/user snapshot; callers never
// mutate it directly.
func (c *Client) Registry() *Registry { return c.registry }

// Close tears down the connection; idempotent.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.conn.Close()
	})
	return err
}

func (c *Client) sendFrame(kind mumbleproto.Kind, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return writeFrame(c.conn, writeTimeout, kind, payload)
}

// SendJoinChannel requests a channel move for the gateway's own session.
func (c *Client) SendJoinChannel(channelID uint32) error {
	info := c.registry.Info()
	var session *uint32
	if info.HaveSelfUserID {
		id := info.SelfUserID
		session = &id
	}
	return c.sendFrame(mumbleproto.KindUserState, mumbleproto.EncodeJoinChannel(session, channelID))
}

// SendTextMessage relays a browser-side chat message to the native
// server.
func (c *Client) SendTextMessage(channelIDs []uint32, message string) error {
	return c.sendFrame(mumbleproto.KindTextMessage, mumbleproto.EncodeTextMessage(mumbleproto.TextMessage{
		ChannelIDs: channelIDs,
		Message:    message,
	}))
}

// SendCryptSetupReply answers a server-initiated resync request with the
// client's current encrypt IV.
func (c *Client) SendCryptSetupReply(clientNonce [16]byte) error {
	return c.sendFrame(mumbleproto.KindCryptSetup, mumbleproto.EncodeCryptSetup(mumbleproto.CryptSetup{
		ClientNonce: clientNonce[:],
	}))
}

// SendUDPTunnel forwards a voice packet over the TLS tunnel fallback
// path.
func (c *Client) SendUDPTunnel(payload []byte) error {
	return c.sendFrame(mumbleproto.KindUDPTunnel, payload)
}

func (c *Client) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			now := uint64(time.Now().UnixMilli())
			c.pingMu.Lock()
			c.pingSentAt[now] = time.Now()
			c.pingMu.Unlock()
			if err := c.sendFrame(mumbleproto.KindPing, mumbleproto.EncodePing(now)); err != nil {
				return
			}
		}
	}
}

func (c *Client) readLoop(synced chan<- error) {
	var syncedOnce sync.Once
	signalSynced := func(err error) {
		syncedOnce.Do(func() { synced <- err })
	}

	var readErr error
	// The initial channel/user snapshot arrives before ServerSync, while
	// no consumer is draining the event channel yet (the owner only
	// subscribes once Dial has returned). The registry captures that
	// state for the post-connect snapshot, so pre-sync registry deltas
	// are applied but not emitted; emitting them could fill the buffer
	// and stall the read loop on a large server.
	isSynced := false
	defer func() {
		signalSynced(errors.New("mumbleclient: connection closed before sync"))
		// emit, not a bare send: the consumer may already have stopped
		// draining after Close, and this goroutine must still exit.
		c.emit(EventDisconnected{Err: readErr})
		close(c.events)
	}()

	for {
		fr, err := readFrame(c.reader)
		if err != nil {
			select {
			case <-c.closed:
			default:
				readErr = err
				c.log.Debug("control read failed", zap.Error(err))
			}
			return
		}

		switch fr.kind {
		case mumbleproto.KindVersion:
			v, err := mumbleproto.DecodeVersion(fr.buf)
			if err == nil {
				c.registry.ApplyVersion(v)
			}
		case mumbleproto.KindCodecVersion:
			cv, err := mumbleproto.DecodeCodecVersion(fr.buf)
			if err == nil {
				c.registry.ApplyCodecVersion(cv)
			}
		case mumbleproto.KindReject:
			r, err := mumbleproto.DecodeReject(fr.buf)
			if err == nil {
				readErr = fmt.Errorf("%w: %s", ErrRejected, r.Reason)
				signalSynced(readErr)
				return
			}
		case mumbleproto.KindServerSync:
			ss, err := mumbleproto.DecodeServerSync(fr.buf)
			if err != nil {
				continue
			}
			c.registry.ApplyServerSync(ss)
			isSynced = true
			signalSynced(nil)
			c.emit(EventServerSync{Info: c.registry.Info()})
		case mumbleproto.KindChannelState:
			cs, err := mumbleproto.DecodeChannelState(fr.buf)
			if err != nil {
				continue
			}
			c.registry.ApplyChannelState(cs)
			if isSynced {
				ch, _ := c.registry.Channel(cs.ChannelID)
				c.emit(EventChannelState{Channel: ch})
			}
		case mumbleproto.KindChannelRemove:
			cr, err := mumbleproto.DecodeChannelRemove(fr.buf)
			if err != nil {
				continue
			}
			c.registry.ApplyChannelRemove(cr.ChannelID)
			if isSynced {
				c.emit(EventChannelRemove{ChannelID: cr.ChannelID})
			}
		case mumbleproto.KindUserState:
			us, err := mumbleproto.DecodeUserState(fr.buf)
			if err != nil || us.Session == nil {
				continue
			}
			c.registry.ApplyUserState(us)
			if isSynced {
				u, _ := c.registry.userByID(*us.Session)
				c.emit(EventUserState{User: u})
			}
		case mumbleproto.KindUserRemove:
			ur, err := mumbleproto.DecodeUserRemove(fr.buf)
			if err != nil {
				continue
			}
			c.registry.ApplyUserRemove(ur.Session)
			if isSynced {
				c.emit(EventUserRemove{Session: ur.Session})
			}
		case mumbleproto.KindTextMessage:
			tm, err := mumbleproto.DecodeTextMessage(fr.buf)
			if err == nil {
				c.emit(EventTextMessage{Message: *tm})
			}
		case mumbleproto.KindPermissionDenied:
			pd, err := mumbleproto.DecodePermissionDenied(fr.buf)
			if err == nil {
				c.emit(EventPermissionDenied{Denied: *pd})
			}
		case mumbleproto.KindCryptSetup:
			cs, err := mumbleproto.DecodeCryptSetup(fr.buf)
			if err == nil {
				c.emit(EventCryptSetup{Setup: *cs})
			}
		case mumbleproto.KindPing:
			p, err := mumbleproto.DecodePing(fr.buf)
			if err != nil {
				continue
			}
			c.pingMu.Lock()
			sentAt, ok := c.pingSentAt[p.Timestamp]
			delete(c.pingSentAt, p.Timestamp)
			c.pingMu.Unlock()
			if ok {
				c.emit(EventPing{RTT: time.Since(sentAt)})
			}
		case mumbleproto.KindUDPTunnel:
			c.emit(EventUDPTunnel{Payload: fr.buf})
		}
	}
}

func (c *Client) emit(ev Event) {
	select {
	case c.events <- ev:
	case <-c.closed:
	}
}
