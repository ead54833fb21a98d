// Package udpvoice implements the encrypted UDP voice datagram client:
// crypt-setup negotiation against the OCB2 state machine, UDP ping/RTT
// tracking, readiness detection, and the TCP-tunnel fallback timer.
package udpvoice

import (
	"container/ring"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"go.uber.org/zap"

	"github.com/mumble-gateway/gateway/internal/cryptstate"
	"github.com/mumble-gateway/gateway/internal/voicepacket"
)

// Readiness states of the UDP voice path.
const (
	StateNoKey         = "NoKey"
	StateKeyedNotReady = "KeyedNotReady"
	StateUDPReady      = "UdpReady"
)

const (
	pingInterval    = 5 * time.Second
	pingHistorySize = 10
)

// fallbackDelay is a var (not const) so tests can shrink it; production
// code never reassigns it.
var fallbackDelay = 2500 * time.Millisecond

// Event is the tagged union a Client emits to its owning session.
type Event interface{ isEvent() }

type (
	// EventVoice carries a decrypted, decoded voice packet off the wire.
	EventVoice struct {
		Opus voicepacket.Opus
	}
	// EventReady fires the first time the state machine reaches UdpReady.
	EventReady struct{}
	// EventFallback fires when the 2.5s fallback timer expires before
	// UdpReady is reached; the owner must wrap a ping in a UDPTunnel
	// control message on the TLS client to coax the server back onto
	// the TCP path.
	EventFallback struct{ Ping []byte }
	// EventPing reports a completed UDP RTT measurement.
	EventPing struct{ RTT time.Duration }
	// EventCryptSetupRequest asks the owner to reply with the client's
	// current encrypt IV over the TLS control channel (resync request).
	EventCryptSetupRequest struct{ ClientNonce [16]byte }
)

func (EventVoice) isEvent()             {}
func (EventReady) isEvent()             {}
func (EventFallback) isEvent()          {}
func (EventPing) isEvent()              {}
func (EventCryptSetupRequest) isEvent() {}

// Client exclusively owns one UDP socket for the lifetime of a session.
type Client struct {
	conn *net.UDPConn
	log  *zap.Logger

	crypt *cryptstate.CryptState
	fsm   *fsm.FSM

	events chan Event

	pingMu      sync.Mutex
	pingHistory *ring.Ring // each element is pingEntry or nil

	timerMu       sync.Mutex
	fallbackTimer *time.Timer

	closeOnce sync.Once
	closed    chan struct{}
}

type pingEntry struct {
	timestamp uint64
	sentAt    time.Time
}

// Dial opens the UDP socket toward addr; voice flows only begin once
// SetCryptSetup has been called with the server's crypt triple.
func Dial(addr string, log *zap.Logger) (*Client, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("udpvoice: resolve %s: %w", addr, err)
	}
	conn, err := net.DialUDP("udp", nil, udpAddr)
	if err != nil {
		return nil, fmt.Errorf("udpvoice: dial %s: %w", addr, err)
	}

	c := &Client{
		conn:        conn,
		log:         log,
		crypt:       &cryptstate.CryptState{},
		events:      make(chan Event, 256),
		pingHistory: ring.New(pingHistorySize),
		closed:      make(chan struct{}),
	}
	c.fsm = fsm.NewFSM(
		StateNoKey,
		fsm.Events{
			{Name: "keyed", Src: []string{StateNoKey, StateKeyedNotReady, StateUDPReady}, Dst: StateKeyedNotReady},
			{Name: "decrypted", Src: []string{StateKeyedNotReady, StateUDPReady}, Dst: StateUDPReady},
			{Name: "resync", Src: []string{StateUDPReady, StateKeyedNotReady}, Dst: StateKeyedNotReady},
		},
		fsm.Callbacks{
			"enter_" + StateKeyedNotReady: func(ctx context.Context, e *fsm.Event) {
				c.armFallbackTimer()
			},
			"enter_" + StateUDPReady: func(ctx context.Context, e *fsm.Event) {
				if e.Src != StateUDPReady {
					c.emit(EventReady{})
				}
			},
		},
	)

	go c.readLoop()
	go c.pingLoop()

	return c, nil
}

// Events returns the channel of events emitted by this client.
func (c *Client) Events() <-chan Event { return c.events }

// Close tears down the UDP socket and stops all timers; idempotent.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		c.timerMu.Lock()
		if c.fallbackTimer != nil {
			c.fallbackTimer.Stop()
		}
		c.timerMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

// State returns the current readiness state (one of the State*
// constants).
func (c *Client) State() string { return c.fsm.Current() }

// EncryptIV exposes the current outbound IV for resync replies.
func (c *Client) EncryptIV() [16]byte { return c.crypt.EncryptIV() }

// SetCryptSetup applies an incoming CryptSetup message: a full
// (key, clientNonce, serverNonce) triple keys the cipher and arms the
// fallback timer; a serverNonce-only message is a resync; an empty
// message asks the gateway to report its own IV.
func (c *Client) SetCryptSetup(key, clientNonce, serverNonce []byte) error {
	switch {
	case len(key) == 16 && len(clientNonce) == 16 && len(serverNonce) == 16:
		var k, cn, sn [16]byte
		copy(k[:], key)
		copy(cn[:], clientNonce)
		copy(sn[:], serverNonce)
		if err := c.crypt.SetKey(k, cn, sn); err != nil {
			return err
		}
		return c.fsmEvent("keyed")
	case len(serverNonce) == 16 && len(key) == 0 && len(clientNonce) == 0:
		var sn [16]byte
		copy(sn[:], serverNonce)
		c.crypt.SetDecryptIV(sn)
		return c.fsmEvent("resync")
	case len(key) == 0 && len(clientNonce) == 0 && len(serverNonce) == 0:
		c.emit(EventCryptSetupRequest{ClientNonce: c.EncryptIV()})
		return nil
	default:
		return fmt.Errorf("udpvoice: malformed crypt setup (key=%d client=%d server=%d)", len(key), len(clientNonce), len(serverNonce))
	}
}

// fsmEvent fires a state-machine event, treating a self-transition as a
// success: re-keying while already keyed and repeated resyncs are both
// legal on the wire.
func (c *Client) fsmEvent(name string) error {
	err := c.fsm.Event(context.Background(), name)
	if err != nil {
		if _, ok := err.(fsm.NoTransitionError); ok {
			return nil
		}
	}
	return err
}

// Send encrypts and transmits a legacy voice packet.
func (c *Client) Send(raw []byte) error {
	ciphertext, err := c.crypt.Encrypt(raw)
	if err != nil {
		return err
	}
	_, err = c.conn.Write(ciphertext)
	return err
}

// SendPing emits an encrypted legacy ping packet and records the
// dispatch time, trimming the ping history to the last 10 entries
// (oldest dropped first).
func (c *Client) SendPing() error {
	timestamp := uint64(time.Now().UnixMilli())
	raw := voicepacket.EncodePing(0, timestamp)
	c.pingMu.Lock()
	c.pingHistory.Value = pingEntry{timestamp: timestamp, sentAt: time.Now()}
	c.pingHistory = c.pingHistory.Next()
	c.pingMu.Unlock()
	return c.Send(raw)
}

func (c *Client) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			if err := c.SendPing(); err != nil {
				c.log.Debug("udp ping send failed", zap.Error(err))
			}
		}
	}
}

func (c *Client) armFallbackTimer() {
	c.timerMu.Lock()
	defer c.timerMu.Unlock()
	if c.fallbackTimer != nil {
		c.fallbackTimer.Stop()
	}
	c.fallbackTimer = time.AfterFunc(fallbackDelay, func() {
		if c.State() == StateUDPReady {
			return
		}
		c.emit(EventFallback{Ping: voicepacket.EncodePing(0, uint64(time.Now().UnixMilli()))})
	})
}

func (c *Client) readLoop() {
	buf := make([]byte, 2048)
	for {
		n, err := c.conn.Read(buf)
		if err != nil {
			select {
			case <-c.closed:
			default:
				c.log.Debug("udp read failed", zap.Error(err))
			}
			return
		}
		c.handleDatagram(append([]byte(nil), buf[:n]...))
	}
}

func (c *Client) handleDatagram(packet []byte) {
	plain, ok := c.crypt.Decrypt(packet)
	if !ok {
		return
	}
	// A successful decrypt, regardless of payload type, is what drives
	// KeyedNotReady to UdpReady.
	_ = c.fsm.Event(context.Background(), "decrypted")

	decoded, err := voicepacket.Decode(plain, true)
	if err != nil {
		return
	}
	switch v := decoded.(type) {
	case *voicepacket.Opus:
		c.emit(EventVoice{Opus: *v})
	case *voicepacket.Ping:
		c.resolvePing(v.Timestamp)
	}
}

func (c *Client) resolvePing(timestamp uint64) {
	c.pingMu.Lock()
	var sentAt time.Time
	found := false
	r := c.pingHistory
	for i := 0; i < pingHistorySize; i++ {
		r = r.Prev()
		entry, ok := r.Value.(pingEntry)
		if ok && entry.timestamp == timestamp {
			sentAt = entry.sentAt
			r.Value = nil
			found = true
			break
		}
	}
	c.pingMu.Unlock()
	if found {
		c.emit(EventPing{RTT: time.Since(sentAt)})
	}
}

func (c *Client) emit(ev Event) {
	select {
	case c.events <- ev:
	case <-c.closed:
	}
}
