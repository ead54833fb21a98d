package peer

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// readLimit bounds a single WebSocket message.
const readLimit = 1 << 20

const writeTimeout = 5 * time.Second

// pongWait/pingInterval keep the browser's connection alive through
// intermediate proxies.
const (
	pongWait     = 60 * time.Second
	pingInterval = (pongWait * 9) / 10
)

// Peer wraps one browser WebSocket connection: a JSON control channel
// and a binary voice channel multiplexed over the same socket, each
// pumped by its own goroutine in the usual gorilla/websocket
// read/write-pump shape (conn.SetReadLimit, a dedicated writer
// goroutine draining an outbound channel, a blocking reader loop
// dispatching by message type).
type Peer struct {
	conn *websocket.Conn
	log  *zap.Logger

	outboundControl chan ControlMessage
	outboundVoice   chan []byte
	inboundControl  chan ControlMessage
	inboundVoice    chan UplinkFrame

	gate          *DownlinkGate
	bufferedBytes int64 // atomic

	closeOnce sync.Once
	closed    chan struct{}
}

// NewPeer wraps an already-upgraded WebSocket connection and starts its
// pump goroutines.
func NewPeer(conn *websocket.Conn, log *zap.Logger) *Peer {
	p := &Peer{
		conn:             conn,
		log:              log,
		outboundControl:  make(chan ControlMessage, 64),
		outboundVoice:    make(chan []byte, 256),
		inboundControl:   make(chan ControlMessage, 64),
		inboundVoice:     make(chan UplinkFrame, 256),
		gate:             NewDownlinkGate(),
		closed:           make(chan struct{}),
	}
	conn.SetReadLimit(readLimit)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go p.writePump()
	go p.readPump()
	return p
}

// InboundControl is the channel of decoded control messages from the
// browser.
func (p *Peer) InboundControl() <-chan ControlMessage { return p.inboundControl }

// InboundVoice is the channel of decoded uplink voice frames.
func (p *Peer) InboundVoice() <-chan UplinkFrame { return p.inboundVoice }

// SendControl queues a control message for delivery. It never blocks
// indefinitely: if the peer has closed, the send is dropped.
func (p *Peer) SendControl(msg ControlMessage) {
	select {
	case p.outboundControl <- msg:
	case <-p.closed:
	}
}

// SendVoice queues a downlink voice frame, subject to the backpressure
// gate: if the outbound buffer is already over threshold the frame is
// dropped and dropped reports true.
func (p *Peer) SendVoice(frame []byte) (dropped bool) {
	if p.gate.ShouldDrop(int(atomic.LoadInt64(&p.bufferedBytes))) {
		return true
	}
	atomic.AddInt64(&p.bufferedBytes, int64(len(frame)))
	select {
	case p.outboundVoice <- frame:
		return false
	case <-p.closed:
		return true
	}
}

// Close tears down the connection; idempotent.
func (p *Peer) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.closed)
		err = p.conn.Close()
	})
	return err
}

// Done reports when the peer's connection has torn down, from either
// side.
func (p *Peer) Done() <-chan struct{} { return p.closed }

func (p *Peer) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer p.Close()

	for {
		select {
		case <-p.closed:
			return

		case msg := <-p.outboundControl:
			data, err := json.Marshal(msg)
			if err != nil {
				// Control messages are built from plain structs so this
				// should never fire, but a peer left waiting on a reply
				// is worse than a generic error.
				p.log.Warn("control message marshal failed", zap.Error(err))
				data = []byte(`{"type":"` + TypeError + `","code":"` + ErrCodeInternal + `"}`)
			}
			p.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := p.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				p.log.Debug("control write failed", zap.Error(err))
				return
			}

		case frame := <-p.outboundVoice:
			atomic.AddInt64(&p.bufferedBytes, -int64(len(frame)))
			p.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := p.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				p.log.Debug("voice write failed", zap.Error(err))
				return
			}

		case <-ticker.C:
			p.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (p *Peer) readPump() {
	defer p.Close()
	defer close(p.inboundControl)
	defer close(p.inboundVoice)

	for {
		kind, data, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				p.log.Debug("peer closed unexpectedly", zap.Error(err))
			}
			return
		}

		switch kind {
		case websocket.TextMessage:
			var msg ControlMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				p.log.Debug("malformed control message", zap.Error(err))
				p.SendControl(ControlMessage{Type: TypeError, Code: ErrCodeBadRequest})
				continue
			}
			select {
			case p.inboundControl <- msg:
			case <-p.closed:
				return
			}

		case websocket.BinaryMessage:
			frame, err := DecodeUplink(data)
			if err != nil {
				p.log.Debug("dropping malformed voice frame", zap.Error(err))
				continue
			}
			select {
			case p.inboundVoice <- frame:
			case <-p.closed:
				return
			}
		}
	}
}
