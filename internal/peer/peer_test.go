package peer

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var testUpgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

// newPeerPipe starts an httptest server upgrading to a Peer on the
// server side and returns a raw gorilla client connection wired to it.
func newPeerPipe(t *testing.T) (*Peer, *websocket.Conn) {
	t.Helper()
	var serverPeer *Peer
	ready := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Error(err)
			return
		}
		serverPeer = NewPeer(conn, zap.NewNop())
		close(ready)
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/"
	clientConn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { clientConn.Close() })

	<-ready
	t.Cleanup(func() { serverPeer.Close() })
	return serverPeer, clientConn
}

func TestPeerControlRoundTrip(t *testing.T) {
	p, clientConn := newPeerPipe(t)

	p.SendControl(ControlMessage{Type: TypeConnected, SelfUserID: 7})

	clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got ControlMessage
	if err := clientConn.ReadJSON(&got); err != nil {
		t.Fatal(err)
	}
	if got.Type != TypeConnected || got.SelfUserID != 7 {
		t.Fatalf("got %+v", got)
	}
}

func TestPeerReadsInboundControl(t *testing.T) {
	p, clientConn := newPeerPipe(t)

	if err := clientConn.WriteJSON(ControlMessage{Type: TypeJoinChannel}); err != nil {
		t.Fatal(err)
	}

	select {
	case msg := <-p.InboundControl():
		if msg.Type != TypeJoinChannel {
			t.Fatalf("got %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for inbound control message")
	}
}

func TestPeerReadsInboundVoice(t *testing.T) {
	p, clientConn := newPeerPipe(t)

	wire := EncodeUplinkOpus(0, []byte{1, 2, 3})
	if err := clientConn.WriteMessage(websocket.BinaryMessage, wire); err != nil {
		t.Fatal(err)
	}

	select {
	case frame := <-p.InboundVoice():
		if frame.Kind != KindUplinkOpus || len(frame.Opus) != 3 {
			t.Fatalf("got %+v", frame)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for inbound voice frame")
	}
}

func TestPeerSendVoiceDroppedOverThreshold(t *testing.T) {
	p, _ := newPeerPipe(t)
	p.gate = &DownlinkGate{thresholdBytes: 10}

	p.bufferedBytes = 20
	if dropped := p.SendVoice([]byte{1, 2}); !dropped {
		t.Fatal("expected the frame to be dropped once over threshold")
	}
}

func TestPeerCloseStopsPumps(t *testing.T) {
	p, _ := newPeerPipe(t)
	p.Close()
	select {
	case <-p.Done():
	case <-time.After(time.Second):
		t.Fatal("expected Done() to be closed after Close()")
	}
}
