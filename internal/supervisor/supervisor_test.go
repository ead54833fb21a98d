package supervisor

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mumble-gateway/gateway/internal/peer"
	"github.com/mumble-gateway/gateway/internal/whitelist"
)

var testUpgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

// newPeerPipe mirrors internal/peer's own test helper: an httptest
// server upgrading to a peer.Peer, with the raw client conn returned for
// assertions.
func newPeerPipe(t *testing.T) (*peer.Peer, *websocket.Conn) {
	t.Helper()
	var serverPeer *peer.Peer
	ready := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Error(err)
			return
		}
		serverPeer = peer.NewPeer(conn, zap.NewNop())
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

func writeWhitelistFile(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "servers.json")
	body := `{"servers":[{"id":"local","name":"Local","host":"127.0.0.1","port":64738}]}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func newTestSupervisor(t *testing.T) (*Supervisor, *websocket.Conn) {
	t.Helper()
	p, clientConn := newPeerPipe(t)
	wl, err := whitelist.Load(writeWhitelistFile(t))
	if err != nil {
		t.Fatal(err)
	}
	return New(p, wl, nil, zap.NewNop()), clientConn
}

func readControl(t *testing.T, conn *websocket.Conn) peer.ControlMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg peer.ControlMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatal(err)
	}
	return msg
}

func TestSendServerListOnStart(t *testing.T) {
	s, clientConn := newTestSupervisor(t)

	s.sendServerList()

	msg := readControl(t, clientConn)
	if msg.Type != peer.TypeServerList {
		t.Fatalf("got type %q", msg.Type)
	}
	if len(msg.Servers) != 1 || msg.Servers[0].ID != "local" {
		t.Fatalf("got servers %+v", msg.Servers)
	}
}

func TestJoinChannelWithoutSessionEmitsNotConnected(t *testing.T) {
	s, clientConn := newTestSupervisor(t)

	s.handleControl(nil, peer.ControlMessage{Type: peer.TypeJoinChannel})

	msg := readControl(t, clientConn)
	if msg.Type != peer.TypeError || msg.Code != peer.ErrCodeNotConnected {
		t.Fatalf("got %+v", msg)
	}
}

func TestTextSendWithoutSessionEmitsNotConnected(t *testing.T) {
	s, clientConn := newTestSupervisor(t)

	s.handleControl(nil, peer.ControlMessage{Type: peer.TypeTextSend, Message: "hi"})

	msg := readControl(t, clientConn)
	if msg.Type != peer.TypeError || msg.Code != peer.ErrCodeNotConnected {
		t.Fatalf("got %+v", msg)
	}
}

func TestConnectToUnknownServerEmitsUnknownServer(t *testing.T) {
	s, clientConn := newTestSupervisor(t)

	s.handleControl(nil, peer.ControlMessage{Type: peer.TypeConnect, ServerID: "nope"})

	msg := readControl(t, clientConn)
	if msg.Type != peer.TypeError || msg.Code != peer.ErrCodeUnknownServer {
		t.Fatalf("got %+v", msg)
	}
}

func TestPingRepliesWithPongSynchronously(t *testing.T) {
	s, clientConn := newTestSupervisor(t)

	s.handleControl(nil, peer.ControlMessage{Type: peer.TypePing, ClientTimeMs: 1234})

	msg := readControl(t, clientConn)
	if msg.Type != peer.TypePong || msg.ClientTimeMs != 1234 {
		t.Fatalf("got %+v", msg)
	}
	if msg.ServerTimeMs == 0 {
		t.Fatal("expected a non-zero server time")
	}
}

// TestTeardownIsNoopWithoutASession guards the implicit rule
// that a peer which disconnects before ever connecting produces no
// disconnected event.
func TestTeardownIsNoopWithoutASession(t *testing.T) {
	s, clientConn := newTestSupervisor(t)

	s.teardown(peer.ReasonClientDisconnect)

	clientConn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	var msg peer.ControlMessage
	if err := clientConn.ReadJSON(&msg); err == nil {
		t.Fatalf("expected no message, got %+v", msg)
	}
}

func TestTeardownIsIdempotent(t *testing.T) {
	s, _ := newTestSupervisor(t)

	s.teardown(peer.ReasonClientDisconnect)
	s.teardown(peer.ReasonClientDisconnect) // must not panic or double-close
}
