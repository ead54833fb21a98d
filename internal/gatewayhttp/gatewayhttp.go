// Package gatewayhttp serves the gateway's browser-facing HTTP surface:
// a health check, the WebSocket upgrade that hands each connection to a
// supervisor, and static file serving for the bundled web client.
package gatewayhttp

import (
	"context"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mumble-gateway/gateway/internal/auditstore"
	"github.com/mumble-gateway/gateway/internal/peer"
	"github.com/mumble-gateway/gateway/internal/supervisor"
	"github.com/mumble-gateway/gateway/internal/whitelist"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Server builds the gateway's net/http handler tree.
type Server struct {
	webRoot   string
	coopCoep  bool
	whitelist *whitelist.List
	audit     *auditstore.Store
	log       *zap.Logger
}

// New builds a Server. audit may be nil, disabling audit logging.
func New(webRoot string, coopCoep bool, wl *whitelist.List, audit *auditstore.Store, log *zap.Logger) *Server {
	return &Server{webRoot: webRoot, coopCoep: coopCoep, whitelist: wl, audit: audit, log: log}
}

// Handler returns the top-level http.Handler: /healthz, /ws, and a
// static file fallback for everything else.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.Handle("/", s.staticHandler())
	return mux
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"ok":true}`))
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	p := peer.NewPeer(conn, s.log)
	sup := supervisor.New(p, s.whitelist, s.audit, s.log)
	// Upgrading hijacks the connection, so r's request context is
	// canceled the moment this handler returns; the supervisor's own
	// lifetime is governed by the peer connection (peer.Done()) instead.
	go sup.Run(context.Background())
}

// staticHandler serves the bundled web client out of webRoot with the
// cache headers the web client expects: long-lived immutable caching for
// fingerprinted asset directories, revalidate-on-every-load for
// everything else (principally the HTML entrypoint).
func (s *Server) staticHandler() http.Handler {
	fileServer := http.FileServer(http.Dir(s.webRoot))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// A browser may also open its WebSocket against the root path.
		if r.URL.Path == "/" && websocket.IsWebSocketUpgrade(r) {
			s.handleWebSocket(w, r)
			return
		}
		if s.coopCoep {
			w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
			w.Header().Set("Cross-Origin-Embedder-Policy", "require-corp")
		}
		w.Header().Set("Cache-Control", cacheControlFor(r.URL.Path))
		fileServer.ServeHTTP(w, r)
	})
}

func cacheControlFor(path string) string {
	clean := filepath.ToSlash(path)
	if strings.HasPrefix(clean, "/_next/static/") || strings.HasPrefix(clean, "/assets/") {
		return "public, max-age=31536000, immutable"
	}
	return "public, max-age=0, must-revalidate"
}
