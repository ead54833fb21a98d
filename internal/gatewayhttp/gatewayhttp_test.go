package gatewayhttp

import (
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/mumble-gateway/gateway/internal/whitelist"
)

func newTestWhitelist(t *testing.T) *whitelist.List {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "servers.json")
	if err := os.WriteFile(path, []byte(`{"servers":[]}`), 0o644); err != nil {
		t.Fatal(err)
	}
	l, err := whitelist.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	return l
}

func TestHealthzReturnsOK(t *testing.T) {
	s := New(t.TempDir(), false, newTestWhitelist(t), nil, zap.NewNop())

	req := httptest.NewRequest("GET", "/healthz", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Body.String() != `{"ok":true}` {
		t.Fatalf("body = %q", rec.Body.String())
	}
	if got := rec.Header().Get("Content-Type"); got != "application/json" {
		t.Fatalf("content-type = %q", got)
	}
}

func TestStaticHandlerSetsCacheHeaders(t *testing.T) {
	webRoot := t.TempDir()
	if err := os.MkdirAll(filepath.Join(webRoot, "_next", "static"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(webRoot, "index.html"), []byte("<html></html>"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(webRoot, "_next", "static", "chunk.js"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	s := New(webRoot, true, newTestWhitelist(t), nil, zap.NewNop())

	req := httptest.NewRequest("GET", "/index.html", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if got := rec.Header().Get("Cache-Control"); got != "public, max-age=0, must-revalidate" {
		t.Fatalf("html cache-control = %q", got)
	}
	if got := rec.Header().Get("Cross-Origin-Opener-Policy"); got != "same-origin" {
		t.Fatalf("coop header = %q", got)
	}

	req = httptest.NewRequest("GET", "/_next/static/chunk.js", nil)
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if got := rec.Header().Get("Cache-Control"); got != "public, max-age=31536000, immutable" {
		t.Fatalf("asset cache-control = %q", got)
	}
}
