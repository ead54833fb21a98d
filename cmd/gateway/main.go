// Command gateway runs the browser↔Mumble voice-protocol bridge: it
// serves the static web client, upgrades browser WebSocket connections,
// and hands each one to a supervisor that bridges it to a whitelisted
// Mumble server.
package main

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/mumble-gateway/gateway/internal/auditstore"
	"github.com/mumble-gateway/gateway/internal/config"
	"github.com/mumble-gateway/gateway/internal/gatewayhttp"
	"github.com/mumble-gateway/gateway/internal/peer"
	"github.com/mumble-gateway/gateway/internal/whitelist"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "gateway:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Load()

	log, err := newLogger(cfg.Debug)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer log.Sync()

	peer.ConfigurePacing(cfg.PacingIntervalMs, cfg.PacingMaxQueueFrames, cfg.PacingIdleTimeoutMs)

	wl, err := whitelist.Load(cfg.ServersConfigPath)
	if err != nil {
		return fmt.Errorf("load whitelist: %w", err)
	}
	log.Info("loaded server whitelist", zap.Int("servers", len(wl.All())), zap.String("path", cfg.ServersConfigPath))

	audit, err := auditstore.Open(auditDBPath())
	if err != nil {
		return fmt.Errorf("open audit store: %w", err)
	}
	defer audit.Close()

	srv := gatewayhttp.New(cfg.WebRoot, cfg.COOPCOEP, wl, audit, log)

	addr := fmt.Sprintf(":%d", cfg.Port)
	log.Info("gateway listening", zap.String("addr", addr), zap.String("webRoot", cfg.WebRoot))
	return http.ListenAndServe(addr, srv.Handler())
}

// newLogger builds the zap logger the rest of the gateway shares.
func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// auditDBPath places the sqlite audit store next to the binary unless
// overridden by the environment, mirroring WEB_ROOT's bin-relative
// default.
func auditDBPath() string {
	if p := os.Getenv("GATEWAY_AUDIT_DB_PATH"); p != "" {
		return p
	}
	exe, err := os.Executable()
	if err != nil {
		return "gateway-audit.db"
	}
	return filepath.Join(filepath.Dir(exe), "gateway-audit.db")
}
