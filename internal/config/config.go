// Package config resolves the gateway's runtime configuration from
// environment variables, applying defaults and clamping the voice
// pacing knobs to sane ranges.
package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config is the fully resolved, already-clamped runtime configuration.
type Config struct {
	Port                 int
	WebRoot              string
	ServersConfigPath    string
	Debug                bool
	COOPCOEP             bool
	PacingIntervalMs     int
	PacingMaxQueueFrames int
	PacingIdleTimeoutMs  int
}

// Load reads environment variables into a Config, applying defaults
// and clamps.
func Load() Config {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("port", 64737)
	v.SetDefault("web_root", defaultWebRoot())
	v.SetDefault("servers_config_path", "./config/servers.json")
	v.SetDefault("gateway_debug", false)
	v.SetDefault("coop_coep", false)
	v.SetDefault("voice_uplink_pacing_interval_ms", 20)
	v.SetDefault("voice_uplink_pacing_max_queue_frames", 200)
	v.SetDefault("voice_uplink_pacing_idle_timeout_ms", 250)

	return Config{
		Port:                 v.GetInt("port"),
		WebRoot:              v.GetString("web_root"),
		ServersConfigPath:    v.GetString("servers_config_path"),
		Debug:                v.GetBool("gateway_debug"),
		COOPCOEP:             v.GetBool("coop_coep"),
		PacingIntervalMs:     v.GetInt("voice_uplink_pacing_interval_ms"),
		PacingMaxQueueFrames: clamp(v.GetInt("voice_uplink_pacing_max_queue_frames"), 1, 2000),
		PacingIdleTimeoutMs:  clamp(v.GetInt("voice_uplink_pacing_idle_timeout_ms"), 50, 5000),
	}
}

// defaultWebRoot resolves the bundled web client relative to the
// installed binary, falling back to the working directory when the
// executable path is unavailable.
func defaultWebRoot() string {
	exe, err := os.Executable()
	if err != nil {
		return "./web/out"
	}
	return filepath.Join(filepath.Dir(exe), "..", "..", "web", "out")
}

func clamp(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
