package config

import (
	"os"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	c := Load()
	if c.Port != 64737 {
		t.Fatalf("port = %d", c.Port)
	}
	if c.PacingIntervalMs != 20 || c.PacingMaxQueueFrames != 200 || c.PacingIdleTimeoutMs != 250 {
		t.Fatalf("pacing defaults = %+v", c)
	}
}

func TestLoadClampsPacingKnobs(t *testing.T) {
	os.Setenv("VOICE_UPLINK_PACING_MAX_QUEUE_FRAMES", "999999")
	os.Setenv("VOICE_UPLINK_PACING_IDLE_TIMEOUT_MS", "1")
	defer os.Unsetenv("VOICE_UPLINK_PACING_MAX_QUEUE_FRAMES")
	defer os.Unsetenv("VOICE_UPLINK_PACING_IDLE_TIMEOUT_MS")

	c := Load()
	if c.PacingMaxQueueFrames != 2000 {
		t.Fatalf("max queue frames = %d, want clamp to 2000", c.PacingMaxQueueFrames)
	}
	if c.PacingIdleTimeoutMs != 50 {
		t.Fatalf("idle timeout = %d, want clamp to 50", c.PacingIdleTimeoutMs)
	}
}

func TestLoadReadsPort(t *testing.T) {
	os.Setenv("PORT", "9090")
	defer os.Unsetenv("PORT")

	c := Load()
	if c.Port != 9090 {
		t.Fatalf("port = %d", c.Port)
	}
}
