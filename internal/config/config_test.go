package config

import (
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	if got := SweepInterval(); got != 5*time.Second {
		t.Fatalf("sweep default: %s", got)
	}
	if got := GossipInterval(); got != 60*time.Second {
		t.Fatalf("gossip default: %s", got)
	}
	if got := RetryMaxAttempts(); got != 12 {
		t.Fatalf("attempts default: %d", got)
	}
	if WakeCommand() != "" {
		t.Fatal("wake hook should default off")
	}
}

func TestDurationOverrides(t *testing.T) {
	t.Setenv("PEERCHAT_SWEEP_INTERVAL", "2s")
	if got := SweepInterval(); got != 2*time.Second {
		t.Fatalf("override ignored: %s", got)
	}
	// Bare integers are read as seconds.
	t.Setenv("PEERCHAT_GOSSIP_INTERVAL", "30")
	if got := GossipInterval(); got != 30*time.Second {
		t.Fatalf("integer seconds ignored: %s", got)
	}
	// Garbage falls back to the default.
	t.Setenv("PEERCHAT_SWEEP_INTERVAL", "soon")
	if got := SweepInterval(); got != 5*time.Second {
		t.Fatalf("bad value not defaulted: %s", got)
	}
}

func TestBoundsClamp(t *testing.T) {
	t.Setenv("PEERCHAT_PEX_CACHE_SIZE", "1")
	if got := PexCacheSize(); got != 16 {
		t.Fatalf("lower bound not applied: %d", got)
	}
	t.Setenv("PEERCHAT_RETRY_MAX_ATTEMPTS", "0")
	if got := RetryMaxAttempts(); got != 0 {
		t.Fatalf("zero (retry forever) must be allowed: %d", got)
	}
}
