// Package config reads PEERCHAT_* environment knobs with defaults and
// bounds. Paths and listen addresses come from flags; everything
// tunable at runtime lives here.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultSweepInterval   = 5 * time.Second
	defaultGossipInterval  = 60 * time.Second
	defaultRetryMaxBackoff = 5 * time.Minute
	defaultRetryMaxTries   = 12
	defaultDialTimeout     = 10 * time.Second
	defaultHelloTimeout    = 8 * time.Second
	defaultPexCacheSize    = 1024
	defaultMaxFrameBytes   = 64 << 10
)

func Debug() bool {
	return os.Getenv("PEERCHAT_DEBUG") == "1"
}

// SweepInterval is the outbox retry sweep period.
func SweepInterval() time.Duration {
	return durationEnv("PEERCHAT_SWEEP_INTERVAL", defaultSweepInterval, time.Second, time.Hour)
}

// GossipInterval is the periodic known-peer push period.
func GossipInterval() time.Duration {
	return durationEnv("PEERCHAT_GOSSIP_INTERVAL", defaultGossipInterval, time.Second, 24*time.Hour)
}

// RetryMaxBackoff caps the per-message exponential backoff.
func RetryMaxBackoff() time.Duration {
	return durationEnv("PEERCHAT_RETRY_MAX_BACKOFF", defaultRetryMaxBackoff, time.Second, 24*time.Hour)
}

// RetryMaxAttempts bounds delivery attempts before a message is
// dead-lettered. Zero means retry forever.
func RetryMaxAttempts() int {
	return intEnv("PEERCHAT_RETRY_MAX_ATTEMPTS", defaultRetryMaxTries, 0, 10000)
}

func DialTimeout() time.Duration {
	return durationEnv("PEERCHAT_DIAL_TIMEOUT", defaultDialTimeout, time.Second, time.Minute)
}

func HelloTimeout() time.Duration {
	return durationEnv("PEERCHAT_HELLO_TIMEOUT", defaultHelloTimeout, time.Second, time.Minute)
}

func PexCacheSize() int {
	return intEnv("PEERCHAT_PEX_CACHE_SIZE", defaultPexCacheSize, 16, 1<<20)
}

func MaxFrameBytes() int {
	return intEnv("PEERCHAT_MAX_FRAME_BYTES", defaultMaxFrameBytes, 1<<10, 16<<20)
}

// WakeCommand is the executable invoked for wake-on-message identities.
// Empty disables the hook.
func WakeCommand() string {
	return strings.TrimSpace(os.Getenv("PEERCHAT_WAKE_CMD"))
}

func intEnv(key string, def, min, max int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func durationEnv(key string, def, min, max time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		if secs, serr := strconv.Atoi(raw); serr == nil {
			v = time.Duration(secs) * time.Second
		} else {
			return def
		}
	}
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
