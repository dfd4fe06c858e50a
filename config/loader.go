package config

// loader.go - configuration loading from environment variables.
//
// Precedence order (highest wins):
//   1. CLI flags  (handled by cmd/root.go)
//   2. Environment variables  (this file)
//   3. Config file  (file.go)
//   4. Defaults   (defaults.go)

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// ── Environment variable mapping ─────────────────────────────────────
//
// Every supported env var uses the NATRELAY_ prefix.  Boolean values
// accept "1", "true", "yes" (case-insensitive).  Durations accept Go
// duration strings ("750ms") or plain seconds ("10").

// LoadFromEnv overlays environment variables onto cfg.  Only non-empty
// env vars override the existing value.  This should be called BEFORE
// CLI flag parsing so that flags take precedence.
func LoadFromEnv(cfg *Config) {
	o := &cfg.Options
	if v := envDuration("NATRELAY_DIAL_TIMEOUT"); v > 0 {
		o.DialTimeout = v
	}
	if v := envDuration("NATRELAY_LOCAL_DIAL_TIMEOUT"); v > 0 {
		o.LocalDialTimeout = v
	}
	if v := envDuration("NATRELAY_CLASSIFY_TIMEOUT"); v > 0 {
		o.ClassifyTimeout = v
	}
	if v := envDuration("NATRELAY_PAIR_TIMEOUT"); v > 0 {
		o.PairTimeout = v
	}
	if v := envDuration("NATRELAY_CANCEL_BUDGET"); v > 0 {
		o.CancelBudget = v
	}
	if v := envInt("NATRELAY_MAX_HANDSHAKE"); v > 0 {
		o.MaxHandshakeSize = v
	}
	if v := os.Getenv("NATRELAY_LOCAL_DIAL"); v != "" {
		o.LocalDial = DialMode(strings.ToLower(v))
	}

	if v := os.Getenv("NATRELAY_CONTROL_ADDR"); v != "" {
		cfg.ControlAddr = v
	}
	if v := os.Getenv("NATRELAY_REDIS_URL"); v != "" {
		cfg.RedisURL = v
	}
	if v := os.Getenv("NATRELAY_REDIS_CHANNEL"); v != "" {
		cfg.RedisChannel = v
	}

	// Output
	if v := envInt("NATRELAY_VERBOSE"); v > 0 {
		cfg.Verbose = v
	}
	if envBool("NATRELAY_LOG_JSON") {
		cfg.LogJSON = true
	}
}

// ── helpers ──────────────────────────────────────────────────────────

func envInt(key string) int {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func envBool(key string) bool {
	v := strings.ToLower(os.Getenv(key))
	return v == "1" || v == "true" || v == "yes"
}

func envDuration(key string) time.Duration {
	return parseDuration(os.Getenv(key))
}

// parseDuration accepts "1.5s"-style strings or a bare number of seconds.
// Invalid input yields 0 so callers keep their current value.
func parseDuration(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0
	}
	return d
}
