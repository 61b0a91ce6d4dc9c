package config

// loader.go - configuration loading from environment variables.
//
// Precedence order (highest wins):
//   1. CLI flags  (handled by cmd/root.go)
//   2. Environment variables  (this file)
//   3. Defaults   (defaults.go)

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// ── Environment variable mapping ─────────────────────────────────────
//
// Every supported env var uses the SOCKBRIDGE_ prefix.  Boolean values
// accept "1", "true", "yes" (case-insensitive).

// LoadFromEnv overlays environment variables onto cfg.  Only non-empty
// env vars override the existing value.  Call it before flag parsing
// and use the result as flag defaults so flags take precedence.
func LoadFromEnv(cfg *Config) {
	// Socket
	if v := os.Getenv("SOCKBRIDGE_TRANSPORT"); v != "" {
		cfg.Transport = strings.ToLower(v)
	}
	if v := os.Getenv("SOCKBRIDGE_ADDRESS"); v != "" {
		cfg.Address = v
	}
	if v := os.Getenv("SOCKBRIDGE_SERVICE"); v != "" {
		cfg.Service = v
	}
	if envBool("SOCKBRIDGE_INSECURE") {
		cfg.Insecure = true
	}
	if v := envInt("SOCKBRIDGE_READ_BUFFER"); v > 0 {
		cfg.ReadBufferSize = v
	}
	if v := envInt("SOCKBRIDGE_TIMEOUT"); v > 0 {
		cfg.Timeout = secondsDuration(v)
	}
	if v := envInt("SOCKBRIDGE_BAUD"); v > 0 {
		cfg.BaudRate = v
	}
	if v := os.Getenv("SOCKBRIDGE_ADAPTER"); v != "" {
		cfg.Adapter = v
	}

	// Reconnect
	if v := envInt("SOCKBRIDGE_RETRIES"); v > 0 {
		cfg.ConnectAttempts = v
	}
	if envBool("SOCKBRIDGE_AUTO_RECONNECT") {
		cfg.AutoReconnect = true
	}
	if v := os.Getenv("SOCKBRIDGE_MAX_RECONNECT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.MaxReconnectAttempts = n
		}
	}

	// Host bridge
	if v := os.Getenv("SOCKBRIDGE_SERVE"); v != "" {
		cfg.Serve = v
	}
	if v := os.Getenv("SOCKBRIDGE_JOURNAL"); v != "" {
		cfg.JournalPath = v
	}

	// SSH gateway
	if v := os.Getenv("SOCKBRIDGE_TUNNEL"); v != "" {
		cfg.TunnelSpec = v
	}
	if v := os.Getenv("SOCKBRIDGE_SSH_KEY"); v != "" {
		cfg.SSHKeyPath = v
	}
	if envBool("SOCKBRIDGE_SSH_PASSWORD") {
		cfg.SSHPassword = true
	}
	if envBool("SOCKBRIDGE_SSH_AGENT") {
		cfg.UseSSHAgent = true
	}
	if envBool("SOCKBRIDGE_STRICT_HOSTKEY") {
		cfg.StrictHostKey = true
	}
	if v := os.Getenv("SOCKBRIDGE_KNOWN_HOSTS"); v != "" {
		cfg.KnownHostsPath = v
	}

	// Output
	if v := envInt("SOCKBRIDGE_VERBOSE"); v > 0 {
		cfg.Verbose = v
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

func secondsDuration(sec int) time.Duration {
	return time.Duration(sec) * time.Second
}
