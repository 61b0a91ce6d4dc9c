package config

import "time"

// ── Default values ───────────────────────────────────────────────────
//
// All tuneable defaults live here so CLI flags, environment loading
// and validation agree on them.

const (
	// DefaultTransport is the socket kind used when none is given.
	DefaultTransport = "rfcomm"

	// DefaultReadBufferSize is the session read buffer in bytes.
	DefaultReadBufferSize = 4096

	// DefaultConnTimeout bounds a single connect attempt.
	DefaultConnTimeout = 30 * time.Second

	// DefaultBaudRate is used for serial (rfcomm tty) sockets.
	DefaultBaudRate = 115200

	// DefaultAdapter is the BlueZ adapter name.
	DefaultAdapter = "hci0"

	// DefaultSSHPort is the standard SSH port.
	DefaultSSHPort = 22

	// DefaultServeAddr is where --serve listens when given no address.
	DefaultServeAddr = "127.0.0.1:8765"

	// DefaultConnectAttempts is how many times the first connect is
	// tried before giving up.
	DefaultConnectAttempts = 3

	// DefaultMaxReconnectAttempts is how many times to retry after the
	// connection is lost.  Zero retries forever.
	DefaultMaxReconnectAttempts = 10

	// DefaultInitialBackoff is the first wait between attempts.
	DefaultInitialBackoff = 500 * time.Millisecond

	// DefaultMaxReconnectBackoff caps the wait between attempts.
	DefaultMaxReconnectBackoff = 60 * time.Second

	// DefaultBreakerThreshold is the number of consecutive failed
	// connects that pauses reconnecting for DefaultBreakerCooldown.
	DefaultBreakerThreshold = 5

	// DefaultBreakerCooldown is how long reconnecting pauses.
	DefaultBreakerCooldown = 30 * time.Second
)

// Defaults returns a Config with every default applied.
func Defaults() *Config {
	return &Config{
		Transport:            DefaultTransport,
		ReadBufferSize:       DefaultReadBufferSize,
		Timeout:              DefaultConnTimeout,
		BaudRate:             DefaultBaudRate,
		Adapter:              DefaultAdapter,
		ConnectAttempts:      DefaultConnectAttempts,
		MaxReconnectAttempts: DefaultMaxReconnectAttempts,
	}
}
