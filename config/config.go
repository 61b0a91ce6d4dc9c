// Package config defines the runtime configuration for sockbridge and
// the helpers that turn it into transport parameters.
package config

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/google/uuid"

	ncerr "sockbridge/internal/errors"
	"sockbridge/internal/session"
	"sockbridge/internal/transport"
)

// Config holds every tuneable for one socket session.
type Config struct {
	// ── Socket ───────────────────────────────────────────────────────
	Transport      string // rfcomm, serial, tcp, ssh or pipe
	Address        string // device MAC, tty path or host:port
	Service        string // RFCOMM service UUID, SPP when empty
	Insecure       bool   // no authentication or encryption
	ReadBufferSize int
	Timeout        time.Duration
	BaudRate       int
	Adapter        string
	LocalPort      int // tcp source port

	// ── Reconnect ────────────────────────────────────────────────────
	ConnectAttempts      int
	AutoReconnect        bool
	MaxReconnectAttempts int

	// ── Host bridge ──────────────────────────────────────────────────
	Serve       string // listen address for the WebSocket bridge
	JournalPath string

	// ── SSH gateway ──────────────────────────────────────────────────
	TunnelSpec     string // raw [user@]host[:port] from -T
	TunnelUser     string
	TunnelHost     string
	TunnelPort     int
	SSHKeyPath     string
	SSHPassword    bool // true → prompt interactively
	UseSSHAgent    bool
	StrictHostKey  bool
	KnownHostsPath string

	// ── Execution ────────────────────────────────────────────────────
	Execute string        // -e: program path
	Command string        // -c: shell command
	Linger  time.Duration // -q: quiet period after stdin EOF

	// ── Output ───────────────────────────────────────────────────────
	Verbose int
}

// Kind returns the transport kind.
func (c *Config) Kind() transport.Kind { return transport.Kind(c.Transport) }

// ServiceUUID parses Service, defaulting to the Serial Port Profile.
func (c *Config) ServiceUUID() (uuid.UUID, error) {
	if c.Service == "" {
		return transport.SerialPortProfile, nil
	}
	return uuid.Parse(c.Service)
}

// Params converts the socket section to transport parameters.
func (c *Config) Params() (transport.Params, error) {
	p := transport.Params{
		Kind:    c.Kind(),
		Address: c.Address,
		Secure:  !c.Insecure,
	}
	if p.Kind == transport.KindRFCOMM {
		svc, err := c.ServiceUUID()
		if err != nil {
			return p, &ncerr.ConfigError{Field: "service", Value: c.Service, Message: "not a UUID"}
		}
		p.Service = svc
	}
	return p, nil
}

// ── Tunnel-spec parser ───────────────────────────────────────────────

// tunnelRe matches [user@]host[:port].
var tunnelRe = regexp.MustCompile(`^(?:([^@]+)@)?([^:]+)(?::(\d+))?$`)

// ParseTunnelSpec extracts user, host, and port from a string such as
// "admin@bastion.example.com:2222".  Port defaults to 22.
func ParseTunnelSpec(spec string) (user, host string, port int, err error) {
	m := tunnelRe.FindStringSubmatch(spec)
	if m == nil {
		return "", "", 0, fmt.Errorf("invalid tunnel spec %q: expected [user@]host[:port]", spec)
	}
	user = m[1]
	host = m[2]
	port = DefaultSSHPort
	if m[3] != "" {
		port, err = strconv.Atoi(m[3])
		if err != nil || port < 1 || port > 65535 {
			return "", "", 0, fmt.Errorf("invalid tunnel port %q", m[3])
		}
	}
	return user, host, port, nil
}

// ── Validation ───────────────────────────────────────────────────────

// Validate checks that the configuration is internally consistent.
// Failures are *errors.ConfigError values naming the offending flag.
func (c *Config) Validate() error {
	kind := c.Kind()
	known := false
	for _, k := range transport.Kinds {
		if k == kind {
			known = true
			break
		}
	}
	if !known {
		return &ncerr.ConfigError{
			Field:   "transport",
			Value:   c.Transport,
			Message: "unknown transport",
			Hint:    fmt.Sprintf("choose one of %v", transport.Kinds),
		}
	}

	if c.Address == "" && kind != transport.KindPipe {
		return &ncerr.ConfigError{
			Field:   "address",
			Message: "a device address is required",
			Hint:    addressHint(kind),
		}
	}

	switch kind {
	case transport.KindRFCOMM:
		if _, err := transport.NormalizeMAC(c.Address); err != nil {
			return &ncerr.ConfigError{Field: "address", Value: c.Address, Message: err.Error(),
				Hint: addressHint(kind)}
		}
		if _, err := c.ServiceUUID(); err != nil {
			return &ncerr.ConfigError{Field: "service", Value: c.Service, Message: "not a UUID",
				Hint: "e.g. 00001101-0000-1000-8000-00805f9b34fb (Serial Port Profile)"}
		}
	case transport.KindSerial:
		if c.BaudRate <= 0 {
			return &ncerr.ConfigError{Field: "baud", Value: c.BaudRate, Message: "must be positive"}
		}
	case transport.KindSSH:
		if c.TunnelHost == "" {
			return &ncerr.ConfigError{Field: "tunnel", Message: "the ssh transport needs a gateway",
				Hint: "use -T user@gateway[:port]"}
		}
	}
	if c.TunnelHost != "" && kind != transport.KindSSH {
		return &ncerr.ConfigError{Field: "tunnel", Value: c.TunnelSpec,
			Message: fmt.Sprintf("cannot tunnel a %s socket", kind), Hint: "tunnels carry tcp addresses only"}
	}

	if c.ReadBufferSize < 1 || c.ReadBufferSize > session.MaxReadBufferSize {
		return &ncerr.ConfigError{Field: "read-buffer", Value: c.ReadBufferSize,
			Message: fmt.Sprintf("must be between 1 and %d", session.MaxReadBufferSize)}
	}
	if c.Timeout < 0 {
		return &ncerr.ConfigError{Field: "timeout", Value: c.Timeout, Message: "must not be negative"}
	}
	if c.ConnectAttempts < 1 {
		return &ncerr.ConfigError{Field: "retries", Value: c.ConnectAttempts, Message: "must be at least 1"}
	}
	if c.MaxReconnectAttempts < 0 {
		return &ncerr.ConfigError{Field: "max-reconnect", Value: c.MaxReconnectAttempts,
			Message: "must not be negative", Hint: "0 retries forever"}
	}

	if c.Execute != "" && c.Command != "" {
		return &ncerr.ConfigError{Field: "exec", Message: "-e and -c are mutually exclusive"}
	}
	if c.Serve != "" && (c.Execute != "" || c.Command != "") {
		return &ncerr.ConfigError{Field: "serve", Value: c.Serve,
			Message: "bridge mode cannot also run a program", Hint: "drop -e/-c or --serve"}
	}
	if c.AutoReconnect && c.Serve == "" {
		return &ncerr.ConfigError{Field: "auto-reconnect",
			Message: "reconnecting is only supported in bridge mode", Hint: "add --serve"}
	}
	if c.JournalPath != "" && c.Serve == "" {
		return &ncerr.ConfigError{Field: "journal", Value: c.JournalPath,
			Message: "the journal is only kept in bridge mode", Hint: "add --serve"}
	}
	return nil
}

func addressHint(k transport.Kind) string {
	switch k {
	case transport.KindRFCOMM:
		return "pass the device MAC, e.g. 00:11:22:33:44:55"
	case transport.KindSerial:
		return "pass the tty, e.g. /dev/rfcomm0"
	case transport.KindTCP, transport.KindSSH:
		return "pass host:port"
	}
	return ""
}
