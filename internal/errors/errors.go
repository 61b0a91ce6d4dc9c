// Package errors provides domain-specific error types for sockbridge.
//
// Session failures carry a Kind (connect, read, write, close, state) so
// that callers and event sinks can tell a failed handshake from a lost
// stream without string matching.  Transport failures keep the address
// and a retryability hint used by the reconnect loop.
package errors

import (
	"errors"
	"fmt"
	"net"
)

// ── Sentinel errors ──────────────────────────────────────────────────

var (
	ErrNotConnected   = errors.New("not connected")
	ErrInvalidState   = errors.New("invalid session state")
	ErrNoEndpoint     = errors.New("no socket endpoint")
	ErrNoReaderWriter = errors.New("no active reader/writer")
	ErrCircuitOpen    = errors.New("circuit breaker is open")
	ErrNotSupported   = errors.New("operation not supported on this platform")
)

// ── Session errors ───────────────────────────────────────────────────

// Kind classifies a session failure.
type Kind int

const (
	ConnectFailure Kind = iota + 1
	ReadFault
	WriteFailure
	CloseFailure
	InvalidState
)

func (k Kind) String() string {
	switch k {
	case ConnectFailure:
		return "connect failure"
	case ReadFault:
		return "read fault"
	case WriteFailure:
		return "write failure"
	case CloseFailure:
		return "close failure"
	case InvalidState:
		return "invalid state"
	default:
		return "unknown"
	}
}

// SessionError is a failure raised by a socket session or its
// reader/writer.
type SessionError struct {
	Kind Kind
	Op   string // "connect", "send", "read", "close", "write", ...
	Err  error
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *SessionError) Unwrap() error { return e.Err }

// NewSession returns a SessionError of the given kind.
func NewSession(kind Kind, op string, err error) *SessionError {
	return &SessionError{Kind: kind, Op: op, Err: err}
}

// KindOf returns the Kind of the first SessionError in err's chain, or
// 0 when there is none.
func KindOf(err error) Kind {
	var se *SessionError
	if errors.As(err, &se) {
		return se.Kind
	}
	return 0
}

// ── Structured error types ───────────────────────────────────────────

// NetworkError represents a failure in a transport operation.
type NetworkError struct {
	Op        string // operation: "dial", "open", "write", "read"
	Addr      string // endpoint address involved
	Err       error  // underlying error
	Retryable bool   // whether the caller should retry
}

func (e *NetworkError) Error() string {
	s := fmt.Sprintf("%s %s: %v", e.Op, e.Addr, e.Err)
	if e.Retryable {
		s += " (retryable)"
	}
	return s
}

func (e *NetworkError) Unwrap() error { return e.Err }

// SSHError represents an SSH-specific failure with host context.
type SSHError struct {
	Op   string // "handshake", "auth", "hostkey", "channel"
	Host string
	Port int
	Err  error
}

func (e *SSHError) Error() string {
	return fmt.Sprintf("ssh %s %s:%d: %v", e.Op, e.Host, e.Port, e.Err)
}

func (e *SSHError) Unwrap() error { return e.Err }

// ConfigError represents an invalid configuration value.
type ConfigError struct {
	Field   string      // config field name
	Value   interface{} // the invalid value (nil if missing)
	Message string      // human-readable explanation
	Hint    string      // suggestion for the user (optional)
}

func (e *ConfigError) Error() string {
	msg := fmt.Sprintf("config: --%s", e.Field)
	if e.Value != nil {
		msg += fmt.Sprintf("=%v", e.Value)
	}
	msg += ": " + e.Message
	if e.Hint != "" {
		msg += "\n  hint: " + e.Hint
	}
	return msg
}

// ── Constructors ─────────────────────────────────────────────────────

// Wrap creates a NetworkError, automatically detecting retryability
// from the underlying error.
func Wrap(op, addr string, err error) *NetworkError {
	return &NetworkError{
		Op:        op,
		Addr:      addr,
		Err:       err,
		Retryable: classifyRetryable(err),
	}
}

// WrapSSH creates an SSHError.
func WrapSSH(op, host string, port int, err error) *SSHError {
	return &SSHError{Op: op, Host: host, Port: port, Err: err}
}

// ── Classification helpers ───────────────────────────────────────────

// IsRetryable reports whether err is worth retrying.  Invalid-state
// misuse and configuration errors never are.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if KindOf(err) == InvalidState {
		return false
	}
	var ce *ConfigError
	if errors.As(err, &ce) {
		return false
	}
	var ne *NetworkError
	if errors.As(err, &ne) {
		return ne.Retryable
	}
	return classifyRetryable(err)
}

// classifyRetryable inspects standard library error types.
func classifyRetryable(err error) bool {
	if err == nil {
		return false
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return opErr.Temporary() //nolint:staticcheck // Temporary is deprecated but still useful
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.Temporary() //nolint:staticcheck
	}
	return false
}

// ── Re-exports for convenience ───────────────────────────────────────

// As is [errors.As].
func As(err error, target interface{}) bool { return errors.As(err, target) }

// Is is [errors.Is].
func Is(err, target error) bool { return errors.Is(err, target) }

// New is [errors.New].
func New(text string) error { return errors.New(text) }

// Join is [errors.Join].
func Join(errs ...error) error { return errors.Join(errs...) }
