package errors

import (
	"fmt"
	"io"
	"net"
	"testing"
)

func TestSessionError_Format(t *testing.T) {
	tests := []struct {
		name string
		err  *SessionError
		want string
	}{
		{
			name: "connect",
			err:  NewSession(ConnectFailure, "connect", fmt.Errorf("connection refused")),
			want: "connect: connect failure: connection refused",
		},
		{
			name: "write",
			err:  NewSession(WriteFailure, "send", io.ErrClosedPipe),
			want: "send: write failure: io: read/write on closed pipe",
		},
		{
			name: "state",
			err:  NewSession(InvalidState, "write", ErrNotConnected),
			want: "write: invalid state: not connected",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestKindOf(t *testing.T) {
	wrapped := fmt.Errorf("outer: %w", NewSession(ReadFault, "read", io.EOF))
	if got := KindOf(wrapped); got != ReadFault {
		t.Errorf("KindOf = %v, want %v", got, ReadFault)
	}
	if got := KindOf(io.EOF); got != 0 {
		t.Errorf("KindOf(plain) = %v, want 0", got)
	}
	if !Is(wrapped, io.EOF) {
		t.Error("session error should unwrap to io.EOF")
	}
}

func TestKind_String(t *testing.T) {
	for k, want := range map[Kind]string{
		ConnectFailure: "connect failure",
		ReadFault:      "read fault",
		WriteFailure:   "write failure",
		CloseFailure:   "close failure",
		InvalidState:   "invalid state",
		Kind(99):       "unknown",
	} {
		if got := k.String(); got != want {
			t.Errorf("Kind(%d).String() = %q, want %q", int(k), got, want)
		}
	}
}

func TestNetworkError_Format(t *testing.T) {
	tests := []struct {
		name string
		err  NetworkError
		want string
	}{
		{
			name: "retryable",
			err:  NetworkError{Op: "dial", Addr: "example.com:80", Err: io.EOF, Retryable: true},
			want: "dial example.com:80: EOF (retryable)",
		},
		{
			name: "non-retryable",
			err:  NetworkError{Op: "open", Addr: "/dev/rfcomm0", Err: fmt.Errorf("permission denied")},
			want: "open /dev/rfcomm0: permission denied",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSSHError_Format(t *testing.T) {
	err := WrapSSH("handshake", "bastion.example.com", 22, fmt.Errorf("connection refused"))
	want := "ssh handshake bastion.example.com:22: connection refused"
	if got := err.Error(); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	if !Is(err, err.Err) {
		t.Error("should unwrap to inner error")
	}
}

func TestConfigError_Format(t *testing.T) {
	tests := []struct {
		name string
		err  ConfigError
		want string
	}{
		{
			name: "with value and hint",
			err: ConfigError{
				Field:   "read-buffer",
				Value:   -1,
				Message: "must be positive",
				Hint:    "the default is 4096 bytes",
			},
			want: "config: --read-buffer=-1: must be positive\n  hint: the default is 4096 bytes",
		},
		{
			name: "missing value no hint",
			err: ConfigError{
				Field:   "address",
				Message: "required",
			},
			want: "config: --address: required",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("got:\n%s\nwant:\n%s", got, tt.want)
			}
		})
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"retryable network", &NetworkError{Op: "dial", Addr: "x", Err: io.EOF, Retryable: true}, true},
		{"non-retryable network", &NetworkError{Op: "dial", Addr: "x", Err: io.EOF}, false},
		{"invalid state", NewSession(InvalidState, "connect", ErrInvalidState), false},
		{"config", &ConfigError{Field: "x", Message: "bad"}, false},
		{"plain error", fmt.Errorf("boom"), false},
		{"temporary op error", &net.OpError{Op: "dial", Net: "tcp", Err: &net.DNSError{IsTemporary: true}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSentinels(t *testing.T) {
	sentinels := []error{
		ErrNotConnected, ErrInvalidState, ErrNoEndpoint, ErrNoReaderWriter,
		ErrCircuitOpen, ErrNotSupported,
	}
	for i, a := range sentinels {
		for j, b := range sentinels {
			if i != j && Is(a, b) {
				t.Errorf("sentinel %d and %d should not match", i, j)
			}
		}
	}
}
