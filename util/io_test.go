package util

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"testing"
)

func TestIsHarmless(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, true},
		{"eof", io.EOF, true},
		{"net closed", net.ErrClosed, true},
		{"closed pipe", io.ErrClosedPipe, true},
		{"file closed", os.ErrClosed, true},
		{"wrapped", fmt.Errorf("close: %w", net.ErrClosed), true},
		{"op error", &net.OpError{Op: "read", Net: "tcp", Err: net.ErrClosed}, true},
		{"unexpected eof", io.ErrUnexpectedEOF, false},
		{"other", errors.New("connection reset"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsHarmless(tt.err); got != tt.want {
				t.Errorf("IsHarmless(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestIsHarmless_ClosedPipeConn(t *testing.T) {
	a, b := net.Pipe()
	b.Close()
	a.Close()

	_, err := a.Read(make([]byte, 1))
	if !IsHarmless(err) {
		t.Errorf("read on closed pipe: %v should be harmless", err)
	}
}
