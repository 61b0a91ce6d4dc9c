package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	ncerr "sockbridge/internal/errors"
)

// DialFunc performs a transport handshake and returns the open stream
// together with a description of the peer.
type DialFunc func(ctx context.Context) (io.ReadWriteCloser, Descriptor, error)

var errAlreadyConnecting = errors.New("transport: connect already in progress")

// StreamEndpoint adapts a DialFunc into an Endpoint.  Every provider in
// this package is built on it; the dial function is the only
// transport-specific part.
type StreamEndpoint struct {
	dial DialFunc

	mu     sync.Mutex
	remote Descriptor
	conn   io.ReadWriteCloser
	cancel context.CancelFunc // non-nil while Connect is dialing
	closed bool
	failed atomic.Bool
}

// NewStreamEndpoint returns an unconnected endpoint that dials with fn.
// remote is reported by Remote until the dial returns a better one.
func NewStreamEndpoint(remote Descriptor, fn DialFunc) *StreamEndpoint {
	return &StreamEndpoint{dial: fn, remote: remote}
}

// Attached returns an endpoint that is already connected to conn.
func Attached(remote Descriptor, conn io.ReadWriteCloser) *StreamEndpoint {
	return &StreamEndpoint{remote: remote, conn: conn}
}

// Connect dials the stream.  A second Connect while one is running, or
// after success, is an error.
func (e *StreamEndpoint) Connect(ctx context.Context) error {
	e.mu.Lock()
	switch {
	case e.closed:
		e.mu.Unlock()
		return net.ErrClosed
	case e.conn != nil:
		e.mu.Unlock()
		return ncerr.New("transport: already connected")
	case e.cancel != nil:
		e.mu.Unlock()
		return errAlreadyConnecting
	case e.dial == nil:
		e.mu.Unlock()
		return ncerr.ErrNotSupported
	}
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.mu.Unlock()

	conn, remote, err := e.dial(ctx)
	cancel()

	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancel = nil
	if err != nil {
		if e.closed {
			return net.ErrClosed
		}
		return err
	}
	if e.closed {
		conn.Close()
		return net.ErrClosed
	}
	e.conn = conn
	if remote != (Descriptor{}) {
		e.remote = remote
	}
	return nil
}

func (e *StreamEndpoint) stream() io.ReadWriteCloser {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	return e.conn
}

func (e *StreamEndpoint) Read(p []byte) (int, error) {
	c := e.stream()
	if c == nil {
		return 0, ncerr.ErrNotConnected
	}
	n, err := c.Read(p)
	if err != nil && !errors.Is(err, os.ErrDeadlineExceeded) {
		e.failed.Store(true)
	}
	return n, err
}

func (e *StreamEndpoint) Write(p []byte) (int, error) {
	c := e.stream()
	if c == nil {
		return 0, ncerr.ErrNotConnected
	}
	n, err := c.Write(p)
	if err != nil {
		e.failed.Store(true)
	}
	return n, err
}

// Close aborts a running Connect and closes the stream.  Only the first
// call closes; later calls return nil.
func (e *StreamEndpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	cancel, conn := e.cancel, e.conn
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// Connected reports whether the stream is open and has not failed.
func (e *StreamEndpoint) Connected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conn != nil && !e.closed && !e.failed.Load()
}

// Remote describes the peer.
func (e *StreamEndpoint) Remote() Descriptor {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.remote
}

// SetReadDeadline forwards to the stream when it supports deadlines.
func (e *StreamEndpoint) SetReadDeadline(t time.Time) error {
	c := e.stream()
	if c == nil {
		return ncerr.ErrNotConnected
	}
	if d, ok := c.(ReadDeadliner); ok {
		return d.SetReadDeadline(t)
	}
	return ncerr.ErrNotSupported
}
