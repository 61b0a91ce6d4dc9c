package transport

import (
	"context"
	"io"
	"net"
	"sync"
)

// PipeProvider opens in-memory endpoints backed by net.Pipe.  The far
// end of every connected pipe is handed to Serve on its own goroutine.
// It is used by tests and by --transport pipe for dry runs.
type PipeProvider struct {
	// Handshake runs inside Connect before the pipe is created; an
	// error fails the connect.
	Handshake func(ctx context.Context) error

	// Serve drives the peer end.  Nil echoes everything back.
	Serve func(peer net.Conn)

	// Preconnected makes Open return endpoints that are already
	// connected.
	Preconnected bool

	// Refuse, when set, is consulted on every Open with the 1-based
	// attempt number; a non-nil result fails the Open.
	Refuse func(attempt int) error

	Peer Descriptor

	mu     sync.Mutex
	opened int
}

// Open returns a pipe endpoint.
func (pp *PipeProvider) Open(p Params) (Endpoint, error) {
	pp.mu.Lock()
	pp.opened++
	n := pp.opened
	pp.mu.Unlock()

	if pp.Refuse != nil {
		if err := pp.Refuse(n); err != nil {
			return nil, err
		}
	}
	remote := pp.Peer
	if remote == (Descriptor{}) {
		remote = Descriptor{Name: "pipe", Address: p.Address}
	}
	if pp.Preconnected {
		return Attached(remote, pp.start()), nil
	}
	return NewStreamEndpoint(remote, func(ctx context.Context) (io.ReadWriteCloser, Descriptor, error) {
		if pp.Handshake != nil {
			if err := pp.Handshake(ctx); err != nil {
				return nil, Descriptor{}, err
			}
		}
		if err := ctx.Err(); err != nil {
			return nil, Descriptor{}, err
		}
		return pp.start(), remote, nil
	}), nil
}

// Opened returns how many endpoints Open has been asked for.
func (pp *PipeProvider) Opened() int {
	pp.mu.Lock()
	defer pp.mu.Unlock()
	return pp.opened
}

func (pp *PipeProvider) start() net.Conn {
	local, peer := net.Pipe()
	serve := pp.Serve
	if serve == nil {
		serve = Echo
	}
	go serve(peer)
	return local
}

// Echo copies everything read from peer back to it.
func Echo(peer net.Conn) {
	defer peer.Close()
	io.Copy(peer, peer) //nolint:errcheck
}
