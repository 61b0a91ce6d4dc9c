// Package capability defines what runs on top of a connected session.
// A Capability sees the session only through a Binding: a write side,
// the session's event stream and the local I/O it is attached to.
package capability

import (
	"context"
	"io"

	"sockbridge/internal/events"
	"sockbridge/util"
)

// Session is the part of a socket session a capability writes to.
type Session interface {
	ID() string
	Write(p []byte) error
	ReadBufferSize() int
}

// Binding ties a connected session to local I/O.
type Binding struct {
	Session Session
	// Events carries the session's events, typically a bus
	// subscription made before the session connected.
	Events <-chan events.Event
	Stdin  io.Reader
	Stdout io.Writer
	Logger *util.Logger
}

// Capability handles a connected session according to one behaviour.
type Capability interface {
	// Handle blocks until the session ends, the local side is done or
	// ctx is cancelled.
	Handle(ctx context.Context, b *Binding) error
}

// LostError reports that the session failed while a capability was
// running.  Message is the error event text.
type LostError struct {
	Socket  string
	Message string
}

func (e *LostError) Error() string {
	return "socket " + e.Socket + ": " + e.Message
}

// sessionWriter adapts Session.Write to io.Writer.
type sessionWriter struct{ s Session }

func (w sessionWriter) Write(p []byte) (int, error) {
	if err := w.s.Write(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// terminal reports whether e ends the session, and the error it ends
// with.  A clean disconnect returns a nil error.
func terminal(e events.Event) (bool, error) {
	switch e.Name {
	case events.Disconnected:
		return true, nil
	case events.Error:
		return true, &LostError{Socket: e.SessionID, Message: e.Message}
	}
	return false, nil
}
