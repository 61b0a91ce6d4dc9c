// Package events defines the host-visible notifications a socket
// session publishes and the sinks that receive them.
package events

import (
	"time"
)

// Event names.
const (
	Connected    = "connected"
	Disconnected = "disconnected"
	Error        = "error"
	ReceivedData = "receivedData"
)

// Payload keys.
const (
	KeySocket       = "socket"
	KeyErrorMessage = "errorMessage"
	KeyMessage      = "message"
	KeyData         = "data"
)

// Event is a single session notification.  Data is only set for
// ReceivedData and is never shared with the reader's buffer.
type Event struct {
	Name      string    `json:"type"`
	SessionID string    `json:"socket"`
	Message   string    `json:"message,omitempty"`
	Data      []byte    `json:"data,omitempty"`
	Time      time.Time `json:"time"`
}

// Payload returns the event as a key/value map: the session identity
// plus the event-specific field.
func (e Event) Payload() map[string]interface{} {
	m := map[string]interface{}{KeySocket: e.SessionID}
	switch e.Name {
	case Error:
		m[KeyErrorMessage] = e.Message
	case Disconnected:
		m[KeyMessage] = e.Message
	case ReceivedData:
		m[KeyData] = e.Data
	}
	return m
}

// Sink receives session events.  Emit is called from session
// goroutines, one event at a time and in transition order; it must not
// call back into the emitting session synchronously.
type Sink interface {
	Emit(e Event)
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(Event)

// Emit calls f(e).
func (f SinkFunc) Emit(e Event) { f(e) }

// Discard drops every event.
var Discard Sink = SinkFunc(func(Event) {})

// Multi fans an event out to every non-nil sink in order.
type Multi []Sink

// Emit forwards e to each sink.
func (m Multi) Emit(e Event) {
	for _, s := range m {
		if s != nil {
			s.Emit(e)
		}
	}
}
