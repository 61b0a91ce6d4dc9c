package session

import (
	"sockbridge/internal/events"
	"sockbridge/internal/metrics"
	"sockbridge/util"
)

// DefaultReadBufferSize is the read buffer size of new sessions.
const DefaultReadBufferSize = 4096

// MaxReadBufferSize bounds SetReadBufferSize.
const MaxReadBufferSize = 1 << 20

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the session logger.
func WithLogger(l *util.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.log = l
		}
	}
}

// WithSink sets where session events are delivered.
func WithSink(sink events.Sink) Option {
	return func(s *Session) {
		if sink != nil {
			s.sink = sink
		}
	}
}

// WithMetrics attaches a metrics collector.
func WithMetrics(m *metrics.Collector) Option {
	return func(s *Session) { s.metrics = m }
}

// WithReadBufferSize sets the initial read buffer size.  Values outside
// 1..MaxReadBufferSize are ignored.
func WithReadBufferSize(n int) Option {
	return func(s *Session) {
		if n > 0 && n <= MaxReadBufferSize {
			s.bufSize = n
		}
	}
}

// WithID overrides the generated session id.
func WithID(id string) Option {
	return func(s *Session) {
		if id != "" {
			s.id = id
		}
	}
}
