// Package metrics provides lightweight, lock-free counters and gauges
// for tracking runtime statistics of a socket session.
//
// All methods are safe for concurrent use.  A nil *Collector is a
// valid no-op receiver, so callers never need to nil-check.
package metrics

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Collector tracks runtime metrics for one or more sessions.
// A nil Collector is safe to use; all methods become no-ops.
type Collector struct {
	connectAttempts atomic.Int64
	connectFailures atomic.Int64
	connectionsUp   atomic.Int64
	connectionsAll  atomic.Int64
	streamFaults    atomic.Int64
	resets          atomic.Int64
	reconnects      atomic.Int64
	bytesIn         atomic.Int64
	bytesOut        atomic.Int64
	chunksIn        atomic.Int64
	errorsTotal     atomic.Int64

	mu           sync.RWMutex
	startTime    time.Time
	lastConnect  time.Time
	lastError    time.Time
	lastErrorMsg string
}

// New creates a metrics collector with the start time set to now.
func New() *Collector {
	return &Collector{startTime: time.Now()}
}

// ── Connection lifecycle ─────────────────────────────────────────────

// ConnectAttempt records the start of a connect handshake.
func (c *Collector) ConnectAttempt() {
	if c == nil {
		return
	}
	c.connectAttempts.Add(1)
}

// ConnectFailed records a failed handshake.
func (c *Collector) ConnectFailed() {
	if c == nil {
		return
	}
	c.connectFailures.Add(1)
}

// ConnectionOpened records a transition into the connected state.
func (c *Collector) ConnectionOpened() {
	if c == nil {
		return
	}
	c.connectionsUp.Add(1)
	c.connectionsAll.Add(1)
	c.mu.Lock()
	c.lastConnect = time.Now()
	c.mu.Unlock()
}

// ConnectionClosed records a transition out of the connected state.
func (c *Collector) ConnectionClosed() {
	if c == nil {
		return
	}
	c.connectionsUp.Add(-1)
}

// StreamFault records a connection lost while reading.
func (c *Collector) StreamFault() {
	if c == nil {
		return
	}
	c.streamFaults.Add(1)
}

// Reset records an endpoint being recreated after cancel, close or
// failure.
func (c *Collector) Reset() {
	if c == nil {
		return
	}
	c.resets.Add(1)
}

// Reconnect records an automatic reconnect cycle.
func (c *Collector) Reconnect() {
	if c == nil {
		return
	}
	c.reconnects.Add(1)
}

// ActiveConnections returns how many sessions are currently connected.
func (c *Collector) ActiveConnections() int64 {
	if c == nil {
		return 0
	}
	return c.connectionsUp.Load()
}

// TotalConnections returns the lifetime count of successful connects.
func (c *Collector) TotalConnections() int64 {
	if c == nil {
		return 0
	}
	return c.connectionsAll.Load()
}

// ConnectAttempts returns the lifetime handshake count.
func (c *Collector) ConnectAttempts() int64 {
	if c == nil {
		return 0
	}
	return c.connectAttempts.Load()
}

// StreamFaults returns the lifetime count of lost connections.
func (c *Collector) StreamFaults() int64 {
	if c == nil {
		return 0
	}
	return c.streamFaults.Load()
}

// ── I/O metrics ──────────────────────────────────────────────────────

// BytesReceived records one received chunk of n bytes.
func (c *Collector) BytesReceived(n int64) {
	if c == nil {
		return
	}
	c.bytesIn.Add(n)
	c.chunksIn.Add(1)
}

// BytesSent records n bytes written to the endpoint.
func (c *Collector) BytesSent(n int64) {
	if c == nil {
		return
	}
	c.bytesOut.Add(n)
}

// TotalBytesIn returns total bytes received.
func (c *Collector) TotalBytesIn() int64 {
	if c == nil {
		return 0
	}
	return c.bytesIn.Load()
}

// TotalBytesOut returns total bytes sent.
func (c *Collector) TotalBytesOut() int64 {
	if c == nil {
		return 0
	}
	return c.bytesOut.Load()
}

// ── Error metrics ────────────────────────────────────────────────────

// RecordError increments the error counter and stores the message.
func (c *Collector) RecordError(msg string) {
	if c == nil {
		return
	}
	c.errorsTotal.Add(1)
	c.mu.Lock()
	c.lastError = time.Now()
	c.lastErrorMsg = msg
	c.mu.Unlock()
}

// ErrorCount returns the total number of errors recorded.
func (c *Collector) ErrorCount() int64 {
	if c == nil {
		return 0
	}
	return c.errorsTotal.Load()
}

// ── Snapshot ─────────────────────────────────────────────────────────

// Snapshot is a point-in-time view of all metrics.
type Snapshot struct {
	Uptime            string `json:"uptime"`
	ConnectAttempts   int64  `json:"connect_attempts"`
	ConnectFailures   int64  `json:"connect_failures"`
	ConnectionsActive int64  `json:"connections_active"`
	ConnectionsTotal  int64  `json:"connections_total"`
	StreamFaults      int64  `json:"stream_faults"`
	Resets            int64  `json:"resets"`
	Reconnects        int64  `json:"reconnects"`
	BytesIn           int64  `json:"bytes_in"`
	BytesOut          int64  `json:"bytes_out"`
	ChunksIn          int64  `json:"chunks_in"`
	ErrorsTotal       int64  `json:"errors_total"`
	LastConnect       string `json:"last_connect,omitempty"`
	LastError         string `json:"last_error,omitempty"`
	LastErrorMessage  string `json:"last_error_message,omitempty"`
}

// Snapshot returns a copy of all current metrics.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Snapshot{
		Uptime:            time.Since(c.startTime).Truncate(time.Second).String(),
		ConnectAttempts:   c.connectAttempts.Load(),
		ConnectFailures:   c.connectFailures.Load(),
		ConnectionsActive: c.connectionsUp.Load(),
		ConnectionsTotal:  c.connectionsAll.Load(),
		StreamFaults:      c.streamFaults.Load(),
		Resets:            c.resets.Load(),
		Reconnects:        c.reconnects.Load(),
		BytesIn:           c.bytesIn.Load(),
		BytesOut:          c.bytesOut.Load(),
		ChunksIn:          c.chunksIn.Load(),
		ErrorsTotal:       c.errorsTotal.Load(),
	}
	if !c.lastConnect.IsZero() {
		s.LastConnect = c.lastConnect.Format(time.RFC3339)
	}
	if !c.lastError.IsZero() {
		s.LastError = c.lastError.Format(time.RFC3339)
		s.LastErrorMessage = c.lastErrorMsg
	}
	return s
}

// JSON returns the snapshot as an indented JSON string.
func (c *Collector) JSON() string {
	s := c.Snapshot()
	data, _ := json.MarshalIndent(s, "", "  ")
	return string(data)
}
