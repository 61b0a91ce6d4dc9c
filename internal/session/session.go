// Package session manages one duplex streaming socket: the
// connect/cancel/write/close state machine and the background reader
// that republishes received data as events.
//
// All state transitions happen under the session mutex.  Events are
// queued while the mutex is held and delivered afterwards, one at a
// time and in the order the transitions happened, so a sink never runs
// with session locks held and "connected" always precedes the first
// "receivedData".
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	ncerr "sockbridge/internal/errors"
	"sockbridge/internal/events"
	"sockbridge/internal/metrics"
	"sockbridge/internal/transport"
	"sockbridge/util"
)

// Event messages.
const (
	MsgDisconnected   = "Socket is Disconnected"
	MsgConnectionLost = "Device connection was lost."
)

// Session owns one endpoint and at most one ReaderWriter.  It
// implements Listener for its own ReaderWriter.
type Session struct {
	id       string
	provider transport.Provider
	params   transport.Params
	sink     events.Sink
	log      *util.Logger
	zl       *zap.Logger
	metrics  *metrics.Collector

	// lifeMu serializes Connect, CancelConnect, Close and Reset.
	lifeMu sync.Mutex
	// ioMu is read-held by Write; Close takes it after closing the
	// endpoint to wait out writes already in flight.
	ioMu sync.RWMutex

	mu       sync.Mutex
	state    State
	ep       transport.Endpoint
	epClosed bool
	rw       *ReaderWriter
	bufSize  int
	gen      uint64             // bumped by every connect, cancel and close
	cancel   context.CancelFunc // aborts the running connect attempt
	changed  chan struct{}      // closed on every state change
	lastErr  string             // message of the latest error event

	queueMu sync.Mutex
	pending []events.Event
	emitMu  sync.Mutex
}

// New opens an endpoint for params.  When the endpoint is already
// connected the session starts in Connected with a live reader and no
// event is emitted; otherwise it starts in Open.
func New(provider transport.Provider, params transport.Params, opts ...Option) (*Session, error) {
	s := &Session{
		id:       uuid.NewString(),
		provider: provider,
		params:   params,
		sink:     events.Discard,
		log:      util.NewLogger(0),
		bufSize:  DefaultReadBufferSize,
		state:    Open,
		changed:  make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.Named("session")
	s.zl = s.log.Zap().With(zap.String("socket", s.id))

	ep, err := provider.Open(params)
	if err != nil {
		return nil, ncerr.NewSession(ncerr.ConnectFailure, "open", err)
	}
	s.ep = ep

	if ep.Connected() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if err := s.startReaderLocked(); err != nil {
			s.quietClose(ep, "open")
			return nil, err
		}
		s.state = Connected
		s.metrics.ConnectionOpened()
		s.log.Verbose("socket %s attached to connected endpoint %s", s.id, ep.Remote())
	}
	return s, nil
}

// ID returns the session identity carried by every event.
func (s *Session) ID() string { return s.id }

// Params returns the connection parameters.
func (s *Session) Params() transport.Params { return s.params }

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsConnected probes the endpoint itself rather than the state.
func (s *Session) IsConnected() bool {
	s.mu.Lock()
	ep := s.ep
	s.mu.Unlock()
	return ep != nil && ep.Connected()
}

// IsConnecting reports whether a connect attempt is in flight.
func (s *Session) IsConnecting() bool { return s.State() == Connecting }

// ReadBufferSize returns the size used for the next ReaderWriter.
func (s *Session) ReadBufferSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bufSize
}

// SetReadBufferSize changes the read buffer size for ReaderWriters
// created after the call.  An active reader keeps its buffer.
func (s *Session) SetReadBufferSize(n int) error {
	if n <= 0 || n > MaxReadBufferSize {
		return &ncerr.ConfigError{
			Field:   "read-buffer",
			Value:   n,
			Message: fmt.Sprintf("must be between 1 and %d", MaxReadBufferSize),
		}
	}
	s.mu.Lock()
	s.bufSize = n
	s.mu.Unlock()
	return nil
}

// RemoteDevice describes the peer of the current endpoint.
func (s *Session) RemoteDevice() (transport.Descriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ep == nil {
		return transport.Descriptor{}, ncerr.ErrNoEndpoint
	}
	return s.ep.Remote(), nil
}

// LastError returns the message of the most recent error event.
func (s *Session) LastError() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// AwaitSettled blocks until no connect attempt is in flight and returns
// the resulting state.
func (s *Session) AwaitSettled(ctx context.Context) (State, error) {
	for {
		s.mu.Lock()
		st, ch := s.state, s.changed
		s.mu.Unlock()
		if st != Connecting {
			return st, nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return st, ctx.Err()
		}
	}
}

// Connect starts a background connect attempt.  It is a logged no-op
// unless the session is Open.
func (s *Session) Connect() {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()

	s.mu.Lock()
	if s.state != Open || s.ep == nil {
		st := s.state
		s.mu.Unlock()
		s.log.Debug("cannot connect socket %s: state %s", s.id, st)
		return
	}
	s.setStateLocked(Connecting)
	s.gen++
	gen, ep := s.gen, s.ep
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.mu.Unlock()

	s.metrics.ConnectAttempt()
	s.log.Verbose("connecting socket %s to %s", s.id, s.params)
	go func() {
		err := ep.Connect(ctx)
		cancel()
		s.finishConnect(gen, ep, err)
	}()
}

// finishConnect applies the outcome of attempt gen.  Outcomes of
// attempts superseded by CancelConnect or Close are dropped.
func (s *Session) finishConnect(gen uint64, ep transport.Endpoint, err error) {
	s.mu.Lock()
	if gen != s.gen || s.state != Connecting {
		s.mu.Unlock()
		s.log.Debug("dropping superseded connect result for %s: %v", s.id, err)
		if err == nil {
			s.quietClose(ep, "connect")
		}
		return
	}
	s.cancel = nil

	if err != nil {
		s.quietClose(ep, "connect")
		s.epClosed = true
		s.setStateLocked(Error)
		s.metrics.ConnectFailed()
		s.metrics.RecordError(err.Error())
		s.zl.Warn("connect failed", zap.Error(ncerr.NewSession(ncerr.ConnectFailure, "connect", err)))
		s.enqueue(events.Error, err.Error(), nil)
	} else {
		s.setStateLocked(Connected)
		s.metrics.ConnectionOpened()
		s.enqueue(events.Connected, "", nil)
		if rerr := s.startReaderLocked(); rerr != nil {
			s.quietClose(ep, "connect")
			s.epClosed = true
			s.setStateLocked(Error)
			s.metrics.ConnectionClosed()
			s.metrics.RecordError(rerr.Error())
			s.enqueue(events.Error, rerr.Error(), nil)
		} else {
			s.log.Info("socket %s connected to %s", s.id, ep.Remote())
		}
	}
	s.mu.Unlock()
	s.flush()
}

// CancelConnect aborts the in-flight connect and replaces the endpoint
// with a fresh one for the same params.  It is a logged no-op unless
// the session is Connecting.
func (s *Session) CancelConnect() {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()

	s.mu.Lock()
	if s.state != Connecting {
		st := s.state
		s.mu.Unlock()
		s.log.Debug("cannot cancel connection of %s: state %s", s.id, st)
		return
	}
	s.gen++
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.quietClose(s.ep, "cancel")
	s.epClosed = true
	s.setStateLocked(Disconnected)
	s.reopenLocked("cancel")
	s.mu.Unlock()
	s.flush()
}

// Reset recreates the endpoint of an errored or disconnected session so
// it can connect again.  It is a logged no-op from other states.
func (s *Session) Reset() {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()

	s.mu.Lock()
	if s.state != Error && s.state != Disconnected {
		st := s.state
		s.mu.Unlock()
		s.log.Debug("cannot reset socket %s: state %s", s.id, st)
		return
	}
	if !s.epClosed {
		s.quietClose(s.ep, "reset")
	}
	s.reopenLocked("reset")
	s.mu.Unlock()
	s.flush()
}

// reopenLocked replaces the endpoint.  A provider failure leaves the
// session in Error with an error event.
func (s *Session) reopenLocked(op string) {
	ep, err := s.provider.Open(s.params)
	if err != nil {
		s.setStateLocked(Error)
		s.metrics.RecordError(err.Error())
		s.zl.Warn("cannot recreate socket", zap.String("op", op), zap.Error(err))
		s.enqueue(events.Error, "cannot create socket, "+err.Error(), nil)
		return
	}
	s.ep, s.epClosed = ep, false
	s.metrics.Reset()

	if !ep.Connected() {
		s.setStateLocked(Open)
		return
	}
	if err := s.startReaderLocked(); err != nil {
		s.quietClose(ep, op)
		s.epClosed = true
		s.setStateLocked(Error)
		s.enqueue(events.Error, err.Error(), nil)
		return
	}
	s.setStateLocked(Connected)
	s.metrics.ConnectionOpened()
	s.enqueue(events.Connected, "", nil)
}

// Write sends p through the active ReaderWriter.  Outside Connected it
// returns an InvalidState error.
func (s *Session) Write(p []byte) error {
	s.ioMu.RLock()
	defer s.ioMu.RUnlock()

	s.mu.Lock()
	st, rw := s.state, s.rw
	s.mu.Unlock()

	if st != Connected || rw == nil {
		s.log.Warn("attempt to write data, but socket %s not connected: state %s", s.id, st)
		return ncerr.NewSession(ncerr.InvalidState, "write",
			fmt.Errorf("%w (state %s)", ncerr.ErrNotConnected, st))
	}
	if err := rw.Send(p); err != nil {
		s.metrics.RecordError(err.Error())
		s.zl.Warn("write failed", zap.Int("bytes", len(p)), zap.Error(err))
		return err
	}
	s.metrics.BytesSent(int64(len(p)))
	return nil
}

// Close stops the reader, closes the endpoint and moves to
// Disconnected.  Teardown failures are reported as error events, never
// returned.  Once Close returns no further receivedData or error events
// from the old reader are emitted.  Closing a closed session is a
// no-op.
func (s *Session) Close() {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()

	s.mu.Lock()
	if s.ep == nil || (s.state == Disconnected && s.epClosed) {
		s.mu.Unlock()
		s.log.Debug("socket %s already closed", s.id)
		return
	}
	ep, rw := s.ep, s.rw
	wasConnected := s.state == Connected
	s.rw = nil
	s.gen++
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.mu.Unlock()

	// Closing the endpoint unblocks a Send stuck on a peer that stopped
	// reading; only then can in-flight writers drain.
	if rw != nil {
		rw.Close()
	}
	closeErr := ep.Close()
	s.ioMu.Lock()
	s.ioMu.Unlock() //nolint:staticcheck // waits for in-flight writers
	if rw != nil {
		rw.Wait()
	}

	s.mu.Lock()
	s.epClosed = true
	s.setStateLocked(Disconnected)
	if wasConnected {
		s.metrics.ConnectionClosed()
	}
	if closeErr != nil && !util.IsHarmless(closeErr) {
		err := ncerr.NewSession(ncerr.CloseFailure, "close", closeErr)
		s.metrics.RecordError(err.Error())
		s.zl.Error("close failed", zap.Error(err))
		s.enqueue(events.Error, "trying to close socket but failed: "+closeErr.Error(), nil)
	}
	s.enqueue(events.Disconnected, MsgDisconnected, nil)
	s.mu.Unlock()
	s.flush()
	s.log.Verbose("socket %s closed", s.id)
}

// OnDataReceived republishes a chunk from the reader.
func (s *Session) OnDataReceived(p []byte) {
	s.metrics.BytesReceived(int64(len(p)))
	s.enqueue(events.ReceivedData, "", p)
	s.flush()
}

// OnStreamError handles a reader that stopped on its own: the endpoint
// is closed and the session moves to Error.  The detail is only
// logged.
func (s *Session) OnStreamError(err error) {
	s.mu.Lock()
	if s.rw == nil || s.state != Connected {
		s.mu.Unlock()
		s.log.Debug("ignoring stream error on %s: %v", s.id, err)
		return
	}
	s.rw = nil
	s.quietClose(s.ep, "stream error")
	s.epClosed = true
	s.setStateLocked(Error)
	s.metrics.StreamFault()
	s.metrics.ConnectionClosed()
	s.metrics.RecordError(err.Error())
	s.zl.Warn("connection lost", zap.Error(err))
	s.enqueue(events.Error, MsgConnectionLost, nil)
	s.mu.Unlock()
	s.flush()
}

// startReaderLocked binds a new ReaderWriter to the current endpoint.
func (s *Session) startReaderLocked() error {
	rw, err := NewReaderWriter(s.ep, s.bufSize, s, s.log)
	if err != nil {
		return err
	}
	s.rw = rw
	return nil
}

func (s *Session) setStateLocked(to State) {
	from := s.state
	if from == to {
		return
	}
	if !CanTransition(from, to) {
		s.zl.DPanic("illegal state transition", zap.Stringer("from", from), zap.Stringer("to", to))
	}
	s.state = to
	close(s.changed)
	s.changed = make(chan struct{})
	s.zl.Debug("state", zap.Stringer("from", from), zap.Stringer("to", to))
}

// quietClose closes ep and logs instead of returning the error.
func (s *Session) quietClose(ep transport.Endpoint, op string) {
	if ep == nil {
		return
	}
	if err := ep.Close(); err != nil {
		if util.IsHarmless(err) {
			s.log.Debug("%s: closing socket %s: %v", op, s.id, err)
			return
		}
		s.metrics.RecordError(err.Error())
		s.zl.Warn("quiet close failed", zap.String("op", op),
			zap.Error(ncerr.NewSession(ncerr.CloseFailure, op, err)))
	}
}

// enqueue queues an event.  Error events are only queued with mu held.
func (s *Session) enqueue(name, msg string, data []byte) {
	if name == events.Error {
		s.lastErr = msg
	}
	ev := events.Event{
		Name:      name,
		SessionID: s.id,
		Message:   msg,
		Data:      data,
		Time:      time.Now().UTC(),
	}
	s.queueMu.Lock()
	s.pending = append(s.pending, ev)
	s.queueMu.Unlock()
}

// flush delivers queued events in order.  Whoever holds emitMu drains
// the queue, including events queued by other goroutines meanwhile.
func (s *Session) flush() {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	for {
		s.queueMu.Lock()
		if len(s.pending) == 0 {
			s.queueMu.Unlock()
			return
		}
		ev := s.pending[0]
		s.pending[0] = events.Event{}
		s.pending = s.pending[1:]
		s.queueMu.Unlock()
		s.sink.Emit(ev)
	}
}

// Status is a point-in-time view of a session.
type Status struct {
	ID             string               `json:"socket"`
	State          State                `json:"state"`
	Connected      bool                 `json:"connected"`
	Params         string               `json:"params"`
	Remote         transport.Descriptor `json:"remote"`
	ReadBufferSize int                  `json:"readBufferSize"`
	LastError      string               `json:"lastError,omitempty"`
}

// Status returns a snapshot for status reporting.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		ID:             s.id,
		State:          s.state,
		Params:         s.params.String(),
		ReadBufferSize: s.bufSize,
		LastError:      s.lastErr,
	}
	if s.ep != nil {
		st.Connected = s.ep.Connected()
		st.Remote = s.ep.Remote()
	}
	return st
}
