package session

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	ncerr "sockbridge/internal/errors"
	"sockbridge/internal/transport"
	"sockbridge/util"
)

// Listener receives the output of a ReaderWriter's read loop.
// OnDataReceived gets a private copy of every chunk; OnStreamError is
// called at most once, when the loop stops on its own.
type Listener interface {
	OnDataReceived(p []byte)
	OnStreamError(err error)
}

// Stream is the part of an endpoint a ReaderWriter uses.  It is
// borrowed: the ReaderWriter never closes it.
type Stream interface {
	io.ReadWriter
	Connected() bool
}

var errZeroRead = ncerr.New("stream returned no data")

// ReaderWriter runs the background read loop over a connected stream
// and serializes writes to it.
type ReaderWriter struct {
	stream   Stream
	listener Listener
	log      *util.Logger

	writeMu sync.Mutex
	closed  atomic.Bool
	running atomic.Bool

	mu  sync.Mutex // guards buf
	buf []byte

	done chan struct{}
}

// NewReaderWriter validates that stream is connected, allocates a
// bufferSize read buffer and starts the read loop.
func NewReaderWriter(stream Stream, bufferSize int, listener Listener, logger *util.Logger) (*ReaderWriter, error) {
	if stream == nil || !stream.Connected() {
		return nil, ncerr.NewSession(ncerr.ReadFault, "start reader", ncerr.ErrNotConnected)
	}
	if bufferSize <= 0 {
		return nil, ncerr.NewSession(ncerr.InvalidState, "start reader",
			fmt.Errorf("read buffer size must be positive, got %d", bufferSize))
	}
	if logger == nil {
		logger = util.NewLogger(0)
	}
	rw := &ReaderWriter{
		stream:   stream,
		listener: listener,
		log:      logger,
		buf:      make([]byte, bufferSize),
		done:     make(chan struct{}),
	}
	rw.running.Store(true)
	go rw.loop()
	return rw, nil
}

// BufferSize returns the read buffer size, or 0 once the loop has
// released it.
func (rw *ReaderWriter) BufferSize() int {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	return len(rw.buf)
}

// Send writes all of p, blocking until the stream accepts it.  Sends
// are serialized; a failure is returned to the caller and never
// reported to the listener.
func (rw *ReaderWriter) Send(p []byte) error {
	rw.writeMu.Lock()
	defer rw.writeMu.Unlock()

	if rw.closed.Load() {
		return ncerr.NewSession(ncerr.WriteFailure, "send", ncerr.ErrNoReaderWriter)
	}
	for len(p) > 0 {
		n, err := rw.stream.Write(p)
		if err != nil {
			return ncerr.NewSession(ncerr.WriteFailure, "send", err)
		}
		if n == 0 {
			return ncerr.NewSession(ncerr.WriteFailure, "send", io.ErrShortWrite)
		}
		p = p[n:]
	}
	return nil
}

// Close stops the read loop without notifying the listener and
// interrupts a pending read when the stream supports read deadlines.
// It does not close the stream and does not wait for the loop; see
// Wait.  A chunk already being delivered is not waited for either, so
// Close never blocks on the listener.  Close is idempotent.
func (rw *ReaderWriter) Close() {
	if rw.closed.Swap(true) {
		return
	}
	rw.running.Store(false)

	if d, ok := rw.stream.(transport.ReadDeadliner); ok {
		if err := d.SetReadDeadline(time.Now()); err != nil {
			rw.log.Debug("reader: interrupt read: %v", err)
		}
	}
}

// Wait blocks until the read loop has exited.
func (rw *ReaderWriter) Wait() { <-rw.done }

// Done is closed when the read loop has exited.
func (rw *ReaderWriter) Done() <-chan struct{} { return rw.done }

func (rw *ReaderWriter) loop() {
	defer close(rw.done)
	defer func() {
		rw.mu.Lock()
		rw.buf = nil
		rw.mu.Unlock()
	}()

	rw.mu.Lock()
	buf := rw.buf
	rw.mu.Unlock()

	for {
		n, err := rw.stream.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if !rw.deliver(chunk) {
				return
			}
		}
		if err == nil && n == 0 {
			err = errZeroRead
		}
		if err != nil {
			rw.fail(err)
			return
		}
	}
}

// deliver hands a chunk to the listener unless the loop was stopped.
// The listener runs without locks held; Wait covers a delivery that
// races with Close.
func (rw *ReaderWriter) deliver(chunk []byte) bool {
	if !rw.running.Load() {
		return false
	}
	rw.listener.OnDataReceived(chunk)
	return true
}

// fail reports err once, unless Close got there first.
func (rw *ReaderWriter) fail(err error) {
	if !rw.running.Swap(false) {
		rw.log.Debug("reader: stopped: %v", err)
		return
	}
	if err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	rw.listener.OnStreamError(ncerr.NewSession(ncerr.ReadFault, "read", err))
}
