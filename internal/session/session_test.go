package session

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math/rand"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	ncerr "sockbridge/internal/errors"
	"sockbridge/internal/events"
	"sockbridge/internal/metrics"
	"sockbridge/internal/transport"
)

// recorder is an events.Sink that keeps everything it receives.
type recorder struct {
	mu     sync.Mutex
	events []events.Event
	notify chan struct{}
}

func newRecorder() *recorder { return &recorder{notify: make(chan struct{}, 1)} }

func (r *recorder) Emit(e events.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

func (r *recorder) all() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Event(nil), r.events...)
}

func (r *recorder) named(name string) []events.Event {
	var out []events.Event
	for _, e := range r.all() {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}

// waitUntil polls cond until it holds or the deadline passes.
func (r *recorder) waitUntil(t *testing.T, what string, cond func([]events.Event) bool) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		if cond(r.all()) {
			return
		}
		select {
		case <-r.notify:
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			t.Fatalf("timed out waiting for %s; events: %v", what, names(r.all()))
		}
	}
}

func names(evs []events.Event) []string {
	out := make([]string, len(evs))
	for i, e := range evs {
		out[i] = e.Name
	}
	return out
}

func received(evs []events.Event) []byte {
	var b []byte
	for _, e := range evs {
		if e.Name == events.ReceivedData {
			b = append(b, e.Data...)
		}
	}
	return b
}

func newSession(t *testing.T, pp *transport.PipeProvider, opts ...Option) (*Session, *recorder) {
	t.Helper()
	rec := newRecorder()
	s, err := New(pp, transport.Params{Kind: transport.KindPipe, Address: "test"}, append([]Option{WithSink(rec)}, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(s.Close)
	return s, rec
}

func settle(t *testing.T, s *Session) State {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	st, err := s.AwaitSettled(ctx)
	if err != nil {
		t.Fatalf("AwaitSettled: %v", err)
	}
	return st
}

// blockingHandshake blocks every connect until its context ends, and
// signals each start on started.
func blockingHandshake(started chan<- struct{}) func(context.Context) error {
	return func(ctx context.Context) error {
		started <- struct{}{}
		<-ctx.Done()
		return ctx.Err()
	}
}

// TestSession_LoopbackRoundTrip verifies bytes written come back
// byte-for-byte as receivedData after a single connected event.
func TestSession_LoopbackRoundTrip(t *testing.T) {
	m := metrics.New()
	s, rec := newSession(t, &transport.PipeProvider{}, WithMetrics(m))

	if s.State() != Open {
		t.Fatalf("initial state = %s, want open", s.State())
	}
	s.Connect()
	if st := settle(t, s); st != Connected {
		t.Fatalf("state = %s, want connected", st)
	}
	if !s.IsConnected() {
		t.Fatal("IsConnected = false after connect")
	}

	msg := []byte("hello, \x00 binary \xff world")
	if err := s.Write(msg); err != nil {
		t.Fatalf("Write: %v", err)
	}
	rec.waitUntil(t, "echo", func(evs []events.Event) bool { return len(received(evs)) >= len(msg) })

	evs := rec.all()
	if evs[0].Name != events.Connected {
		t.Errorf("first event = %s, want connected", evs[0].Name)
	}
	if n := len(rec.named(events.Connected)); n != 1 {
		t.Errorf("got %d connected events, want 1", n)
	}
	if got := received(evs); !bytes.Equal(got, msg) {
		t.Errorf("received %q, want %q", got, msg)
	}
	for _, e := range evs {
		if e.SessionID != s.ID() {
			t.Errorf("event %s carries socket %q, want %q", e.Name, e.SessionID, s.ID())
		}
	}
	if m.TotalBytesOut() != int64(len(msg)) || m.TotalBytesIn() != int64(len(msg)) {
		t.Errorf("metrics in/out = %d/%d", m.TotalBytesIn(), m.TotalBytesOut())
	}
}

// TestSession_Preconnected verifies a session over an already connected
// stream starts Connected with a live reader and no events.
func TestSession_Preconnected(t *testing.T) {
	s, rec := newSession(t, &transport.PipeProvider{Preconnected: true})

	if s.State() != Connected {
		t.Fatalf("state = %s, want connected", s.State())
	}
	if len(rec.all()) != 0 {
		t.Errorf("unexpected events: %v", names(rec.all()))
	}
	if err := s.Write([]byte("ping")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	rec.waitUntil(t, "echo", func(evs []events.Event) bool { return string(received(evs)) == "ping" })
}

// TestSession_ConnectRefused verifies a failed handshake emits exactly
// one error carrying the detail and ends in Error.
func TestSession_ConnectRefused(t *testing.T) {
	pp := &transport.PipeProvider{
		Handshake: func(context.Context) error { return errors.New("connection refused") },
	}
	m := metrics.New()
	s, rec := newSession(t, pp, WithMetrics(m))

	s.Connect()
	if st := settle(t, s); st != Error {
		t.Fatalf("state = %s, want error", st)
	}
	rec.waitUntil(t, "error event", func(evs []events.Event) bool { return len(evs) >= 1 })

	errs := rec.named(events.Error)
	if len(errs) != 1 {
		t.Fatalf("got %d error events, want 1: %v", len(errs), names(rec.all()))
	}
	if !strings.Contains(errs[0].Message, "refused") {
		t.Errorf("message %q should contain refused", errs[0].Message)
	}
	if len(rec.named(events.Connected)) != 0 {
		t.Error("failed connect must not emit connected")
	}
	if s.IsConnected() {
		t.Error("IsConnected after failed connect")
	}
	snap := m.Snapshot()
	if snap.ConnectAttempts != 1 || snap.ConnectFailures != 1 {
		t.Errorf("attempts/failures = %d/%d", snap.ConnectAttempts, snap.ConnectFailures)
	}
}

// TestSession_ConnectWhenNotOpen verifies Connect outside Open spawns
// nothing and emits nothing.
func TestSession_ConnectWhenNotOpen(t *testing.T) {
	started := make(chan struct{}, 4)
	pp := &transport.PipeProvider{Handshake: blockingHandshake(started)}
	s, rec := newSession(t, pp)

	s.Connect()
	<-started
	s.Connect() // Connecting
	select {
	case <-started:
		t.Fatal("second Connect started another handshake")
	case <-time.After(50 * time.Millisecond):
	}
	if s.State() != Connecting || !s.IsConnecting() {
		t.Fatalf("state = %s, want connecting", s.State())
	}

	s.Close()
	before := len(rec.all())
	s.Connect() // Disconnected
	time.Sleep(20 * time.Millisecond)
	if s.State() != Disconnected {
		t.Errorf("state = %s, want disconnected", s.State())
	}
	if len(rec.all()) != before {
		t.Errorf("Connect on a closed session emitted %v", names(rec.all()[before:]))
	}
}

// TestSession_CancelConnect verifies cancelling a pending connect
// recreates the endpoint and returns to Open, and that the abandoned
// attempt cannot overwrite the state.
func TestSession_CancelConnect(t *testing.T) {
	started := make(chan struct{}, 4)
	var attempts atomic.Int32
	pp := &transport.PipeProvider{Handshake: func(ctx context.Context) error {
		if attempts.Add(1) == 1 {
			started <- struct{}{}
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	}}
	s, rec := newSession(t, pp)

	s.Connect()
	<-started
	s.CancelConnect()

	if s.State() != Open {
		t.Fatalf("state = %s, want open", s.State())
	}
	if pp.Opened() != 2 {
		t.Errorf("provider opened %d endpoints, want 2", pp.Opened())
	}
	time.Sleep(50 * time.Millisecond)
	if s.State() != Open {
		t.Fatalf("abandoned attempt changed state to %s", s.State())
	}
	if len(rec.all()) != 0 {
		t.Errorf("cancel emitted %v", names(rec.all()))
	}

	s.Connect()
	if st := settle(t, s); st != Connected {
		t.Fatalf("reconnect state = %s, want connected", st)
	}
}

// TestSession_CancelConnectRecreateFails verifies a provider failure
// during cancel ends in Error with an error event.
func TestSession_CancelConnectRecreateFails(t *testing.T) {
	started := make(chan struct{}, 1)
	pp := &transport.PipeProvider{
		Handshake: blockingHandshake(started),
		Refuse: func(n int) error {
			if n > 1 {
				return errors.New("adapter unavailable")
			}
			return nil
		},
	}
	s, rec := newSession(t, pp)
	s.Connect()
	<-started
	s.CancelConnect()

	if s.State() != Error {
		t.Fatalf("state = %s, want error", s.State())
	}
	errs := rec.named(events.Error)
	if len(errs) != 1 || !strings.HasPrefix(errs[0].Message, "cannot create socket") {
		t.Fatalf("error events = %+v", errs)
	}
}

// TestSession_CancelWhenNotConnecting verifies cancel is a no-op
// outside Connecting.
func TestSession_CancelWhenNotConnecting(t *testing.T) {
	pp := &transport.PipeProvider{}
	s, rec := newSession(t, pp)
	s.CancelConnect()
	if s.State() != Open || pp.Opened() != 1 || len(rec.all()) != 0 {
		t.Fatalf("state=%s opened=%d events=%v", s.State(), pp.Opened(), names(rec.all()))
	}
}

// TestSession_ReadFault verifies a stream fault after two chunks yields
// exactly one generic error event and closes the endpoint.
func TestSession_ReadFault(t *testing.T) {
	pp := &transport.PipeProvider{Serve: func(peer net.Conn) {
		peer.Write([]byte("one")) //nolint:errcheck
		peer.Write([]byte("two")) //nolint:errcheck
		peer.Close()
	}}
	m := metrics.New()
	s, rec := newSession(t, pp, WithMetrics(m))
	s.Connect()

	rec.waitUntil(t, "stream error", func(evs []events.Event) bool {
		return len(rec.named(events.Error)) > 0
	})
	time.Sleep(20 * time.Millisecond)

	got := names(rec.all())
	want := []string{events.Connected, events.ReceivedData, events.ReceivedData, events.Error}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("events = %v, want %v", got, want)
	}
	if msg := rec.named(events.Error)[0].Message; msg != MsgConnectionLost {
		t.Errorf("message = %q, want %q", msg, MsgConnectionLost)
	}
	if s.State() != Error {
		t.Errorf("state = %s, want error", s.State())
	}
	if s.IsConnected() {
		t.Error("endpoint should be closed after a stream fault")
	}
	if m.StreamFaults() != 1 || m.ActiveConnections() != 0 {
		t.Errorf("faults/active = %d/%d", m.StreamFaults(), m.ActiveConnections())
	}
}

// TestSession_NoEventsAfterClose verifies the reader is silent once
// Close returns, even while the peer keeps sending.
func TestSession_NoEventsAfterClose(t *testing.T) {
	pp := &transport.PipeProvider{Serve: func(peer net.Conn) {
		defer peer.Close()
		for {
			if _, err := peer.Write([]byte("tick")); err != nil {
				return
			}
		}
	}}
	s, rec := newSession(t, pp)
	s.Connect()
	rec.waitUntil(t, "data", func(evs []events.Event) bool { return len(evs) > 3 })

	s.Close()
	after := len(rec.all())
	time.Sleep(50 * time.Millisecond)

	evs := rec.all()
	if len(evs) != after {
		t.Fatalf("%d events after Close: %v", len(evs)-after, names(evs[after:]))
	}
	if last := evs[len(evs)-1]; last.Name != events.Disconnected || last.Message != MsgDisconnected {
		t.Errorf("last event = %+v, want disconnected", last)
	}
	if len(rec.named(events.Error)) != 0 {
		t.Errorf("close produced error events: %+v", rec.named(events.Error))
	}
	if s.State() != Disconnected {
		t.Errorf("state = %s, want disconnected", s.State())
	}
}

// TestSession_CloseUnblocksPendingWrite verifies Close finishes while a
// Write is stuck on a peer that never reads, and fails that Write.
func TestSession_CloseUnblocksPendingWrite(t *testing.T) {
	stop := make(chan struct{})
	defer close(stop)
	pp := &transport.PipeProvider{Preconnected: true, Serve: func(peer net.Conn) {
		<-stop
		peer.Close()
	}}
	s, rec := newSession(t, pp)
	if s.State() != Connected {
		t.Fatalf("state = %s, want connected", s.State())
	}

	writeErr := make(chan error, 1)
	go func() { writeErr <- s.Write([]byte("stuck")) }()
	time.Sleep(50 * time.Millisecond)

	closed := make(chan struct{})
	go func() {
		s.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatalf("Close blocked behind a pending Write; state = %s", s.State())
	}

	if s.State() != Disconnected {
		t.Errorf("state = %s, want disconnected", s.State())
	}
	select {
	case err := <-writeErr:
		if err == nil {
			t.Error("pending Write should fail once the socket is closed")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending Write never returned")
	}
	if err := s.Write([]byte("late")); ncerr.KindOf(err) != ncerr.InvalidState {
		t.Errorf("Write after Close = %v, want InvalidState", err)
	}
	if got := rec.named(events.Disconnected); len(got) != 1 {
		t.Errorf("disconnected events = %d, want 1", len(got))
	}
}

// brokenCloseEndpoint fails its Close after really closing.
type brokenCloseEndpoint struct {
	transport.Endpoint
}

func (e brokenCloseEndpoint) Close() error {
	e.Endpoint.Close()
	return errors.New("device busy")
}

// TestSession_CloseFailureReported verifies a failing endpoint close is
// reported as an event and still ends Disconnected.
func TestSession_CloseFailureReported(t *testing.T) {
	pp := &transport.PipeProvider{}
	prov := transport.ProviderFunc(func(p transport.Params) (transport.Endpoint, error) {
		ep, err := pp.Open(p)
		return brokenCloseEndpoint{ep}, err
	})
	rec := newRecorder()
	s, err := New(prov, transport.Params{Kind: transport.KindPipe}, WithSink(rec))
	if err != nil {
		t.Fatal(err)
	}
	s.Connect()
	settle(t, s)

	s.Close()
	if s.State() != Disconnected {
		t.Fatalf("state = %s, want disconnected", s.State())
	}
	got := names(rec.all())
	want := []string{events.Connected, events.Error, events.Disconnected}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("events = %v, want %v", got, want)
	}
	if msg := rec.named(events.Error)[0].Message; !strings.Contains(msg, "device busy") {
		t.Errorf("error message = %q", msg)
	}
}

func TestSession_CloseTwice(t *testing.T) {
	s, rec := newSession(t, &transport.PipeProvider{})
	s.Close()
	s.Close()
	if n := len(rec.named(events.Disconnected)); n != 1 {
		t.Errorf("got %d disconnected events, want 1", n)
	}
}

// TestSession_WriteNotConnected verifies Write outside Connected is an
// InvalidState error rather than a crash.
func TestSession_WriteNotConnected(t *testing.T) {
	s, _ := newSession(t, &transport.PipeProvider{})
	err := s.Write([]byte("x"))
	if ncerr.KindOf(err) != ncerr.InvalidState {
		t.Fatalf("err = %v, want InvalidState", err)
	}
	if !errors.Is(err, ncerr.ErrNotConnected) {
		t.Errorf("err should wrap ErrNotConnected: %v", err)
	}
	if ncerr.IsRetryable(err) {
		t.Error("misuse must not be retryable")
	}
}

// TestSession_ReadBufferSize verifies the size applies to readers
// created after the change only.
func TestSession_ReadBufferSize(t *testing.T) {
	s, rec := newSession(t, &transport.PipeProvider{Serve: func(peer net.Conn) {
		peer.Write(bytes.Repeat([]byte("x"), 100)) //nolint:errcheck
		io.Copy(io.Discard, peer)                  //nolint:errcheck
	}})
	if s.ReadBufferSize() != DefaultReadBufferSize {
		t.Fatalf("default = %d, want %d", s.ReadBufferSize(), DefaultReadBufferSize)
	}
	for _, bad := range []int{0, -1, MaxReadBufferSize + 1} {
		if err := s.SetReadBufferSize(bad); err == nil {
			t.Errorf("SetReadBufferSize(%d) should fail", bad)
		}
	}
	if err := s.SetReadBufferSize(16); err != nil {
		t.Fatal(err)
	}
	s.Connect()
	rec.waitUntil(t, "100 bytes", func(evs []events.Event) bool { return len(received(evs)) == 100 })
	for _, e := range rec.named(events.ReceivedData) {
		if len(e.Data) > 16 {
			t.Fatalf("chunk of %d bytes with a 16 byte buffer", len(e.Data))
		}
	}

	if err := s.SetReadBufferSize(64); err != nil {
		t.Fatal(err)
	}
	s.mu.Lock()
	active := s.rw.BufferSize()
	s.mu.Unlock()
	if active != 16 {
		t.Errorf("active reader buffer = %d, want 16", active)
	}
}

func TestSession_RemoteDevice(t *testing.T) {
	peer := transport.Descriptor{Name: "printer", Address: "AA:BB:CC:DD:EE:FF"}
	s, _ := newSession(t, &transport.PipeProvider{Peer: peer})
	got, err := s.RemoteDevice()
	if err != nil || got != peer {
		t.Fatalf("RemoteDevice = %+v, %v", got, err)
	}
	if _, err := (&Session{}).RemoteDevice(); !errors.Is(err, ncerr.ErrNoEndpoint) {
		t.Errorf("empty session RemoteDevice err = %v", err)
	}
}

// TestSession_Reset verifies Error and Disconnected sessions can be
// reset to Open and reconnected.
func TestSession_Reset(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	pp := &transport.PipeProvider{Handshake: func(context.Context) error {
		if fail.Load() {
			return errors.New("connection refused")
		}
		return nil
	}}
	s, rec := newSession(t, pp)

	s.Reset() // Open: no-op
	if pp.Opened() != 1 {
		t.Fatalf("Reset from open recreated the endpoint")
	}

	s.Connect()
	settle(t, s)
	s.Reset()
	if s.State() != Open {
		t.Fatalf("after reset from error: %s", s.State())
	}

	fail.Store(false)
	s.Connect()
	if st := settle(t, s); st != Connected {
		t.Fatalf("state = %s, want connected", st)
	}
	s.Reset() // Connected: no-op
	if s.State() != Connected {
		t.Fatalf("Reset disturbed a connected session")
	}

	s.Close()
	s.Reset()
	if s.State() != Open {
		t.Fatalf("after reset from disconnected: %s", s.State())
	}
	if n := len(rec.named(events.Connected)); n != 1 {
		t.Errorf("connected events = %d, want 1", n)
	}
}

func TestSession_NewProviderFailure(t *testing.T) {
	_, err := New(&transport.PipeProvider{Refuse: func(int) error { return errors.New("no adapter") }},
		transport.Params{Kind: transport.KindPipe})
	if ncerr.KindOf(err) != ncerr.ConnectFailure {
		t.Fatalf("err = %v, want ConnectFailure", err)
	}
}

// TestSession_ConnectedPrecedesData verifies connected is always the
// first event even when the peer sends immediately.
func TestSession_ConnectedPrecedesData(t *testing.T) {
	for i := 0; i < 20; i++ {
		pp := &transport.PipeProvider{Serve: func(peer net.Conn) {
			peer.Write([]byte("greeting")) //nolint:errcheck
		}}
		s, rec := newSession(t, pp)
		s.Connect()
		rec.waitUntil(t, "greeting", func(evs []events.Event) bool { return len(received(evs)) == 8 })
		if first := rec.all()[0]; first.Name != events.Connected {
			t.Fatalf("iteration %d: first event %s", i, first.Name)
		}
		s.Close()
	}
}

// TestSession_ConcurrentOperations hammers the public API from several
// goroutines; every observed state must be valid and a final Close
// must leave the session Disconnected.
func TestSession_ConcurrentOperations(t *testing.T) {
	pp := &transport.PipeProvider{Handshake: func(ctx context.Context) error {
		select {
		case <-time.After(time.Duration(rand.Intn(3)) * time.Millisecond):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}}
	s, _ := newSession(t, pp)

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			r := rand.New(rand.NewSource(seed))
			for i := 0; i < 100; i++ {
				switch r.Intn(5) {
				case 0:
					s.Connect()
				case 1:
					s.CancelConnect()
				case 2:
					s.Close()
				case 3:
					s.Reset()
				case 4:
					s.Write([]byte("x")) //nolint:errcheck
				}
				if st := s.State(); st < Open || st > Error {
					t.Errorf("invalid state %d", st)
				}
			}
		}(int64(g))
	}
	wg.Wait()

	s.Close()
	if s.State() != Disconnected {
		t.Fatalf("final state = %s, want disconnected", s.State())
	}
}
