package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	ncerr "sockbridge/internal/errors"
)

// TestNetProvider_Connect verifies a TCP endpoint reaches a local server
// and exchanges data.
func TestNetProvider_Connect(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		conn.Write([]byte("hello from server\n")) //nolint:errcheck
	}()

	np := &NetProvider{Timeout: 2 * time.Second}
	ep, err := np.Open(Params{Kind: KindTCP, Address: ln.Addr().String()})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer ep.Close()
	if ep.Connected() {
		t.Fatal("endpoint connected before Connect")
	}
	if err := ep.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if !ep.Connected() {
		t.Fatal("endpoint should report connected")
	}

	buf := make([]byte, 256)
	n, err := ep.Read(buf)
	if err != nil && err != io.EOF {
		t.Fatalf("read: %v", err)
	}
	if got := string(buf[:n]); got != "hello from server\n" {
		t.Errorf("got %q, want %q", got, "hello from server\n")
	}
}

// TestNetProvider_Refused verifies a refused dial is wrapped as a
// NetworkError and leaves the endpoint disconnected.
func TestNetProvider_Refused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	ep, err := (&NetProvider{Timeout: time.Second}).Open(Params{Kind: KindTCP, Address: addr})
	if err != nil {
		t.Fatal(err)
	}
	err = ep.Connect(context.Background())
	var ne *ncerr.NetworkError
	if !errors.As(err, &ne) {
		t.Fatalf("Connect error = %v, want NetworkError", err)
	}
	if !strings.Contains(err.Error(), "refused") {
		t.Errorf("error %q should mention refused", err)
	}
	if ep.Connected() {
		t.Error("failed endpoint reports connected")
	}
}

func TestNetProvider_MissingAddress(t *testing.T) {
	_, err := (&NetProvider{}).Open(Params{Kind: KindTCP})
	var ce *ncerr.ConfigError
	if !errors.As(err, &ce) {
		t.Fatalf("err = %v, want ConfigError", err)
	}
}

// TestNetProvider_TLS verifies secure params negotiate TLS against the
// configured roots.
func TestNetProvider_TLS(t *testing.T) {
	srv := httptest.NewTLSServer(http.NotFoundHandler())
	defer srv.Close()

	ln, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{Certificates: srv.TLS.Certificates})
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		io.Copy(conn, conn) //nolint:errcheck
	}()

	roots := x509.NewCertPool()
	roots.AddCert(srv.Certificate())
	np := &NetProvider{Timeout: 2 * time.Second, TLSConfig: &tls.Config{RootCAs: roots}}

	ep, err := np.Open(Params{Kind: KindTCP, Address: ln.Addr().String(), Secure: true})
	if err != nil {
		t.Fatal(err)
	}
	defer ep.Close()
	if err := ep.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if _, err := ep.Write([]byte("ping")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	buf := make([]byte, 4)
	if _, err := io.ReadFull(ep, buf); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(buf) != "ping" {
		t.Errorf("got %q, want ping", buf)
	}

	// Without the test root the handshake must fail.
	bad, _ := (&NetProvider{Timeout: 2 * time.Second}).Open(Params{Kind: KindTCP, Address: ln.Addr().String(), Secure: true})
	if err := bad.Connect(context.Background()); err == nil {
		bad.Close()
		t.Fatal("expected certificate verification failure")
	}
}

// TestStreamEndpoint_CloseDuringConnect verifies Close aborts a blocked
// handshake.
func TestStreamEndpoint_CloseDuringConnect(t *testing.T) {
	started := make(chan struct{})
	ep := NewStreamEndpoint(Descriptor{Address: "x"}, func(ctx context.Context) (io.ReadWriteCloser, Descriptor, error) {
		close(started)
		<-ctx.Done()
		return nil, Descriptor{}, ctx.Err()
	})

	done := make(chan error, 1)
	go func() { done <- ep.Connect(context.Background()) }()
	<-started
	if err := ep.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	select {
	case err := <-done:
		if !errors.Is(err, net.ErrClosed) {
			t.Errorf("Connect = %v, want net.ErrClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Connect did not return after Close")
	}
	if err := ep.Connect(context.Background()); !errors.Is(err, net.ErrClosed) {
		t.Errorf("Connect after Close = %v, want net.ErrClosed", err)
	}
}

// TestStreamEndpoint_LateDialClosed verifies a stream that arrives after
// Close is closed instead of leaked.
func TestStreamEndpoint_LateDialClosed(t *testing.T) {
	local, peer := net.Pipe()
	defer peer.Close()
	release := make(chan struct{})
	ep := NewStreamEndpoint(Descriptor{}, func(ctx context.Context) (io.ReadWriteCloser, Descriptor, error) {
		<-release
		return local, Descriptor{}, nil
	})
	done := make(chan error, 1)
	go func() { done <- ep.Connect(context.Background()) }()

	ep.Close()
	close(release)
	if err := <-done; !errors.Is(err, net.ErrClosed) {
		t.Fatalf("Connect = %v, want net.ErrClosed", err)
	}
	if _, err := local.Write([]byte("x")); err == nil {
		t.Error("late stream should have been closed")
	}
}

func TestStreamEndpoint_NotConnected(t *testing.T) {
	ep := NewStreamEndpoint(Descriptor{}, nil)
	if _, err := ep.Read(make([]byte, 1)); !errors.Is(err, ncerr.ErrNotConnected) {
		t.Errorf("Read = %v, want ErrNotConnected", err)
	}
	if _, err := ep.Write([]byte("x")); !errors.Is(err, ncerr.ErrNotConnected) {
		t.Errorf("Write = %v, want ErrNotConnected", err)
	}
	if err := ep.Connect(context.Background()); !errors.Is(err, ncerr.ErrNotSupported) {
		t.Errorf("Connect without dialer = %v, want ErrNotSupported", err)
	}
}

// TestStreamEndpoint_FailedStream verifies Connected turns false once the
// stream reports an error.
func TestStreamEndpoint_FailedStream(t *testing.T) {
	local, peer := net.Pipe()
	ep := Attached(Descriptor{Address: "pipe"}, local)
	defer ep.Close()
	if !ep.Connected() {
		t.Fatal("attached endpoint should be connected")
	}
	peer.Close()
	if _, err := ep.Read(make([]byte, 8)); err == nil {
		t.Fatal("expected read error after peer close")
	}
	if ep.Connected() {
		t.Error("endpoint should report disconnected after a read fault")
	}
}

// TestStreamEndpoint_DeadlineKeepsConnected verifies an interrupted read
// is not counted as a stream failure.
func TestStreamEndpoint_DeadlineKeepsConnected(t *testing.T) {
	local, peer := net.Pipe()
	defer peer.Close()
	ep := Attached(Descriptor{}, local)
	defer ep.Close()

	if err := ep.SetReadDeadline(time.Now()); err != nil {
		t.Fatalf("SetReadDeadline: %v", err)
	}
	if _, err := ep.Read(make([]byte, 8)); err == nil {
		t.Fatal("expected deadline error")
	}
	if !ep.Connected() {
		t.Error("deadline must not mark the endpoint failed")
	}
}

func TestMux_Open(t *testing.T) {
	m := Mux{KindPipe: &PipeProvider{}}
	if _, err := m.Open(Params{Kind: KindPipe}); err != nil {
		t.Fatalf("Open(pipe): %v", err)
	}
	if _, err := m.Open(Params{Kind: KindTCP}); err == nil {
		t.Fatal("expected error for unregistered kind")
	}
}

func TestParams_String(t *testing.T) {
	tests := []struct {
		p    Params
		want string
	}{
		{Params{Kind: KindTCP, Address: "h:1"}, "tcp://h:1 (insecure)"},
		{Params{Kind: KindRFCOMM, Address: "AA:BB:CC:DD:EE:FF", Service: SerialPortProfile, Secure: true},
			"rfcomm://AA:BB:CC:DD:EE:FF/00001101-0000-1000-8000-00805f9b34fb (secure)"},
	}
	for _, tt := range tests {
		if got := tt.p.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}

func TestDescriptor_String(t *testing.T) {
	if got := (Descriptor{Name: "printer", Address: "AA"}).String(); got != "printer (AA)" {
		t.Errorf("got %q", got)
	}
	if got := (Descriptor{Address: "AA"}).String(); got != "AA" {
		t.Errorf("got %q", got)
	}
}
