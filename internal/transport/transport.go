// Package transport opens duplex byte-stream endpoints for a socket
// session.  A Provider turns connection Params into an Endpoint; the
// endpoint performs the blocking handshake in Connect and then behaves
// like an ordinary io.ReadWriteCloser.  Providers cover plain TCP (with
// optional TLS), SSH-forwarded TCP, RFCOMM ttys, BlueZ profile
// connections and in-memory pipes.
package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind names a transport family.
type Kind string

const (
	KindTCP    Kind = "tcp"
	KindSSH    Kind = "ssh"
	KindSerial Kind = "serial"
	KindRFCOMM Kind = "rfcomm"
	KindPipe   Kind = "pipe"
)

// Kinds lists every transport family in display order.
var Kinds = []Kind{KindRFCOMM, KindSerial, KindTCP, KindSSH, KindPipe}

// SerialPortProfile is the Bluetooth Serial Port Profile service class.
var SerialPortProfile = uuid.MustParse("00001101-0000-1000-8000-00805f9b34fb")

// Params identifies the remote end of a session.  They are kept by the
// session so a fresh endpoint can be opened after a cancelled or failed
// connect.
type Params struct {
	Kind    Kind
	Address string    // host:port, device path or Bluetooth MAC
	Service uuid.UUID // RFCOMM service class; ignored by stream transports
	Secure  bool      // TLS, strict host keys or an authenticated link
}

func (p Params) String() string {
	mode := "insecure"
	if p.Secure {
		mode = "secure"
	}
	if p.Service != uuid.Nil && p.Kind == KindRFCOMM {
		return fmt.Sprintf("%s://%s/%s (%s)", p.Kind, p.Address, p.Service, mode)
	}
	return fmt.Sprintf("%s://%s (%s)", p.Kind, p.Address, mode)
}

// Descriptor describes the remote peer of an endpoint.
type Descriptor struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

func (d Descriptor) String() string {
	if d.Name == "" || d.Name == d.Address {
		return d.Address
	}
	return fmt.Sprintf("%s (%s)", d.Name, d.Address)
}

// Endpoint is a duplex byte stream with a blocking connect handshake.
// Read and Write may be called concurrently with each other; Close may
// be called at any time, including during Connect, and unblocks both.
type Endpoint interface {
	// Connect performs the blocking handshake.  Cancelling ctx or
	// closing the endpoint aborts it.
	Connect(ctx context.Context) error

	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error

	// Connected reports live transport status: false before Connect
	// succeeds, after Close, and after the stream has failed.
	Connected() bool

	// Remote describes the peer.
	Remote() Descriptor
}

// ReadDeadliner is implemented by endpoints that can interrupt a
// blocked Read.
type ReadDeadliner interface {
	SetReadDeadline(t time.Time) error
}

// Provider creates endpoints.  Open must not block on the network; the
// handshake belongs to Endpoint.Connect.
type Provider interface {
	Open(p Params) (Endpoint, error)
}

// ProviderFunc adapts a function to a Provider.
type ProviderFunc func(p Params) (Endpoint, error)

// Open calls f(p).
func (f ProviderFunc) Open(p Params) (Endpoint, error) { return f(p) }

// Mux dispatches Open to the provider registered for Params.Kind.
type Mux map[Kind]Provider

// Open delegates to the provider for p.Kind.
func (m Mux) Open(p Params) (Endpoint, error) {
	prov, ok := m[p.Kind]
	if !ok || prov == nil {
		return nil, fmt.Errorf("transport: no provider for %q", p.Kind)
	}
	return prov.Open(p)
}
