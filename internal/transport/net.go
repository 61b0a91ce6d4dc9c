package transport

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"time"

	ncerr "sockbridge/internal/errors"
	"sockbridge/util"
)

// DefaultTCPPort is used when a TCP address carries no port.
const DefaultTCPPort = 23

// NetProvider opens TCP endpoints.  Secure params wrap the connection
// in TLS.
type NetProvider struct {
	Timeout   time.Duration
	LocalPort int         // optional source-port binding (0 = ephemeral)
	TLSConfig *tls.Config // base TLS settings for secure endpoints
}

// Open returns an unconnected TCP endpoint for p.Address.
func (np *NetProvider) Open(p Params) (Endpoint, error) {
	if p.Address == "" {
		return nil, &ncerr.ConfigError{Field: "address", Message: "required for tcp transport"}
	}
	addr := util.EnsurePort(p.Address, DefaultTCPPort)
	remote := Descriptor{Name: p.Address, Address: addr}

	return NewStreamEndpoint(remote, func(ctx context.Context) (io.ReadWriteCloser, Descriptor, error) {
		conn, err := np.dial(ctx, addr)
		if err != nil {
			return nil, Descriptor{}, ncerr.Wrap("dial", addr, err)
		}
		if p.Secure {
			tconn := tls.Client(conn, np.tlsConfig(addr))
			if err := tconn.HandshakeContext(ctx); err != nil {
				conn.Close()
				return nil, Descriptor{}, ncerr.Wrap("tls handshake", addr, err)
			}
			conn = tconn
		}
		return conn, Descriptor{Name: p.Address, Address: conn.RemoteAddr().String()}, nil
	}), nil
}

func (np *NetProvider) dial(ctx context.Context, addr string) (net.Conn, error) {
	d := net.Dialer{Timeout: np.Timeout}
	if np.LocalPort > 0 {
		d.LocalAddr = &net.TCPAddr{Port: np.LocalPort}
	}
	return d.DialContext(ctx, "tcp", addr)
}

func (np *NetProvider) tlsConfig(addr string) *tls.Config {
	var cfg *tls.Config
	if np.TLSConfig != nil {
		cfg = np.TLSConfig.Clone()
	} else {
		cfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if cfg.ServerName == "" {
		if host, _, err := net.SplitHostPort(addr); err == nil {
			cfg.ServerName = host
		}
	}
	return cfg
}
