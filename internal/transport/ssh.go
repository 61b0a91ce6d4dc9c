package transport

import (
	"context"
	"io"
	"net"
	"time"

	"golang.org/x/crypto/ssh"

	ncerr "sockbridge/internal/errors"
	"sockbridge/util"
)

// SSHConfig describes the SSH gateway that forwarded endpoints are
// dialed through.
type SSHConfig struct {
	User          string
	Host          string
	Port          int
	KeyPath       string
	PromptPass    bool
	UseAgent      bool
	StrictHostKey bool
	KnownHosts    string
	ConnTimeout   time.Duration

	// Prompt reads passwords and key passphrases.  Nil uses the
	// controlling terminal.
	Prompt PromptFunc
}

func (c *SSHConfig) addr() string { return util.FormatAddr(c.Host, c.Port) }

// SSHProvider opens TCP endpoints forwarded through an SSH gateway
// ("direct-tcpip" channels).  Each endpoint owns its own SSH client so
// that closing a session tears down the whole path.  Secure params
// force known_hosts verification of the gateway.
type SSHProvider struct {
	Config *SSHConfig
	Logger *util.Logger
}

// NewSSHProvider fills in gateway defaults.
func NewSSHProvider(cfg *SSHConfig, logger *util.Logger) *SSHProvider {
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.ConnTimeout == 0 {
		cfg.ConnTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = util.NewLogger(0)
	}
	return &SSHProvider{Config: cfg, Logger: logger}
}

// Open returns an unconnected forwarded endpoint for p.Address.
func (sp *SSHProvider) Open(p Params) (Endpoint, error) {
	if sp.Config == nil || sp.Config.Host == "" {
		return nil, &ncerr.ConfigError{Field: "ssh", Message: "gateway host required for ssh transport"}
	}
	if p.Address == "" {
		return nil, &ncerr.ConfigError{Field: "address", Message: "required for ssh transport"}
	}
	target := util.EnsurePort(p.Address, DefaultTCPPort)
	strict := sp.Config.StrictHostKey || p.Secure
	remote := Descriptor{Name: target + " via " + sp.Config.addr(), Address: target}

	return NewStreamEndpoint(remote, func(ctx context.Context) (io.ReadWriteCloser, Descriptor, error) {
		client, err := sp.handshake(ctx, strict)
		if err != nil {
			return nil, Descriptor{}, err
		}
		sp.Logger.Debug("ssh: forwarding to %s", target)
		ch, err := client.Dial("tcp", target)
		if err != nil {
			client.Close()
			return nil, Descriptor{}, ncerr.WrapSSH("channel", sp.Config.Host, sp.Config.Port, err)
		}
		return &forwardedConn{Conn: ch, client: client}, remote, nil
	}), nil
}

// handshake dials the gateway and authenticates.
func (sp *SSHProvider) handshake(ctx context.Context, strict bool) (*ssh.Client, error) {
	cfg := sp.Config
	auth, err := cfg.authMethods()
	if err != nil {
		return nil, ncerr.WrapSSH("auth", cfg.Host, cfg.Port, err)
	}
	hostKey, err := cfg.hostKeyCallback(strict)
	if err != nil {
		return nil, ncerr.WrapSSH("hostkey", cfg.Host, cfg.Port, err)
	}

	addr := cfg.addr()
	sp.Logger.Verbose("ssh: connecting to %s@%s", cfg.User, addr)

	var d net.Dialer
	d.Timeout = cfg.ConnTimeout
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, ncerr.Wrap("dial", addr, err)
	}

	// ssh.NewClientConn has no context; closing the socket aborts it.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	cc, chans, reqs, err := ssh.NewClientConn(conn, addr, &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            auth,
		HostKeyCallback: hostKey,
		Timeout:         cfg.ConnTimeout,
	})
	if err != nil {
		conn.Close()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ncerr.WrapSSH("handshake", cfg.Host, cfg.Port, err)
	}
	sp.Logger.Verbose("ssh: gateway %s ready (%s)", addr, cc.ServerVersion())
	return ssh.NewClient(cc, chans, reqs), nil
}

// forwardedConn closes the SSH client together with its channel.
type forwardedConn struct {
	net.Conn
	client *ssh.Client
}

func (c *forwardedConn) Close() error {
	err := c.Conn.Close()
	if cerr := c.client.Close(); err == nil && !util.IsHarmless(cerr) {
		err = cerr
	}
	return err
}
