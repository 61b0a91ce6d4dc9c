package core

import (
	"context"
	"fmt"
	"io"
	"os"

	"sockbridge/config"
	"sockbridge/internal/capability"
	"sockbridge/internal/events"
	"sockbridge/internal/retry"
	"sockbridge/internal/session"
	"sockbridge/internal/transport"
	"sockbridge/util"
)

// relayQueue is how many events the capability may fall behind before
// the session reader is held back.
const relayQueue = 64

// RelayMode connects the socket and runs a capability on it: the
// default interactive / pipe mode.
type RelayMode struct {
	Config     *config.Config
	Provider   transport.Provider
	Capability capability.Capability
	Backoff    *retry.Backoff
	Logger     *util.Logger

	// Stdin/Stdout default to os.Stdin/os.Stdout when nil.
	// Override in tests for deterministic I/O.
	Stdin  io.Reader
	Stdout io.Writer
}

func (m *RelayMode) stdin() io.Reader {
	if m.Stdin != nil {
		return m.Stdin
	}
	return os.Stdin
}

func (m *RelayMode) stdout() io.Writer {
	if m.Stdout != nil {
		return m.Stdout
	}
	return os.Stdout
}

// Run opens the session, connects it with retries and hands it to the
// capability.  The session is closed when Run returns.
func (m *RelayMode) Run(ctx context.Context) error {
	q := events.NewQueue(relayQueue)
	l, err := openLink(m.Config, m.Provider, q, m.Logger)
	if err != nil {
		return err
	}
	defer func() {
		// Release a reader blocked on a full queue before the session
		// waits for it.
		q.Close()
		l.close(m.Logger)
	}()

	s := l.session
	skipped := make(chan error, 1)
	if s.State() == session.Connected {
		skipped <- nil
	} else {
		sctx, stop := context.WithCancel(ctx)
		defer stop()
		go func() { skipped <- skipToConnected(sctx, q.C()) }()
	}

	m.Logger.Verbose("connecting to %s", s.Params())
	if err := connectWithRetry(ctx, s, m.Config.Timeout, m.Backoff, nil, m.Logger); err != nil {
		return fmt.Errorf("connect to %s: %w", s.Params(), err)
	}
	if err := <-skipped; err != nil {
		return err
	}
	if remote, err := s.RemoteDevice(); err == nil {
		m.Logger.Verbose("connected to %s", remote)
	}

	return m.Capability.Handle(ctx, &capability.Binding{
		Session: s,
		Events:  q.C(),
		Stdin:   m.stdin(),
		Stdout:  m.stdout(),
		Logger:  m.Logger,
	})
}

// skipToConnected consumes the events of failed attempts up to and
// including the connected event of the attempt that succeeds.
func skipToConnected(ctx context.Context, evs <-chan events.Event) error {
	for {
		select {
		case e := <-evs:
			if e.Name == events.Connected {
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
