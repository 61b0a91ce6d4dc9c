package core

import (
	"context"
	"net"

	"sockbridge/config"
	"sockbridge/internal/retry"
	"sockbridge/internal/transport"
	"sockbridge/internal/wsbridge"
	"sockbridge/util"
)

// BridgeMode serves the session to scripting hosts over WebSocket
// (--serve).  The session is connected in the background, and kept
// connected when auto-reconnect is on.
type BridgeMode struct {
	Config   *config.Config
	Provider transport.Provider
	Logger   *util.Logger

	// Backoff paces the first connect; ReconnectBackoff and Breaker
	// pace reconnecting.
	Backoff          *retry.Backoff
	ReconnectBackoff *retry.Backoff
	Breaker          *retry.CircuitBreaker

	// Listener overrides Config.Serve; tests pass a bound port.
	Listener net.Listener
}

// Run serves until ctx is cancelled or the server fails.
func (m *BridgeMode) Run(ctx context.Context) error {
	l, err := openLink(m.Config, m.Provider, nil, m.Logger)
	if err != nil {
		return err
	}
	defer l.close(m.Logger)

	var history wsbridge.History
	if l.journal != nil {
		history = l.journal
	}
	br := wsbridge.New(l.session, l.bus, l.metrics, history, m.Logger)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go m.keepConnected(ctx, l)

	if m.Listener != nil {
		return br.ServeListener(ctx, m.Listener)
	}
	return br.Serve(ctx, m.Config.Serve)
}

func (m *BridgeMode) keepConnected(ctx context.Context, l *link) {
	if !m.Config.AutoReconnect {
		if err := connectWithRetry(ctx, l.session, m.Config.Timeout, m.Backoff, nil, m.Logger); err != nil && ctx.Err() == nil {
			m.Logger.Warn("socket %s not connected: %v", l.session.ID(), err)
		}
		return
	}

	evs, unsub := l.bus.Subscribe()
	defer unsub()
	sv := &supervisor{
		session: l.session,
		events:  evs,
		timeout: m.Config.Timeout,
		backoff: m.ReconnectBackoff,
		breaker: m.Breaker,
		metrics: l.metrics,
		logger:  m.Logger,
	}
	if err := sv.run(ctx); err != nil {
		m.Logger.Error("%v", err)
	}
}
