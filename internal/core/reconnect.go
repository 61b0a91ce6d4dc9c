package core

import (
	"context"
	"fmt"
	"time"

	"sockbridge/internal/events"
	"sockbridge/internal/metrics"
	"sockbridge/internal/retry"
	"sockbridge/internal/session"
	"sockbridge/util"
)

// supervisor keeps a session connected: it makes the first connection
// and reconnects whenever the session falls into Error.  A deliberate
// Close (Disconnected) is left alone.
type supervisor struct {
	session connector
	events  <-chan events.Event
	timeout time.Duration
	backoff *retry.Backoff
	breaker *retry.CircuitBreaker
	metrics *metrics.Collector
	logger  *util.Logger
}

// run returns nil when ctx ends and an error once reconnecting gives
// up.
func (sv *supervisor) run(ctx context.Context) error {
	if err := sv.connect(ctx); err != nil {
		return err
	}
	for {
		select {
		case e, ok := <-sv.events:
			if !ok {
				return nil
			}
			// Failed attempts leave stale error events behind; only a
			// session that is still errored needs work.
			if e.Name != events.Error || sv.session.State() != session.Error {
				continue
			}
			sv.logger.Warn("socket %s: %s; reconnecting", sv.session.ID(), e.Message)
			sv.metrics.Reconnect()
			if err := sv.connect(ctx); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (sv *supervisor) connect(ctx context.Context) error {
	err := connectWithRetry(ctx, sv.session, sv.timeout, sv.backoff, sv.breaker, sv.logger)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("reconnect %s: %w", sv.session.ID(), err)
	}
	sv.logger.Info("socket %s connected", sv.session.ID())
	return nil
}
