package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"sockbridge/config"
	ncerr "sockbridge/internal/errors"
	"sockbridge/internal/retry"
	"sockbridge/internal/session"
	"sockbridge/util"
)

// connector is the part of a session the connect loop drives.
type connector interface {
	ID() string
	State() session.State
	Connect()
	CancelConnect()
	Reset()
	AwaitSettled(ctx context.Context) (session.State, error)
	LastError() string
}

// errAttemptTimeout marks a connect attempt abandoned after the
// configured timeout.
var errAttemptTimeout = errors.New("connect attempt timed out")

// connectWithRetry brings s to Connected, resetting it after failures
// and pacing attempts with bo.  cb may be nil.
func connectWithRetry(ctx context.Context, s connector, timeout time.Duration, bo *retry.Backoff, cb *retry.CircuitBreaker, logger *util.Logger) error {
	attempt := func() error { return connectOnce(ctx, s, timeout) }
	return bo.Do(ctx, func(n int) error {
		logger.Debug("connect attempt %d for %s", n, s.ID())
		if cb == nil {
			return attempt()
		}
		return cb.Execute(attempt)
	})
}

// connectOnce makes a single attempt.  A cancelled ctx is permanent; a
// timed-out attempt is cancelled and reported as retryable.
func connectOnce(ctx context.Context, s connector, timeout time.Duration) error {
	if st := s.State(); st == session.Error || st == session.Disconnected {
		s.Reset()
	}
	switch st := s.State(); st {
	case session.Connected:
		return nil
	case session.Open:
		s.Connect()
	case session.Connecting:
	default:
		return ncerr.NewSession(ncerr.ConnectFailure, "connect",
			fmt.Errorf("socket is %s: %s", st, s.LastError()))
	}

	actx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	st, err := s.AwaitSettled(actx)
	if err != nil {
		s.CancelConnect()
		if ctx.Err() != nil {
			return retry.Permanent(ctx.Err())
		}
		return ncerr.NewSession(ncerr.ConnectFailure, "connect",
			fmt.Errorf("%w after %v", errAttemptTimeout, timeout))
	}
	if st == session.Connected {
		return nil
	}
	return ncerr.NewSession(ncerr.ConnectFailure, "connect", errors.New(s.LastError()))
}

// newBackoff builds the attempt pacing for a connect loop.
func newBackoff(attempts int, logger *util.Logger) *retry.Backoff {
	return &retry.Backoff{
		InitialDelay: config.DefaultInitialBackoff,
		MaxDelay:     config.DefaultMaxReconnectBackoff,
		Multiplier:   2,
		MaxAttempts:  attempts,
		Jitter:       true,
		OnRetry: func(n int, err error, wait time.Duration) {
			logger.Warn("attempt %d failed: %v (retrying in %v)", n, err, wait.Round(time.Millisecond))
		},
	}
}

// newBreaker builds the breaker that pauses reconnecting against a
// peer that keeps refusing.
func newBreaker(logger *util.Logger) *retry.CircuitBreaker {
	return retry.NewCircuitBreaker(&retry.BreakerConfig{
		Threshold: config.DefaultBreakerThreshold,
		Cooldown:  config.DefaultBreakerCooldown,
		OnStateChange: func(from, to retry.State) {
			logger.Verbose("reconnect breaker %s -> %s", from, to)
		},
	})
}
