// Package retry paces reconnect attempts for sessions whose connect
// step can fail transiently, and stops hammering peers that keep
// refusing.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	ncerr "sockbridge/internal/errors"
)

// PermanentError marks an attempt failure that no amount of waiting
// will fix.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent marks err as non-retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err has been marked as permanent.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// Backoff spaces out attempts exponentially with optional jitter.
type Backoff struct {
	// InitialDelay is the wait after the first failure (default 500ms).
	InitialDelay time.Duration
	// MaxDelay caps a single wait (default 30s).
	MaxDelay time.Duration
	// Multiplier grows the wait after each failure (default 2.0).
	Multiplier float64
	// MaxAttempts is the total number of tries including the first.
	// Zero means retry until the context ends.
	MaxAttempts int
	// Jitter spreads each wait by ±25%.
	Jitter bool
	// Retryable decides whether a failure is worth another attempt.
	// Nil uses the error classification of the errors package, with
	// unclassified errors treated as retryable.
	Retryable func(error) bool
	// OnRetry runs before each wait with the failed attempt number,
	// its error and the upcoming delay.
	OnRetry func(attempt int, err error, wait time.Duration)
}

// DefaultBackoff returns the reconnect pacing used by the CLI.
func DefaultBackoff() *Backoff {
	return &Backoff{
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		MaxAttempts:  5,
		Jitter:       true,
	}
}

// Do calls fn until it returns nil, a permanent or non-retryable
// error, the attempt budget runs out, or ctx ends.  attempt is 1-based.
func (b *Backoff) Do(ctx context.Context, fn func(attempt int) error) error {
	delay, mult, maxDelay := b.params()

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("retry cancelled: %w", err)
		}
		err := fn(attempt)
		if err == nil {
			return nil
		}
		if IsPermanent(err) {
			return errors.Unwrap(err)
		}
		if !b.retryable(err) {
			return err
		}
		if b.MaxAttempts > 0 && attempt >= b.MaxAttempts {
			return fmt.Errorf("gave up after %d attempts: %w", attempt, err)
		}

		wait := delay
		if b.Jitter {
			wait = addJitter(delay)
		}
		if b.OnRetry != nil {
			b.OnRetry(attempt, err, wait)
		}

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("retry cancelled: %w", ctx.Err())
		case <-t.C:
		}

		delay = time.Duration(float64(delay) * mult)
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

// Delay returns the un-jittered wait that follows the given failed
// attempt.
func (b *Backoff) Delay(attempt int) time.Duration {
	delay, mult, maxDelay := b.params()
	if attempt < 1 {
		attempt = 1
	}
	d := float64(delay) * math.Pow(mult, float64(attempt-1))
	if d > float64(maxDelay) {
		return maxDelay
	}
	return time.Duration(d)
}

func (b *Backoff) params() (time.Duration, float64, time.Duration) {
	delay := b.InitialDelay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	mult := b.Multiplier
	if mult <= 0 {
		mult = 2.0
	}
	maxDelay := b.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}
	return delay, mult, maxDelay
}

func (b *Backoff) retryable(err error) bool {
	if b.Retryable != nil {
		return b.Retryable(err)
	}
	return DefaultRetryable(err)
}

// DefaultRetryable rejects configuration, invalid-state and
// unsupported-platform errors, plus SSH credential and host key
// failures.  Everything else is retried.
func DefaultRetryable(err error) bool {
	if ncerr.KindOf(err) == ncerr.InvalidState {
		return false
	}
	var ce *ncerr.ConfigError
	if ncerr.As(err, &ce) {
		return false
	}
	if errors.Is(err, ncerr.ErrNotSupported) {
		return false
	}
	var se *ncerr.SSHError
	if ncerr.As(err, &se) && (se.Op == "auth" || se.Op == "hostkey") {
		return false
	}
	return true
}

// addJitter spreads d by ±25%, never below a millisecond.
func addJitter(d time.Duration) time.Duration {
	quarter := float64(d) * 0.25
	delta := (rand.Float64() * 2 * quarter) - quarter
	return time.Duration(math.Max(float64(d)+delta, float64(time.Millisecond)))
}
