package retry

import (
	"fmt"
	"sync"
	"time"

	ncerr "sockbridge/internal/errors"
)

// State is the breaker position.
type State int

const (
	// StateClosed lets attempts through.
	StateClosed State = iota
	// StateOpen rejects attempts until the cool-down elapses.
	StateOpen
	// StateHalfOpen lets probe attempts through to test recovery.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures a CircuitBreaker.
type BreakerConfig struct {
	// Threshold is the number of consecutive failed connects that opens
	// the breaker (default 5).
	Threshold int
	// Cooldown is how long the breaker stays open (default 30s).
	Cooldown time.Duration
	// Probes is the number of consecutive half-open successes needed to
	// close again (default 1).
	Probes int
	// OnStateChange runs under the breaker lock on every transition.
	OnStateChange func(from, to State)
}

// DefaultBreakerConfig returns the defaults used by the CLI.
func DefaultBreakerConfig() *BreakerConfig {
	return &BreakerConfig{Threshold: 5, Cooldown: 30 * time.Second, Probes: 1}
}

// CircuitBreaker refuses connect attempts against a peer that keeps
// failing, until a cool-down passes.
type CircuitBreaker struct {
	mu        sync.Mutex
	state     State
	failures  int
	successes int
	openedAt  time.Time

	threshold int
	cooldown  time.Duration
	probes    int
	onChange  func(from, to State)
	now       func() time.Time
}

// NewCircuitBreaker builds a breaker; nil cfg uses the defaults.
func NewCircuitBreaker(cfg *BreakerConfig) *CircuitBreaker {
	if cfg == nil {
		cfg = DefaultBreakerConfig()
	}
	cb := &CircuitBreaker{
		threshold: cfg.Threshold,
		cooldown:  cfg.Cooldown,
		probes:    cfg.Probes,
		onChange:  cfg.OnStateChange,
		now:       time.Now,
	}
	if cb.threshold <= 0 {
		cb.threshold = 5
	}
	if cb.cooldown <= 0 {
		cb.cooldown = 30 * time.Second
	}
	if cb.probes <= 0 {
		cb.probes = 1
	}
	return cb
}

// Allow reports whether an attempt may proceed.  When the breaker is
// open the error wraps ErrCircuitOpen and says when it will retry.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != StateOpen {
		return nil
	}
	elapsed := cb.now().Sub(cb.openedAt)
	if elapsed >= cb.cooldown {
		cb.successes = 0
		cb.transition(StateHalfOpen)
		return nil
	}
	return fmt.Errorf("%w after %d failures, next probe in %v",
		ncerr.ErrCircuitOpen, cb.failures, (cb.cooldown - elapsed).Round(time.Millisecond))
}

// Record feeds the outcome of an allowed attempt back to the breaker.
func (cb *CircuitBreaker) Record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil {
		cb.failures++
		cb.successes = 0
		if cb.state == StateHalfOpen || cb.failures >= cb.threshold {
			cb.openedAt = cb.now()
			cb.transition(StateOpen)
		}
		return
	}
	switch cb.state {
	case StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.probes {
			cb.failures = 0
			cb.transition(StateClosed)
		}
	case StateClosed:
		cb.failures = 0
	}
}

// Execute runs fn when Allow permits and records its result.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if err := cb.Allow(); err != nil {
		return err
	}
	err := fn()
	cb.Record(err)
	return err
}

// CurrentState returns the breaker position.
func (cb *CircuitBreaker) CurrentState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Failures returns the consecutive failure count.
func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

// Reset closes the breaker and forgets past failures.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	cb.successes = 0
	cb.transition(StateClosed)
}

func (cb *CircuitBreaker) transition(to State) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	if cb.onChange != nil {
		cb.onChange(from, to)
	}
}
