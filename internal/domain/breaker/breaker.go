// Package breaker implements a per-source circuit breaker: a keyed
// failure-isolation state machine shared by token exchange and upstream
// HTTP calls. Transitions are lazy; there is no background timer.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned when a call is rejected without contacting the
// upstream, either because the breaker is open or because the half-open
// probe budget is already in use.
var ErrOpen = errors.New("circuit breaker open")

// State is the breaker position.
type State string

const (
	// StateClosed passes calls through and counts consecutive failures.
	StateClosed State = "closed"
	// StateOpen rejects calls until the recovery timeout elapses.
	StateOpen State = "open"
	// StateHalfOpen admits a bounded number of probe calls.
	StateHalfOpen State = "half_open"
)

// Config tunes one breaker. The zero value is not usable; start from
// DefaultConfig.
type Config struct {
	// FailureThreshold is the consecutive-failure count that opens the
	// breaker from closed.
	FailureThreshold int
	// RecoveryTimeout is how long the breaker stays open before the next
	// call is admitted as a half-open probe.
	RecoveryTimeout time.Duration
	// HalfOpenMaxCalls is the number of consecutive probe successes
	// required to close, and the cap on in-flight probes.
	HalfOpenMaxCalls int
}

// DefaultConfig returns the standard breaker tuning.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
		HalfOpenMaxCalls: 2,
	}
}

// Breaker is a single source's state machine. Safe for concurrent use.
// The lock is never held while the protected call runs.
type Breaker struct {
	cfg Config
	now func() time.Time

	mu             sync.Mutex
	state          State
	failures       int
	openedAt       time.Time
	probesInFlight int
	probeSuccesses int
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithNow overrides the clock. Used by tests.
func WithNow(now func() time.Time) Option {
	return func(b *Breaker) {
		b.now = now
	}
}

// New creates a closed breaker with the given config.
func New(cfg Config, opts ...Option) *Breaker {
	b := &Breaker{
		cfg:   cfg,
		now:   time.Now,
		state: StateClosed,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Do runs fn under the breaker. A non-nil error from fn counts as a
// failure; callers decide what constitutes failure by what they return.
// When fn fails and the caller's context has expired, the outcome says
// nothing about the upstream's health: the call is recorded as neither
// success nor failure, and a half-open probe slot is released unused.
// Returns ErrOpen without invoking fn when the breaker rejects the call.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	if err := b.acquire(); err != nil {
		return err
	}
	err := fn(ctx)
	if err != nil && ctx.Err() != nil {
		b.release()
		return err
	}
	b.record(err == nil)
	return err
}

// acquire admits or rejects a call, applying the lazy OPEN -> HALF_OPEN
// transition when the recovery timeout has elapsed.
func (b *Breaker) acquire() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cfg.RecoveryTimeout {
			return ErrOpen
		}
		b.state = StateHalfOpen
		b.probesInFlight = 0
		b.probeSuccesses = 0
		fallthrough
	case StateHalfOpen:
		if b.probesInFlight >= b.cfg.HalfOpenMaxCalls {
			return ErrOpen
		}
		b.probesInFlight++
		return nil
	default:
		return nil
	}
}

// release undoes an admission without recording an outcome, so an
// abandoned call neither closes nor reopens the breaker.
func (b *Breaker) release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateHalfOpen {
		b.probesInFlight--
	}
}

// record applies the call outcome. Any half-open probe failure reopens
// the breaker; enough consecutive probe successes close it.
func (b *Breaker) record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		if success {
			b.failures = 0
			return
		}
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.open()
		}
	case StateHalfOpen:
		b.probesInFlight--
		if !success {
			b.open()
			return
		}
		b.probeSuccesses++
		if b.probeSuccesses >= b.cfg.HalfOpenMaxCalls {
			b.state = StateClosed
			b.failures = 0
		}
	case StateOpen:
		// A call admitted before the breaker opened finished late.
		// Nothing to update.
	}
}

// open transitions to OPEN. Caller holds the lock.
func (b *Breaker) open() {
	b.state = StateOpen
	b.openedAt = b.now()
	b.probesInFlight = 0
	b.probeSuccesses = 0
}

// State returns the current position, applying the lazy half-open
// transition so that metrics reflect admissibility.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cfg.RecoveryTimeout {
		return StateHalfOpen
	}
	return b.state
}

// RetryAfter returns how long until an open breaker admits a probe.
// Zero when the breaker is not open.
func (b *Breaker) RetryAfter() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateOpen {
		return 0
	}
	remaining := b.cfg.RecoveryTimeout - b.now().Sub(b.openedAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}
