package breaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

var errUpstream = errors.New("upstream failure")

// fakeClock is a manually advanced clock for deterministic transitions.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func fail(context.Context) error { return errUpstream }

func succeed(context.Context) error { return nil }

func TestBreakerOpensAfterThreshold(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	b := New(Config{FailureThreshold: 5, RecoveryTimeout: 30 * time.Second, HalfOpenMaxCalls: 1}, WithNow(clock.Now))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := b.Do(ctx, fail); !errors.Is(err, errUpstream) {
			t.Fatalf("call %d: got %v, want upstream failure", i, err)
		}
	}
	if got := b.State(); got != StateOpen {
		t.Fatalf("state after 5 failures = %q, want %q", got, StateOpen)
	}

	// Before the recovery timeout the call fails fast: fn must not run.
	called := false
	err := b.Do(ctx, func(context.Context) error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrOpen) {
		t.Fatalf("got %v, want ErrOpen", err)
	}
	if called {
		t.Error("open breaker must not invoke the protected call")
	}
}

func TestBreakerHalfOpenProbeAfterRecovery(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	b := New(Config{FailureThreshold: 1, RecoveryTimeout: 10 * time.Second, HalfOpenMaxCalls: 1}, WithNow(clock.Now))
	ctx := context.Background()

	if err := b.Do(ctx, fail); !errors.Is(err, errUpstream) {
		t.Fatal(err)
	}
	if got := b.State(); got != StateOpen {
		t.Fatalf("state = %q, want %q", got, StateOpen)
	}

	clock.Advance(10 * time.Second)

	// The next call is admitted as a probe and, on success, closes the breaker.
	if err := b.Do(ctx, succeed); err != nil {
		t.Fatalf("probe call failed: %v", err)
	}
	if got := b.State(); got != StateClosed {
		t.Errorf("state after successful probe = %q, want %q", got, StateClosed)
	}
}

func TestBreakerProbeFailureReopens(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	b := New(Config{FailureThreshold: 1, RecoveryTimeout: 10 * time.Second, HalfOpenMaxCalls: 2}, WithNow(clock.Now))
	ctx := context.Background()

	_ = b.Do(ctx, fail)
	clock.Advance(10 * time.Second)

	if err := b.Do(ctx, fail); !errors.Is(err, errUpstream) {
		t.Fatal(err)
	}
	if got := b.State(); got != StateOpen {
		t.Fatalf("state after probe failure = %q, want %q", got, StateOpen)
	}

	// Reopening resets the recovery window from the probe failure.
	clock.Advance(5 * time.Second)
	if err := b.Do(ctx, succeed); !errors.Is(err, ErrOpen) {
		t.Errorf("got %v, want ErrOpen before the fresh recovery window elapses", err)
	}
}

func TestBreakerHalfOpenRequiresConsecutiveSuccesses(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	b := New(Config{FailureThreshold: 1, RecoveryTimeout: time.Second, HalfOpenMaxCalls: 2}, WithNow(clock.Now))
	ctx := context.Background()

	_ = b.Do(ctx, fail)
	clock.Advance(time.Second)

	if err := b.Do(ctx, succeed); err != nil {
		t.Fatal(err)
	}
	if got := b.State(); got != StateHalfOpen {
		t.Fatalf("state after one of two probes = %q, want %q", got, StateHalfOpen)
	}
	if err := b.Do(ctx, succeed); err != nil {
		t.Fatal(err)
	}
	if got := b.State(); got != StateClosed {
		t.Errorf("state after both probes = %q, want %q", got, StateClosed)
	}
}

func TestBreakerHalfOpenProbeBudget(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	b := New(Config{FailureThreshold: 1, RecoveryTimeout: time.Second, HalfOpenMaxCalls: 1}, WithNow(clock.Now))
	ctx := context.Background()

	_ = b.Do(ctx, fail)
	clock.Advance(time.Second)

	// Hold the only probe slot open, then try a second call.
	release := make(chan struct{})
	probeDone := make(chan error, 1)
	go func() {
		probeDone <- b.Do(ctx, func(context.Context) error {
			<-release
			return nil
		})
	}()

	// Wait for the probe to be admitted.
	deadline := time.After(2 * time.Second)
	for b.State() != StateHalfOpen {
		select {
		case <-deadline:
			t.Fatal("probe was never admitted")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	if err := b.Do(ctx, succeed); !errors.Is(err, ErrOpen) {
		t.Errorf("got %v, want ErrOpen while the probe slot is occupied", err)
	}

	close(release)
	if err := <-probeDone; err != nil {
		t.Fatal(err)
	}
}

func TestBreakerCancelledProbeIsNeutral(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	b := New(Config{FailureThreshold: 1, RecoveryTimeout: 10 * time.Second, HalfOpenMaxCalls: 1}, WithNow(clock.Now))

	_ = b.Do(context.Background(), fail)
	clock.Advance(10 * time.Second)

	// A probe whose caller gave up mid-call fails, but says nothing
	// about the upstream's health.
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	if err := b.Do(cancelled, fail); !errors.Is(err, errUpstream) {
		t.Fatalf("got %v, want the call's own error", err)
	}

	// Neither closed (probe success) nor reopened (probe failure).
	if got := b.State(); got != StateHalfOpen {
		t.Fatalf("state after cancelled probe = %q, want %q", got, StateHalfOpen)
	}

	// The probe slot was released; a real probe is admitted and closes.
	if err := b.Do(context.Background(), succeed); err != nil {
		t.Fatal(err)
	}
	if got := b.State(); got != StateClosed {
		t.Errorf("state after real probe = %q, want %q", got, StateClosed)
	}
}

func TestBreakerCancelledCallDoesNotCountAsFailure(t *testing.T) {
	t.Parallel()

	b := New(Config{FailureThreshold: 1, RecoveryTimeout: time.Minute, HalfOpenMaxCalls: 1})

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	_ = b.Do(cancelled, fail)

	if got := b.State(); got != StateClosed {
		t.Errorf("state after cancelled call = %q, want %q", got, StateClosed)
	}
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	t.Parallel()

	b := New(Config{FailureThreshold: 3, RecoveryTimeout: time.Second, HalfOpenMaxCalls: 1})
	ctx := context.Background()

	_ = b.Do(ctx, fail)
	_ = b.Do(ctx, fail)
	_ = b.Do(ctx, succeed)
	_ = b.Do(ctx, fail)
	_ = b.Do(ctx, fail)

	if got := b.State(); got != StateClosed {
		t.Errorf("non-consecutive failures must not open the breaker, state = %q", got)
	}
}

func TestRegistryIsolatesSources(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(Config{FailureThreshold: 1, RecoveryTimeout: time.Minute, HalfOpenMaxCalls: 1})
	ctx := context.Background()

	_ = reg.Get("orders-api").Do(ctx, fail)

	if got := reg.Get("orders-api").State(); got != StateOpen {
		t.Errorf("orders-api state = %q, want %q", got, StateOpen)
	}
	if got := reg.Get("token-exchange").State(); got != StateClosed {
		t.Errorf("token-exchange state = %q, want %q", got, StateClosed)
	}

	states := reg.States()
	if len(states) != 2 {
		t.Fatalf("States() returned %d entries, want 2", len(states))
	}
}

func TestRegistryGetReturnsSameBreaker(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(DefaultConfig())
	if reg.Get("a") != reg.Get("a") {
		t.Error("Get must return the same breaker for the same key")
	}
	if reg.Get("a") == reg.Get("b") {
		t.Error("Get must return distinct breakers for distinct keys")
	}
}

func TestBreakerConcurrentCalls(t *testing.T) {
	t.Parallel()

	b := New(Config{FailureThreshold: 100, RecoveryTimeout: time.Minute, HalfOpenMaxCalls: 1})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				_ = b.Do(ctx, succeed)
			} else {
				_ = b.Do(ctx, fail)
			}
		}(i)
	}
	wg.Wait()

	// The failure count never reaches the threshold here.
	if got := b.State(); got != StateClosed {
		t.Errorf("state = %q, want %q", got, StateClosed)
	}
}
