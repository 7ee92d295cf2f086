package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// BreakerState represents the current state of a circuit breaker.
type BreakerState int

const (
	// BreakerClosed lets every delivery through and counts failures.
	BreakerClosed BreakerState = iota
	// BreakerHalfOpen lets a few trial deliveries through.
	BreakerHalfOpen
	// BreakerOpen drops deliveries immediately.
	BreakerOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrBreakerOpen is returned while the breaker rejects deliveries.
var ErrBreakerOpen = errors.New("notify: circuit breaker is open")

// minErrorRateSamples is the minimum number of deliveries in a window before
// the error rate threshold is evaluated.
const minErrorRateSamples = 10

// BreakerConfig holds the trip and recovery thresholds.
type BreakerConfig struct {
	// FailureThreshold is the consecutive failures that open the breaker.
	FailureThreshold int
	// SuccessThreshold is the consecutive half-open successes that close it.
	SuccessThreshold int
	// Timeout is how long the breaker stays open before probing.
	Timeout time.Duration
	// ErrorRateThreshold (0..1) opens the breaker on the failure ratio within
	// ErrorRateWindow. Zero disables rate-based tripping.
	ErrorRateThreshold float64
	ErrorRateWindow    time.Duration
}

// Breaker wraps a notifier with a circuit breaker so that a dead sink costs
// one failed call per timeout rather than one per transition.
type Breaker struct {
	name  string
	inner Notifier
	cfg   BreakerConfig
	now   func() time.Time

	// OnStateChange, when set, is called with the new state after every
	// transition, outside the lock.
	onStateChange func(name string, s BreakerState)

	mu        sync.Mutex
	state     BreakerState
	failures  int
	successes int
	openedAt  time.Time

	windowStart    time.Time
	windowTotal    int
	windowFailures int
}

// BreakerOption configures a Breaker.
type BreakerOption func(*Breaker)

// WithBreakerClock overrides the time source.
func WithBreakerClock(now func() time.Time) BreakerOption {
	return func(b *Breaker) { b.now = now }
}

// WithStateChange registers a callback for state transitions.
func WithStateChange(fn func(name string, s BreakerState)) BreakerOption {
	return func(b *Breaker) { b.onStateChange = fn }
}

// NewBreaker wraps inner. Zero thresholds take the defaults 5, 2 and 30s.
func NewBreaker(name string, inner Notifier, cfg BreakerConfig, opts ...BreakerOption) *Breaker {
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold < 1 {
		cfg.SuccessThreshold = 2
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	b := &Breaker{
		name:  name,
		inner: inner,
		cfg:   cfg,
		now:   time.Now,
		state: BreakerClosed,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.windowStart = b.now()
	return b
}

// Notify delivers through the breaker.
func (b *Breaker) Notify(ctx context.Context, event Event) error {
	if err := b.allow(); err != nil {
		return err
	}
	err := b.inner.Notify(ctx, event)
	if err != nil {
		b.record(true)
		return fmt.Errorf("%s: %w", b.name, err)
	}
	b.record(false)
	return nil
}

// HealthCheck reports an open breaker as unhealthy and otherwise defers to
// the wrapped notifier when it can check itself.
func (b *Breaker) HealthCheck(ctx context.Context) error {
	if b.State() == BreakerOpen {
		return ErrBreakerOpen
	}
	if hc, ok := b.inner.(interface{ HealthCheck(context.Context) error }); ok {
		return hc.HealthCheck(ctx)
	}
	return nil
}

// State returns the current breaker state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	changed := b.maybeHalfOpen()
	s := b.state
	b.mu.Unlock()
	if changed {
		b.notifyState(s)
	}
	return s
}

// ErrorRate returns the failure ratio and delivery count of the current window.
func (b *Breaker) ErrorRate() (rate float64, total int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeResetWindow()
	if b.windowTotal == 0 {
		return 0, 0
	}
	return float64(b.windowFailures) / float64(b.windowTotal), b.windowTotal
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	changed := b.maybeHalfOpen()
	s := b.state
	b.mu.Unlock()
	if changed {
		b.notifyState(s)
	}
	if s == BreakerOpen {
		return ErrBreakerOpen
	}
	return nil
}

func (b *Breaker) record(failed bool) {
	b.mu.Lock()
	before := b.state
	switch b.state {
	case BreakerClosed:
		b.recordWindow(failed)
		if !failed {
			b.failures = 0
			break
		}
		b.failures++
		if b.failures >= b.cfg.FailureThreshold || b.errorRateExceeded() {
			b.trip()
		}
	case BreakerHalfOpen:
		if failed {
			b.trip()
			break
		}
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.state = BreakerClosed
			b.failures = 0
			b.successes = 0
			b.resetWindow()
		}
	}
	after := b.state
	b.mu.Unlock()
	if after != before {
		b.notifyState(after)
	}
}

// trip opens the breaker. Must be called with lock held.
func (b *Breaker) trip() {
	b.state = BreakerOpen
	b.openedAt = b.now()
	b.successes = 0
	b.resetWindow()
}

// maybeHalfOpen moves an expired open breaker to half-open. Must be called
// with lock held.
func (b *Breaker) maybeHalfOpen() bool {
	if b.state == BreakerOpen && b.now().Sub(b.openedAt) > b.cfg.Timeout {
		b.state = BreakerHalfOpen
		b.successes = 0
		return true
	}
	return false
}

func (b *Breaker) notifyState(s BreakerState) {
	if b.onStateChange != nil {
		b.onStateChange(b.name, s)
	}
}

// recordWindow tracks a delivery in the tumbling window. Must be called with lock held.
func (b *Breaker) recordWindow(failed bool) {
	if b.cfg.ErrorRateWindow <= 0 {
		return
	}
	b.maybeResetWindow()
	b.windowTotal++
	if failed {
		b.windowFailures++
	}
}

// maybeResetWindow starts a new window once the current one has expired.
// Must be called with lock held.
func (b *Breaker) maybeResetWindow() {
	if b.cfg.ErrorRateWindow > 0 && b.now().Sub(b.windowStart) > b.cfg.ErrorRateWindow {
		b.resetWindow()
	}
}

func (b *Breaker) resetWindow() {
	b.windowStart = b.now()
	b.windowTotal = 0
	b.windowFailures = 0
}

// errorRateExceeded requires at least minErrorRateSamples deliveries in the
// window. Must be called with lock held.
func (b *Breaker) errorRateExceeded() bool {
	if b.cfg.ErrorRateThreshold <= 0 || b.cfg.ErrorRateWindow <= 0 {
		return false
	}
	if b.windowTotal < minErrorRateSamples {
		return false
	}
	return float64(b.windowFailures)/float64(b.windowTotal) >= b.cfg.ErrorRateThreshold
}
