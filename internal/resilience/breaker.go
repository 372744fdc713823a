package resilience

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// unknownFmt mirrors the numeric fallback used by every enum String()
// method in this module.
const unknownFmt = "Unknown(%d)"

// ErrCircuitOpen indicates a route's breaker rejected a call (spec §4.6
// "OPEN: all calls rejected with CircuitOpen").
var ErrCircuitOpen = errors.New("resilience: circuit open")

// BreakerState is a circuit breaker's current state (spec §4.6).
type BreakerState uint8

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

var breakerStateNames = [...]string{"CLOSED", "OPEN", "HALF_OPEN"}

func (s BreakerState) String() string {
	if int(s) < len(breakerStateNames) {
		return breakerStateNames[s]
	}
	return fmt.Sprintf(unknownFmt, uint8(s))
}

// BreakerConfig configures one route's circuit breaker (spec §4.6).
type BreakerConfig struct {
	// FailureRateThreshold is the percentage (0-100) of failed calls in
	// the sliding window at or above which CLOSED trips to OPEN.
	FailureRateThreshold float64

	// MinimumCalls is the number of calls the sliding window must contain
	// before the failure rate is evaluated.
	MinimumCalls int

	// WindowSize is the number of most recent call outcomes retained.
	WindowSize int

	// WaitDurationInOpen is how long the breaker stays OPEN before
	// allowing a HALF_OPEN probe.
	WaitDurationInOpen time.Duration

	// PermittedProbesInHalfOpen bounds how many calls HALF_OPEN allows
	// before deciding whether to close or re-open.
	PermittedProbesInHalfOpen int

	// SuccessThresholdInHalfOpen is the percentage (0-100) of successful
	// probes required to transition HALF_OPEN back to CLOSED.
	SuccessThresholdInHalfOpen float64

	// SlowCallThreshold, when nonzero, marks any call at or above this
	// duration as slow.
	SlowCallThreshold time.Duration

	// SlowCallsAsFailures counts slow calls as failures for the purposes
	// of the failure-rate and probe-success calculations.
	SlowCallsAsFailures bool
}

func (c *BreakerConfig) setDefaults() {
	if c.MinimumCalls <= 0 {
		c.MinimumCalls = 10
	}
	if c.WindowSize <= 0 {
		c.WindowSize = 100
	}
	if c.WaitDurationInOpen <= 0 {
		c.WaitDurationInOpen = 30 * time.Second
	}
	if c.PermittedProbesInHalfOpen <= 0 {
		c.PermittedProbesInHalfOpen = 5
	}
}

// StateChange records one breaker transition, delivered to callbacks for
// observability (spec §4.6: "Any state change fires callbacks").
type StateChange struct {
	Route    string
	OldState BreakerState
	NewState BreakerState
	At       time.Time
}

// StateCallback is invoked synchronously on every breaker transition.
type StateCallback func(StateChange)

// CircuitBreaker guards calls on one route with a sliding-window failure
// rate in CLOSED, a cooldown in OPEN, and a bounded probe budget in
// HALF_OPEN (spec §4.6).
type CircuitBreaker struct {
	route string
	cfg   BreakerConfig

	mu           sync.Mutex
	clock        clock
	state        BreakerState
	window       []bool
	windowPos    int
	windowFilled int
	openedAt     time.Time
	probesIssued int
	probeTotal   int
	probeSuccess int

	callback StateCallback
	logger   *slog.Logger
}

// BreakerOption configures an optional CircuitBreaker parameter.
type BreakerOption func(*CircuitBreaker)

// WithBreakerClock overrides the breaker's time source.
func WithBreakerClock(now func() time.Time) BreakerOption {
	return func(b *CircuitBreaker) { WithClock(now)(&b.clock) }
}

// WithBreakerCallback registers a callback fired on every state change.
func WithBreakerCallback(cb StateCallback) BreakerOption {
	return func(b *CircuitBreaker) { b.callback = cb }
}

// NewCircuitBreaker returns a CLOSED breaker for route.
func NewCircuitBreaker(route string, cfg BreakerConfig, logger *slog.Logger, opts ...BreakerOption) *CircuitBreaker {
	cfg.setDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	b := &CircuitBreaker{
		route:  route,
		cfg:    cfg,
		clock:  newClock(),
		window: make([]bool, cfg.WindowSize),
		logger: logger.With(slog.String("component", "resilience.breaker"), slog.String("route", route)),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// State returns the breaker's current state, applying the OPEN-to-HALF_OPEN
// timeout transition if due.
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stateLocked()
}

func (b *CircuitBreaker) stateLocked() BreakerState {
	if b.state == BreakerOpen && b.clock.now().Sub(b.openedAt) >= b.cfg.WaitDurationInOpen {
		b.transitionLocked(BreakerHalfOpen)
		b.probesIssued, b.probeTotal, b.probeSuccess = 0, 0, 0
	}
	return b.state
}

// Allow reports whether a call may proceed. In HALF_OPEN it consumes one
// of the permitted probe slots; once exhausted, further calls are
// rejected until RecordOutcome closes or re-opens the breaker.
func (b *CircuitBreaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.stateLocked() {
	case BreakerOpen:
		return fmt.Errorf("route %s: %w", b.route, ErrCircuitOpen)
	case BreakerHalfOpen:
		if b.probesIssued >= b.cfg.PermittedProbesInHalfOpen {
			return fmt.Errorf("route %s: %w", b.route, ErrCircuitOpen)
		}
		b.probesIssued++
	}
	return nil
}

// RecordOutcome records a completed call's result. A slow call is treated
// as a failure when the config requests it.
func (b *CircuitBreaker) RecordOutcome(success bool, duration time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.cfg.SlowCallsAsFailures && b.cfg.SlowCallThreshold > 0 && duration >= b.cfg.SlowCallThreshold {
		success = false
	}

	switch b.stateLocked() {
	case BreakerHalfOpen:
		b.recordProbeLocked(success)
	default:
		b.recordClosedLocked(success)
	}
}

func (b *CircuitBreaker) recordProbeLocked(success bool) {
	b.probeTotal++
	if success {
		b.probeSuccess++
	} else {
		b.openLocked()
		return
	}
	if b.probeTotal >= b.cfg.PermittedProbesInHalfOpen {
		rate := float64(b.probeSuccess) / float64(b.probeTotal) * 100
		if rate >= b.cfg.SuccessThresholdInHalfOpen {
			b.transitionLocked(BreakerClosed)
			b.windowPos, b.windowFilled = 0, 0
		} else {
			b.openLocked()
		}
	}
}

func (b *CircuitBreaker) recordClosedLocked(success bool) {
	b.window[b.windowPos] = success
	b.windowPos = (b.windowPos + 1) % len(b.window)
	if b.windowFilled < len(b.window) {
		b.windowFilled++
	}
	if b.windowFilled < b.cfg.MinimumCalls {
		return
	}
	failures := 0
	for i := 0; i < b.windowFilled; i++ {
		if !b.window[i] {
			failures++
		}
	}
	failureRate := float64(failures) / float64(b.windowFilled) * 100
	if failureRate >= b.cfg.FailureRateThreshold {
		b.openLocked()
	}
}

func (b *CircuitBreaker) openLocked() {
	b.transitionLocked(BreakerOpen)
	b.openedAt = b.clock.now()
}

func (b *CircuitBreaker) transitionLocked(newState BreakerState) {
	if newState == b.state {
		return
	}
	old := b.state
	b.state = newState
	b.logger.Info("state changed", slog.String("old", old.String()), slog.String("new", newState.String()))
	if b.callback != nil {
		b.callback(StateChange{Route: b.route, OldState: old, NewState: newState, At: b.clock.now()})
	}
}
