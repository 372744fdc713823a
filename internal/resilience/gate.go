package resilience

import (
	"errors"
	"fmt"
	"time"
)

// ErrRateLimited indicates a route's rate limiter rejected a call (spec
// §4.6: "rejected acquire attempts fail fast with RateLimited").
var ErrRateLimited = errors.New("resilience: rate limited")

// Gate combines one route's rate limiter and circuit breaker into the
// single checkpoint a Channel send passes through. The limiter is checked
// first: it has no state to unwind on rejection, whereas a HALF_OPEN
// breaker consumes a scarce probe slot on every Allow, so a call doomed to
// be rate-limited should never spend one.
type Gate struct {
	route   string
	limiter Limiter
	breaker *CircuitBreaker
}

// NewGate returns a Gate for route. Either limiter or breaker may be nil
// to omit that check.
func NewGate(route string, limiter Limiter, breaker *CircuitBreaker) *Gate {
	return &Gate{route: route, limiter: limiter, breaker: breaker}
}

// Allow reports whether a call on this route may proceed, checking the
// rate limiter before the circuit breaker.
func (g *Gate) Allow() error {
	if g.limiter != nil && !g.limiter.TryAcquire() {
		return fmt.Errorf("route %s: %w", g.route, ErrRateLimited)
	}
	if g.breaker != nil {
		return g.breaker.Allow()
	}
	return nil
}

// RecordOutcome forwards a completed call's result to the breaker, if
// one is configured. Rate limiters have no notion of outcome.
func (g *Gate) RecordOutcome(success bool, duration time.Duration) {
	if g.breaker != nil {
		g.breaker.RecordOutcome(success, duration)
	}
}

// Route returns the route name this Gate guards.
func (g *Gate) Route() string { return g.route }

// BreakerState reports the guarded route's circuit breaker state. ok is
// false if the route has no breaker configured.
func (g *Gate) BreakerState() (state BreakerState, ok bool) {
	if g.breaker == nil {
		return BreakerClosed, false
	}
	return g.breaker.State(), true
}
