package resilience_test

import (
	"errors"
	"testing"
	"time"

	"github.com/go-fep/fep/internal/resilience"
)

func TestGateChecksRateLimiterBeforeBreaker(t *testing.T) {
	limiter := resilience.NewFixedWindowLimiter(1, time.Minute)
	breaker := resilience.NewCircuitBreaker("r", resilience.BreakerConfig{
		FailureRateThreshold: 50,
		MinimumCalls:         1,
		WindowSize:           10,
	}, nil)
	// Trip the breaker open; the limiter still has capacity and admits the
	// call, so the breaker's rejection is the one that surfaces.
	breaker.RecordOutcome(false, 0)

	g := resilience.NewGate("r", limiter, breaker)

	if err := g.Allow(); !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Fatalf("Allow() with limiter capacity available = %v, want ErrCircuitOpen", err)
	}
}

func TestGateRateLimiterRejectsWithoutTouchingBreaker(t *testing.T) {
	limiter := resilience.NewFixedWindowLimiter(0, time.Minute)
	var probed bool
	breaker := resilience.NewCircuitBreaker("r", resilience.BreakerConfig{
		FailureRateThreshold:      50,
		MinimumCalls:              100,
		WindowSize:                10,
		PermittedProbesInHalfOpen: 1,
	}, nil, resilience.WithBreakerCallback(func(resilience.StateChange) { probed = true }))

	g := resilience.NewGate("r", limiter, breaker)

	if err := g.Allow(); !errors.Is(err, resilience.ErrRateLimited) {
		t.Fatalf("Allow() = %v, want ErrRateLimited", err)
	}
	if probed {
		t.Fatal("breaker state changed, want untouched when rate limiter already rejected")
	}
}

func TestGateAllowsWhenBothPermit(t *testing.T) {
	limiter := resilience.NewFixedWindowLimiter(5, time.Minute)
	breaker := resilience.NewCircuitBreaker("r", resilience.BreakerConfig{
		FailureRateThreshold: 50,
		MinimumCalls:         10,
		WindowSize:           10,
	}, nil)

	g := resilience.NewGate("r", limiter, breaker)

	if err := g.Allow(); err != nil {
		t.Fatalf("Allow() = %v, want nil", err)
	}
	g.RecordOutcome(true, time.Millisecond)
}

func TestGateWithNilLimiterOrBreaker(t *testing.T) {
	g := resilience.NewGate("r", nil, nil)
	if err := g.Allow(); err != nil {
		t.Fatalf("Allow() with no limiter/breaker = %v, want nil", err)
	}
	g.RecordOutcome(false, 0)
}

func TestRegistryRegisterAndLookup(t *testing.T) {
	reg := resilience.NewRegistry()
	g := resilience.NewGate("acquirer-1", nil, nil)

	if _, ok := reg.Gate("acquirer-1"); ok {
		t.Fatal("Gate() before Register found an entry, want none")
	}

	reg.Register("acquirer-1", g)
	got, ok := reg.Gate("acquirer-1")
	if !ok || got != g {
		t.Fatalf("Gate() = %v, %v, want the registered gate", got, ok)
	}

	reg.Remove("acquirer-1")
	if _, ok := reg.Gate("acquirer-1"); ok {
		t.Fatal("Gate() after Remove found an entry, want none")
	}
}
