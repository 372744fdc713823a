package netproto

import "time"

// StateChange describes one FSM transition, published to subscribers for
// observability (circuit breakers and metrics both key off these) and for
// resilience-layer state-change callbacks (spec §4.6: "Any state change
// fires callbacks").
type StateChange struct {
	Channel  string
	OldState State
	NewState State
	At       time.Time
}

// StateCallback is invoked synchronously by the consumer goroutine draining
// a Channel's notification channel. Long-running work should be dispatched
// asynchronously to avoid blocking that goroutine.
type StateCallback func(change StateChange)
