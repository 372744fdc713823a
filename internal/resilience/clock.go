package resilience

import "time"

// clock lets tests control time progression without sleeping, the same
// injectable-clock shape the teacher uses for its flap dampener.
type clock struct {
	now func() time.Time
}

func newClock() clock { return clock{now: time.Now} }

// ClockOption overrides a breaker's or limiter's time source. Tests use
// this to drive sliding windows and token refill deterministically.
type ClockOption func(*clock)

// WithClock sets a custom time function.
func WithClock(now func() time.Time) ClockOption {
	return func(c *clock) {
		if now != nil {
			c.now = now
		}
	}
}
