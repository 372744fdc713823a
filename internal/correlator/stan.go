package correlator

import (
	"errors"
	"fmt"
	"sync"
)

// stanModulus is the wrap point for the 6-digit STAN field (spec §4.3:
// "STAN is a 6-digit field that wraps modulo 10^6").
const stanModulus = 1_000_000

// maxAllocAttempts bounds how many times StanAllocator advances past a
// colliding STAN before giving up; with a single monotonic counter per
// Channel, exhaustion only happens if a full cycle of the counter is still
// in flight, which would indicate a stuck Correlator.
const maxAllocAttempts = stanModulus

// ErrStanExhausted indicates a full counter cycle found no free STAN —
// every one of the 10^6 possible values collided with an in-flight trace.
var ErrStanExhausted = errors.New("correlator: stan allocator exhausted")

// StanAllocator hands out STAN values from a monotonic counter, advancing
// past any value that collides with an in-flight Correlator entry (spec
// §4.3: "if the derived key collides... the Channel advances the counter
// until a free slot is found"). One allocator belongs to one Channel.
type StanAllocator struct {
	mu   sync.Mutex
	next uint32
}

// NewStanAllocator returns an allocator starting at STAN 1 (0 is reserved
// by convention for network-management messages with no prior trace).
func NewStanAllocator() *StanAllocator {
	return &StanAllocator{next: 1}
}

// Allocate returns the next free 6-digit STAN, skipping any value for
// which inUse reports true.
func (a *StanAllocator) Allocate(inUse func(stan string) bool) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for attempt := 0; attempt < maxAllocAttempts; attempt++ {
		n := a.next
		a.next = (a.next + 1) % stanModulus
		if n == 0 {
			continue // 0 reserved; never assigned to a real trace
		}
		stan := fmt.Sprintf("%06d", n)
		if inUse != nil && inUse(stan) {
			continue
		}
		return stan, nil
	}
	return "", fmt.Errorf("allocate stan after %d attempts: %w", maxAllocAttempts, ErrStanExhausted)
}
