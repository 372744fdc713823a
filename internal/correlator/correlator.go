// Package correlator matches outstanding request traces to the responses
// that eventually arrive for them, possibly out of order and on a
// different socket than the one the request was sent on.
package correlator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-fep/fep/internal/iso8583"
)

// Sentinel errors for Correlator operations.
var (
	// ErrDuplicateKey indicates a trace key is already in flight for this
	// Correlator (spec §4.3: "fail if key in use").
	ErrDuplicateKey = errors.New("correlator: trace key already in flight")

	// ErrTraceNotFound indicates Complete or Cancel was called with a key
	// that has no matching in-flight entry (already completed, expired,
	// or never submitted).
	ErrTraceNotFound = errors.New("correlator: trace key not found")

	// ErrTimeout indicates a Future's deadline elapsed before a response
	// arrived (spec §8 property 8).
	ErrTimeout = errors.New("correlator: timeout waiting for response")

	// ErrChannelClosed indicates the owning Channel closed while the
	// trace was still outstanding (spec §4.2 "Failure semantics").
	ErrChannelClosed = errors.New("correlator: channel closed")

	// ErrCancelled indicates the caller cancelled the Future before it
	// resolved.
	ErrCancelled = errors.New("correlator: cancelled by caller")
)

// Key identifies one outstanding request trace (spec §4.3 "Trace key").
// Callers populate Secondary with the second key component: the
// Channel keys financial messages on (STAN, acquiring institution id)
// and network-management messages on (STAN, message function). The
// transmission date-time is not part of any key.
type Key struct {
	STAN      string
	Secondary string
}

func (k Key) String() string { return fmt.Sprintf("%s/%s", k.STAN, k.Secondary) }

// Future is resolved exactly once, by Complete, Expire, or the owning
// Channel's Close/Cancel path.
type Future struct {
	done     chan struct{}
	response *iso8583.Message
	err      error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Wait blocks until the future resolves or ctx is cancelled.
func (f *Future) Wait(ctx context.Context) (*iso8583.Message, error) {
	select {
	case <-f.done:
		return f.response, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *Future) resolve(resp *iso8583.Message, err error) {
	f.response = resp
	f.err = err
	close(f.done)
}

type entry struct {
	key      Key
	channel  string
	deadline time.Time
	future   *Future
}

// Correlator owns the trace map for one Channel. Reads and writes must
// tolerate many concurrent callers (spec §5 "Shared resources").
type Correlator struct {
	mu      sync.RWMutex
	inflight map[Key]*entry

	logger *slog.Logger
}

// New returns an empty Correlator.
func New(logger *slog.Logger) *Correlator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Correlator{
		inflight: make(map[Key]*entry),
		logger:   logger.With(slog.String("component", "correlator")),
	}
}

// InFlight reports whether key currently has an outstanding entry —
// callers (the Channel's STAN allocator) use this to detect collisions.
func (c *Correlator) InFlight(key Key) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.inflight[key]
	return ok
}

// Submit registers key as in flight with the given deadline, returning a
// Future the caller awaits for the matching response.
func (c *Correlator) Submit(key Key, channel string, deadline time.Time) (*Future, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.inflight[key]; exists {
		return nil, fmt.Errorf("%s: %w", key, ErrDuplicateKey)
	}
	f := newFuture()
	c.inflight[key] = &entry{key: key, channel: channel, deadline: deadline, future: f}
	return f, nil
}

// Complete resolves the future registered under key with response, and
// removes the entry. A late-arriving response with no matching entry is
// logged and discarded (spec §4.3 "Cancellation").
func (c *Correlator) Complete(key Key, response *iso8583.Message) error {
	c.mu.Lock()
	e, ok := c.inflight[key]
	if ok {
		delete(c.inflight, key)
	}
	c.mu.Unlock()
	if !ok {
		c.logger.Warn("discarding unmatched response", slog.String("key", key.String()))
		return ErrTraceNotFound
	}
	e.future.resolve(response, nil)
	return nil
}

// Cancel removes key's entry (if present) and resolves its future with
// ErrCancelled.
func (c *Correlator) Cancel(key Key) {
	c.mu.Lock()
	e, ok := c.inflight[key]
	if ok {
		delete(c.inflight, key)
	}
	c.mu.Unlock()
	if ok {
		e.future.resolve(nil, ErrCancelled)
	}
}

// Expire sweeps entries past their deadline, failing their futures with
// ErrTimeout. Callers run this on a periodic ticker.
func (c *Correlator) Expire(now time.Time) int {
	var expired []*entry
	c.mu.Lock()
	for k, e := range c.inflight {
		if now.After(e.deadline) {
			expired = append(expired, e)
			delete(c.inflight, k)
		}
	}
	c.mu.Unlock()
	for _, e := range expired {
		e.future.resolve(nil, ErrTimeout)
	}
	return len(expired)
}

// CloseChannel fails every in-flight entry belonging to channel with
// ErrChannelClosed (spec §4.2 "close()").
func (c *Correlator) CloseChannel(channel string) int {
	var closing []*entry
	c.mu.Lock()
	for k, e := range c.inflight {
		if e.channel == channel {
			closing = append(closing, e)
			delete(c.inflight, k)
		}
	}
	c.mu.Unlock()
	for _, e := range closing {
		e.future.resolve(nil, ErrChannelClosed)
	}
	return len(closing)
}

// Len returns the number of in-flight traces, for metrics/diagnostics.
func (c *Correlator) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.inflight)
}
