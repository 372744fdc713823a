package duplicate

import (
	"strings"
	"sync"
	"time"
)

const (
	defaultHorizon    = 15 * time.Minute
	defaultMaxEntries = 100_000
)

// Fingerprint identifies one transaction for duplicate detection (spec
// §4.8: "acquirer id, terminal id, STAN, transmission date-time, amount").
type Fingerprint struct {
	AcquirerID           string
	TerminalID           string
	STAN                 string
	TransmissionDateTime string
	Amount               string
}

func (f Fingerprint) key() string {
	var b strings.Builder
	b.WriteString(f.AcquirerID)
	b.WriteByte('|')
	b.WriteString(f.TerminalID)
	b.WriteByte('|')
	b.WriteString(f.STAN)
	b.WriteByte('|')
	b.WriteString(f.TransmissionDateTime)
	b.WriteByte('|')
	b.WriteString(f.Amount)
	return b.String()
}

// clock lets tests control time progression without sleeping.
type clock struct {
	now func() time.Time
}

func newClock() clock { return clock{now: time.Now} }

// Option configures an optional Detector parameter.
type Option func(*Detector)

// WithHorizon overrides how long a fingerprint is remembered. Defaults
// to 15 minutes (spec §4.8).
func WithHorizon(d time.Duration) Option {
	return func(det *Detector) {
		if d > 0 {
			det.horizon = d
		}
	}
}

// WithMaxEntries bounds how many fingerprints the detector retains at
// once; the oldest is evicted once the bound is reached (spec §4.8).
func WithMaxEntries(n int) Option {
	return func(det *Detector) {
		if n > 0 {
			det.maxEntries = n
		}
	}
}

// WithClock overrides the detector's time source.
func WithClock(now func() time.Time) Option {
	return func(det *Detector) {
		if now != nil {
			det.clock.now = now
		}
	}
}

// Detector maintains a short-horizon, count-bounded set of seen
// fingerprints. A fingerprint already present and unexpired makes the
// incoming transaction a duplicate.
type Detector struct {
	mu         sync.Mutex
	clock      clock
	horizon    time.Duration
	maxEntries int

	expiryOf map[string]time.Time
	order    []string
	pos      int
	filled   int
}

// New returns an empty Detector.
func New(opts ...Option) *Detector {
	d := &Detector{
		clock:      newClock(),
		horizon:    defaultHorizon,
		maxEntries: defaultMaxEntries,
		expiryOf:   make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.order = make([]string, d.maxEntries)
	return d
}

// CheckAndRecord reports whether fp is a duplicate of a fingerprint
// already recorded and not yet expired. If it is not a duplicate, fp is
// recorded against the detector's horizon, evicting the oldest entry if
// the detector is at capacity.
func (d *Detector) CheckAndRecord(fp Fingerprint) bool {
	key := fp.key()
	now := d.clock.now()

	d.mu.Lock()
	defer d.mu.Unlock()

	if expiry, ok := d.expiryOf[key]; ok && now.Before(expiry) {
		return true
	}

	d.recordLocked(key, now.Add(d.horizon))
	return false
}

func (d *Detector) recordLocked(key string, expiry time.Time) {
	if _, exists := d.expiryOf[key]; exists {
		d.expiryOf[key] = expiry
		return
	}

	if d.filled >= d.maxEntries {
		oldest := d.order[d.pos]
		delete(d.expiryOf, oldest)
	} else {
		d.filled++
	}
	d.order[d.pos] = key
	d.pos = (d.pos + 1) % d.maxEntries
	d.expiryOf[key] = expiry
}

// Sweep actively removes expired entries, reclaiming memory ahead of
// their slot being overwritten by the FIFO ring. Safe to call from a
// periodic background goroutine.
func (d *Detector) Sweep() int {
	now := d.clock.now()

	d.mu.Lock()
	defer d.mu.Unlock()

	removed := 0
	for key, expiry := range d.expiryOf {
		if !now.Before(expiry) {
			delete(d.expiryOf, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of fingerprints currently tracked, including
// any not yet swept past their expiry.
func (d *Detector) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.expiryOf)
}
