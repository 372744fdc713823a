package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/go-fep/fep/internal/channel"
	"github.com/go-fep/fep/internal/netproto"
)

// ErrPoolExhausted indicates no usable Channel was found for a route
// (spec §4.5: "If no Channel is usable, it returns PoolExhausted").
var ErrPoolExhausted = errors.New("pool: no usable channel for route")

const (
	defaultMaintenanceInterval = 10 * time.Second
	defaultMaxSignOnFailures   = 5
	notifyChSize               = 16
)

// RouteConfig describes one route: a primary Channel profile plus
// optional failover siblings, and the pool's growth and retirement
// policy for that route.
type RouteConfig struct {
	// Name identifies the route (used as a lookup key by callers and in
	// logs/metrics).
	Name string

	// Members lists the Channel profiles backing this route. The first
	// entry is the primary; the rest are failover siblings (spec §4.5:
	// "a primary plus optional failover siblings").
	Members []channel.Profile

	// MaxSize bounds how many live Channels the pool maintains for this
	// route, including members and any additional Channels the
	// maintenance loop creates against the primary profile, one per
	// MaintenanceInterval tick while below MaxSize. Defaults to
	// len(Members) when zero or smaller than it.
	MaxSize int

	// MaxSignOnFailures is how many consecutive sign-on/connect failures
	// a Channel tolerates before the pool retires and replaces it.
	MaxSignOnFailures int

	// MaintenanceInterval controls how often the pool reaps retired
	// Channels and attempts to grow back up to MaxSize.
	MaintenanceInterval time.Duration
}

func (c *RouteConfig) setDefaults() {
	if c.MaxSize < len(c.Members) {
		c.MaxSize = len(c.Members)
	}
	if c.MaxSignOnFailures <= 0 {
		c.MaxSignOnFailures = defaultMaxSignOnFailures
	}
	if c.MaintenanceInterval <= 0 {
		c.MaintenanceInterval = defaultMaintenanceInterval
	}
}

// instance is one live Channel the pool is tracking, plus its health
// bookkeeping.
type instance struct {
	ch         *channel.Channel
	profileIdx int
	notifyCh   chan netproto.StateChange

	failures atomic.Int32
	retired  atomic.Bool
}

// Pool selects a Channel for one route, round-robining over healthy
// members and skipping ones that have been retired.
type Pool struct {
	route  string
	cfg    RouteConfig
	logger *slog.Logger

	mu        sync.RWMutex
	instances []*instance
	nextIdx   atomic.Uint64

	closeCh   chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New returns a Pool for the given route configuration. Call Start to
// dial its members and begin maintenance.
func New(cfg RouteConfig, logger *slog.Logger) *Pool {
	cfg.setDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		route:   cfg.Name,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "pool"), slog.String("route", cfg.Name)),
		closeCh: make(chan struct{}),
	}
}

// Start dials every configured member in parallel and launches the
// background maintenance loop. A member that fails to connect is kept
// as a retrying instance (Channel.Connect schedules its own reconnect);
// Start only fails if every member failed to even construct.
func (p *Pool) Start(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	built := make([]*instance, len(p.cfg.Members))
	var constructErrs int32

	for i, profile := range p.cfg.Members {
		i, profile := i, profile
		g.Go(func() error {
			inst, err := p.dial(gctx, i, profile)
			if err != nil {
				atomic.AddInt32(&constructErrs, 1)
				p.logger.Error("member connect failed, will keep retrying",
					slog.String("member", profile.Name), slog.String("error", err.Error()))
				return nil
			}
			built[i] = inst
			return nil
		})
	}
	_ = g.Wait()

	p.mu.Lock()
	for _, inst := range built {
		if inst != nil {
			p.instances = append(p.instances, inst)
		}
	}
	p.mu.Unlock()

	if int(constructErrs) == len(p.cfg.Members) && len(p.cfg.Members) > 0 {
		return fmt.Errorf("route %s: all %d members failed to construct", p.route, len(p.cfg.Members))
	}

	p.wg.Add(1)
	go p.maintain(ctx)
	return nil
}

// dial constructs one Channel for the given member profile, wires a
// state-change watcher for sign-on failure tracking, and connects it.
// Connect errors are tolerated (the Channel retries internally); only a
// construction error is returned.
func (p *Pool) dial(ctx context.Context, profileIdx int, profile channel.Profile) (*instance, error) {
	notifyCh := make(chan netproto.StateChange, notifyChSize)
	ch, err := channel.New(profile, p.logger, channel.WithNotify(notifyCh))
	if err != nil {
		return nil, fmt.Errorf("route %s: construct member %s: %w", p.route, profile.Name, err)
	}

	inst := &instance{ch: ch, profileIdx: profileIdx, notifyCh: notifyCh}
	p.wg.Add(1)
	go p.watch(inst)

	if err := ch.Connect(ctx); err != nil {
		p.logger.Warn("initial connect failed, channel will retry in background",
			slog.String("member", profile.Name), slog.String("error", err.Error()))
	}
	return inst, nil
}

// watch consumes an instance's state-change notifications, counting
// consecutive sign-on failures and marking the instance retired once
// the threshold is reached (spec §4.5: "retires Channels that have
// failed sign-on repeatedly").
func (p *Pool) watch(inst *instance) {
	defer p.wg.Done()
	for {
		select {
		case <-p.closeCh:
			return
		case sc, ok := <-inst.notifyCh:
			if !ok {
				return
			}
			switch sc.NewState {
			case netproto.StateSignedOn:
				inst.failures.Store(0)
			case netproto.StateFailed:
				n := inst.failures.Add(1)
				if int(n) >= p.cfg.MaxSignOnFailures {
					inst.retired.Store(true)
					p.logger.Warn("retiring channel after repeated sign-on failures",
						slog.String("channel", inst.ch.Name()), slog.Int("failures", int(n)))
				}
			}
		}
	}
}

// Acquire returns a SIGNED_ON Channel for this route, round-robining
// across non-retired members starting from the next rotation position.
// Acquisition never blocks; it returns ErrPoolExhausted immediately if
// no member is currently usable (spec §4.5).
func (p *Pool) Acquire() (*channel.Channel, error) {
	p.mu.RLock()
	instances := p.instances
	p.mu.RUnlock()

	n := len(instances)
	if n == 0 {
		return nil, fmt.Errorf("route %s: %w", p.route, ErrPoolExhausted)
	}

	start := p.nextIdx.Add(1)
	for i := 0; i < n; i++ {
		inst := instances[(start+uint64(i))%uint64(n)]
		if inst.retired.Load() {
			continue
		}
		if inst.ch.Healthy() {
			return inst.ch, nil
		}
	}
	return nil, fmt.Errorf("route %s: %w", p.route, ErrPoolExhausted)
}

// maintain periodically reaps retired instances and grows the pool back
// toward MaxSize using the primary member's profile.
func (p *Pool) maintain(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.closeCh:
			return
		case <-ticker.C:
			p.reapRetired()
			p.growToCapacity(ctx)
		}
	}
}

func (p *Pool) reapRetired() {
	p.mu.Lock()
	kept := p.instances[:0:0]
	var reaped []*instance
	for _, inst := range p.instances {
		if inst.retired.Load() {
			reaped = append(reaped, inst)
		} else {
			kept = append(kept, inst)
		}
	}
	p.instances = kept
	p.mu.Unlock()

	for _, inst := range reaped {
		if err := inst.ch.Close(); err != nil {
			p.logger.Warn("error closing retired channel", slog.String("error", err.Error()))
		}
	}
}

func (p *Pool) growToCapacity(ctx context.Context) {
	if len(p.cfg.Members) == 0 {
		return
	}
	p.mu.RLock()
	n := len(p.instances)
	p.mu.RUnlock()

	if n >= p.cfg.MaxSize {
		return
	}

	primary := p.cfg.Members[0]
	inst, err := p.dial(ctx, 0, primary)
	if err != nil {
		p.logger.Error("grow: failed to construct additional channel", slog.String("error", err.Error()))
		return
	}

	p.mu.Lock()
	p.instances = append(p.instances, inst)
	p.mu.Unlock()

	p.logger.Info("grew pool toward capacity", slog.Int("size", n+1), slog.Int("max_size", p.cfg.MaxSize))
}

// Size returns the number of Channels currently tracked for this route.
func (p *Pool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.instances)
}

// Route returns the route name this Pool serves.
func (p *Pool) Route() string { return p.route }

// Close stops maintenance and closes every tracked Channel.
func (p *Pool) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.closeCh)
		p.mu.Lock()
		instances := p.instances
		p.instances = nil
		p.mu.Unlock()

		var errs []error
		for _, inst := range instances {
			if cErr := inst.ch.Close(); cErr != nil {
				errs = append(errs, cErr)
			}
		}
		p.wg.Wait()
		if len(errs) > 0 {
			err = errors.Join(errs...)
		}
	})
	return err
}
