package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-fep/fep/internal/channel"
)

// ErrRouteNotFound indicates a route name has no registered Pool.
var ErrRouteNotFound = errors.New("pool: route not found")

// Router is the C5 entry point: it maps a route name to the Pool that
// serves it and exposes the acquire(route) -> Channel contract of spec
// §4.5.
type Router struct {
	logger *slog.Logger

	mu    sync.RWMutex
	pools map[string]*Pool
}

// NewRouter returns an empty Router.
func NewRouter(logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{logger: logger.With(slog.String("component", "pool.router")), pools: make(map[string]*Pool)}
}

// AddRoute builds and starts a Pool for cfg, registering it under
// cfg.Name. Returns an error if the route already exists.
func (r *Router) AddRoute(ctx context.Context, cfg RouteConfig) error {
	r.mu.Lock()
	if _, exists := r.pools[cfg.Name]; exists {
		r.mu.Unlock()
		return fmt.Errorf("route %s: already registered", cfg.Name)
	}
	p := New(cfg, r.logger)
	r.pools[cfg.Name] = p
	r.mu.Unlock()

	if err := p.Start(ctx); err != nil {
		r.mu.Lock()
		delete(r.pools, cfg.Name)
		r.mu.Unlock()
		return err
	}
	return nil
}

// Acquire returns a usable Channel for route, or ErrRouteNotFound if no
// Pool is registered under that name, or whatever error the route's Pool
// returns (typically ErrPoolExhausted).
func (r *Router) Acquire(route string) (*channel.Channel, error) {
	r.mu.RLock()
	p, ok := r.pools[route]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("route %s: %w", route, ErrRouteNotFound)
	}
	return p.Acquire()
}

// Pool returns the Pool registered for route, if any.
func (r *Router) Pool(route string) (*Pool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pools[route]
	return p, ok
}

// Routes returns the names of all registered routes, in no particular
// order.
func (r *Router) Routes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.pools))
	for name := range r.pools {
		names = append(names, name)
	}
	return names
}

// Close closes every registered route's Pool.
func (r *Router) Close() error {
	r.mu.Lock()
	pools := r.pools
	r.pools = make(map[string]*Pool)
	r.mu.Unlock()

	var errs []error
	for _, p := range pools {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
