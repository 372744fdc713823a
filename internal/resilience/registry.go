package resilience

import "sync"

// Registry looks up the Gate for a route, scoping circuit breakers and
// rate limiters per route as spec §4.6 requires ("Circuit breaker
// configured per route", "Rate limiter ... configured per route").
type Registry struct {
	mu    sync.RWMutex
	gates map[string]*Gate
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{gates: make(map[string]*Gate)}
}

// Register adds or replaces the Gate for route.
func (r *Registry) Register(route string, gate *Gate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gates[route] = gate
}

// Gate returns the registered Gate for route, if any.
func (r *Registry) Gate(route string) (*Gate, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.gates[route]
	return g, ok
}

// Remove deletes the Gate for route, if any.
func (r *Registry) Remove(route string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.gates, route)
}

// Routes returns the names of all registered routes, in no particular
// order. Used by diagnostics surfaces that enumerate every gate's state.
func (r *Registry) Routes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.gates))
	for name := range r.gates {
		names = append(names, name)
	}
	return names
}
