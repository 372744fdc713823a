package adminhttp

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/go-fep/fep/internal/correlator"
	"github.com/go-fep/fep/internal/duplicate"
	"github.com/go-fep/fep/internal/pool"
	"github.com/go-fep/fep/internal/resilience"
)

// Server answers diagnostics queries over the runtime components it was
// given at construction. All fields are read-only from the server's
// perspective; it never mutates route, breaker, or detector state.
type Server struct {
	router     *pool.Router
	resilience *resilience.Registry
	duplicates *duplicate.Detector
	correlator *correlator.Correlator
}

// NewServer returns a Server over the given components. Any may be nil,
// in which case its corresponding endpoint reports an empty result.
func NewServer(router *pool.Router, reg *resilience.Registry, dup *duplicate.Detector, corr *correlator.Correlator) *Server {
	return &Server{router: router, resilience: reg, duplicates: dup, correlator: corr}
}

// NewRouter returns a configured chi.Router for the diagnostics API.
//
// Route layout:
//
//	GET /healthz            – liveness probe (no authentication required)
//	GET /api/v1/routes      – per-route pool size and breaker state
//	GET /api/v1/duplicates  – duplicate detector cache occupancy
//	GET /api/v1/correlator  – in-flight correlated-request count
//
// secret is the HMAC key used to verify HS256 Bearer tokens on all /api
// routes. Pass nil to disable JWT validation (tests covering only
// response formatting).
func NewRouter(srv *Server, secret []byte) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", srv.handleHealthz)

	r.Route("/api/v1", func(r chi.Router) {
		if secret != nil {
			r.Use(JWTMiddleware(secret))
		}

		r.Get("/routes", srv.handleRoutes)
		r.Get("/duplicates", srv.handleDuplicates)
		r.Get("/correlator", srv.handleCorrelator)
	})

	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// routeStatus describes one route's current runtime state.
type routeStatus struct {
	Name         string `json:"name"`
	PoolSize     int    `json:"pool_size"`
	BreakerState string `json:"breaker_state,omitempty"`
}

func (s *Server) handleRoutes(w http.ResponseWriter, _ *http.Request) {
	statuses := []routeStatus{}

	if s.router != nil {
		for _, name := range s.router.Routes() {
			rs := routeStatus{Name: name}
			if p, ok := s.router.Pool(name); ok {
				rs.PoolSize = p.Size()
			}
			if s.resilience != nil {
				if gate, ok := s.resilience.Gate(name); ok {
					if state, hasBreaker := gate.BreakerState(); hasBreaker {
						rs.BreakerState = state.String()
					}
				}
			}
			statuses = append(statuses, rs)
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{"routes": statuses})
}

func (s *Server) handleDuplicates(w http.ResponseWriter, _ *http.Request) {
	size := 0
	if s.duplicates != nil {
		size = s.duplicates.Len()
	}
	writeJSON(w, http.StatusOK, map[string]any{"cache_size": size})
}

func (s *Server) handleCorrelator(w http.ResponseWriter, _ *http.Request) {
	inFlight := 0
	if s.correlator != nil {
		inFlight = s.correlator.Len()
	}
	writeJSON(w, http.StatusOK, map[string]any{"in_flight": inFlight})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
