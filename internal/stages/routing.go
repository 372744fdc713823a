package stages

import (
	"context"

	"github.com/go-fep/fep/internal/pipeline"
)

// RouteDecision is what the Routing stage attaches to the Pipeline
// Context (spec §4.9 "a route identifier... a destination MTI").
type RouteDecision struct {
	Route          string
	DestinationMTI string
}

// Router maps a decoded transaction to a RouteDecision by the two-digit
// prefix of its processing code (F3), falling back to Default when no
// prefix matches.
type Router struct {
	byPrefix map[string]RouteDecision
	Default  RouteDecision
}

// NewRouter returns a Router with no routes configured; use AddRoute to
// populate the prefix table.
func NewRouter(def RouteDecision) *Router {
	return &Router{byPrefix: make(map[string]RouteDecision), Default: def}
}

// AddRoute maps processingCodePrefix (the two leading digits of F3) to
// decision.
func (r *Router) AddRoute(processingCodePrefix string, decision RouteDecision) {
	r.byPrefix[processingCodePrefix] = decision
}

func (r *Router) Name() string { return "routing" }

func (r *Router) Handle(_ context.Context, pctx *pipeline.Context) error {
	pc, ok := pctx.Request.Get("3")
	if !ok || len(pc) < 2 {
		return pipeline.NewError(pipeline.KindRoutingFailure, "processing code missing or too short")
	}
	decision, ok := r.byPrefix[pc[:2]]
	if !ok {
		decision = r.Default
	}
	if decision.Route == "" {
		return pipeline.NewError(pipeline.KindRoutingFailure, "no route for processing code prefix "+pc[:2])
	}
	pctx.Route = decision.Route
	pctx.DestinationMTI = decision.DestinationMTI
	return nil
}
