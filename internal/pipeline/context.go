package pipeline

import (
	"time"

	"github.com/google/uuid"

	"github.com/go-fep/fep/internal/iso8583"
)

// LimitResult is the side-band attribute the limit-check stage leaves
// for downstream stages and AUDIT.
type LimitResult struct {
	Exceeded bool
	Reason   string
}

// Context is the mutable, per-transaction object threaded through every
// handler (spec §3 "Pipeline context"). It lives exactly as long as one
// transaction.
type Context struct {
	// TraceID is an audit-record correlation id, independent of the
	// wire-level STAN.
	TraceID string

	Request  *iso8583.Message
	Response *iso8583.Message

	// Continue is cleared by a handler that sets an early Response, or
	// by the runner when a handler returns a PipelineError. Later
	// stages are skipped except AUDIT, which always runs.
	Continue bool

	// Route, once ROUTING has run, is the route identifier used by
	// PROCESSING to acquire a Channel (C5).
	Route          string
	DestinationMTI string

	DuplicateHit bool
	LimitResult  *LimitResult

	// Err holds the classified failure, if any, once the pipeline has
	// aborted.
	Err *PipelineError

	// Attributes carries any additional side-band state a handler wants
	// to leave for a later stage.
	Attributes map[string]any

	startedAt time.Time
}

// NewContext returns a Context wrapping the decoded request, ready to
// run through the pipeline.
func NewContext(req *iso8583.Message) *Context {
	return &Context{
		TraceID:    uuid.NewString(),
		Request:    req,
		Continue:   true,
		Attributes: make(map[string]any),
		startedAt:  time.Now(),
	}
}

// Elapsed returns how long this Context has been running.
func (c *Context) Elapsed() time.Duration { return time.Since(c.startedAt) }

// Fail aborts the pipeline with a classified error, clearing Continue so
// that remaining handlers in the current stage and all later stages
// (except AUDIT) are skipped.
func (c *Context) Fail(pe *PipelineError) {
	c.Err = pe
	c.Continue = false
}

// Respond sets an early response and clears Continue (spec §4.7's
// short-circuit path (b), as opposed to a thrown PipelineError).
func (c *Context) Respond(resp *iso8583.Message) {
	c.Response = resp
	c.Continue = false
}
