package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/go-fep/fep/internal/iso8583"
)

const (
	defaultDeadline   = 10 * time.Second
	processingField   = "3"
	fieldSTAN         = "11"
	fieldResponseCode = "39"
)

// Handler runs at one stage of the pipeline against the mutable
// Context. It may continue (return nil, leave Context.Continue true),
// short-circuit by calling Context.Respond, or abort by calling
// Context.Fail or returning a *PipelineError (spec §4.7).
type Handler interface {
	Name() string
	Handle(ctx context.Context, pctx *Context) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc struct {
	HandlerName string
	Func        func(ctx context.Context, pctx *Context) error
}

func (f HandlerFunc) Name() string { return f.HandlerName }
func (f HandlerFunc) Handle(ctx context.Context, pctx *Context) error {
	return f.Func(ctx, pctx)
}

type registeredHandler struct {
	order   int
	handler Handler
}

// Option configures an optional Pipeline parameter.
type Option func(*Pipeline)

// WithDeadline sets the stage-timeout for transactions whose processing
// code (F3) starts with the given two-digit prefix (spec §4.7: "a
// transaction-wide deadline derived from the transaction type").
func WithDeadline(processingCodePrefix string, d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.deadlines[processingCodePrefix] = d
		}
	}
}

// WithDefaultDeadline overrides the deadline used when no per-prefix
// deadline matches.
func WithDefaultDeadline(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.defaultDeadline = d
		}
	}
}

// Pipeline runs the registered handlers for each transaction under a
// transaction-wide deadline (spec §4.7).
type Pipeline struct {
	stages          map[Stage][]registeredHandler
	deadlines       map[string]time.Duration
	defaultDeadline time.Duration
	logger          *slog.Logger
}

// New returns an empty Pipeline.
func New(logger *slog.Logger, opts ...Option) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pipeline{
		stages:          make(map[Stage][]registeredHandler),
		deadlines:       make(map[string]time.Duration),
		defaultDeadline: defaultDeadline,
		logger:          logger.With(slog.String("component", "pipeline")),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Register adds h to stage, to run in ascending order among that
// stage's other handlers.
func (p *Pipeline) Register(stage Stage, order int, h Handler) {
	p.stages[stage] = append(p.stages[stage], registeredHandler{order: order, handler: h})
	sort.SliceStable(p.stages[stage], func(i, j int) bool {
		return p.stages[stage][i].order < p.stages[stage][j].order
	})
}

// deadlineFor derives the transaction-wide deadline from the request's
// processing code prefix, falling back to the pipeline's default.
func (p *Pipeline) deadlineFor(pctx *Context) time.Duration {
	if pctx.Request != nil {
		if pc, ok := pctx.Request.Get(processingField); ok {
			if prefix, err := transactionTypePrefix(pc); err == nil {
				if d, ok := p.deadlines[prefix]; ok {
					return d
				}
			}
		}
	}
	return p.defaultDeadline
}

// Run drives pctx through every stage in order. Stages after the first
// short-circuit or thrown error are skipped, except AUDIT, which always
// runs — detached from the transaction deadline so it can complete even
// after a timeout abort.
func (p *Pipeline) Run(ctx context.Context, pctx *Context) {
	deadline := p.deadlineFor(pctx)
	runCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	for _, stage := range Stages {
		if stage == StageAudit {
			break
		}
		if !pctx.Continue {
			break
		}
		if runCtx.Err() != nil {
			pctx.Fail(NewError(KindTimeout, "pipeline deadline exceeded"))
			break
		}
		p.runStage(runCtx, stage, pctx)
	}

	if pctx.Err != nil && pctx.Response == nil {
		pctx.Response = synthesizeErrorResponse(pctx.Request, pctx.Err)
	}

	auditCtx := context.WithoutCancel(ctx)
	p.runStage(auditCtx, StageAudit, pctx)

	if pctx.Err != nil && pctx.Err.Kind == KindSystemError {
		p.logger.Error("pipeline aborted with system error",
			slog.String("trace_id", pctx.TraceID), slog.String("error", pctx.Err.Error()))
	}
}

// responseMTI derives a response MTI from a request MTI by incrementing
// its last two digits by 10, the convention the schemas in this module
// follow (e.g. "0200" -> "0210", "0800" -> "0810").
func responseMTI(requestMTI string) (string, error) {
	n, err := strconv.Atoi(requestMTI)
	if err != nil {
		return "", fmt.Errorf("request MTI %q not numeric: %w", requestMTI, err)
	}
	return fmt.Sprintf("%04d", n+10), nil
}

// synthesizeErrorResponse builds a minimal response message carrying the
// response code for a pipeline error, for use when no stage set an
// explicit Response before aborting.
func synthesizeErrorResponse(req *iso8583.Message, pe *PipelineError) *iso8583.Message {
	if req == nil {
		return nil
	}
	mti, err := responseMTI(req.MTI)
	if err != nil {
		mti = req.MTI
	}
	resp := iso8583.NewMessage(mti)
	if stan, ok := req.Get(fieldSTAN); ok {
		resp.Set(fieldSTAN, stan)
	}
	resp.Set(fieldResponseCode, ResponseCodeFor(pe))
	return resp
}

func (p *Pipeline) runStage(ctx context.Context, stage Stage, pctx *Context) {
	for _, rh := range p.stages[stage] {
		if err := rh.handler.Handle(ctx, pctx); err != nil {
			pctx.Fail(AsPipelineError(err))
			p.logger.Warn("handler aborted pipeline",
				slog.String("trace_id", pctx.TraceID),
				slog.String("stage", stage.String()),
				slog.String("handler", rh.handler.Name()),
				slog.String("kind", pctx.Err.Kind.String()))
			return
		}
		if !pctx.Continue {
			return
		}
	}
}

// transactionTypePrefix extracts the two-digit processing-code prefix
// used to key per-type deadlines, zero-padding short codes.
func transactionTypePrefix(processingCode string) (string, error) {
	if len(processingCode) < 2 {
		return "", fmt.Errorf("processing code %q too short", processingCode)
	}
	if _, err := strconv.Atoi(processingCode[:2]); err != nil {
		return "", fmt.Errorf("processing code %q not numeric: %w", processingCode, err)
	}
	return processingCode[:2], nil
}
