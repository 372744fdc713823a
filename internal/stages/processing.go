package stages

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-fep/fep/internal/channel"
	"github.com/go-fep/fep/internal/correlator"
	"github.com/go-fep/fep/internal/hsm"
	"github.com/go-fep/fep/internal/pipeline"
	"github.com/go-fep/fep/internal/pool"
	"github.com/go-fep/fep/internal/resilience"
)

const fieldPINBlock = "52"

// Processor is the PROCESSING handler: acquires a Channel via the pool
// router (C5), consults the resilience gate for the route (C6),
// re-encrypts any PIN block to the switch's working key via the HSM
// collaborator, resubmits the request, and attaches the decoded
// response to the Context (spec §4.9 "Processing").
type Processor struct {
	Router   *pool.Router
	Gates    *resilience.Registry
	Reverser *Reverser
	HSM      hsm.Service

	// AccountField names the field PIN translation keys the HSM call by
	// (typically F102). Ignored when HSM is nil or F52 is absent.
	AccountField string
}

// NewProcessor returns a Processor drawing Channels from router and
// gating each route through gates. reverser may be nil to disable the
// automatic reversal-on-timeout flow. hsmSvc may be nil to skip PIN
// translation entirely.
func NewProcessor(router *pool.Router, gates *resilience.Registry, reverser *Reverser, hsmSvc hsm.Service, accountField string) *Processor {
	return &Processor{Router: router, Gates: gates, Reverser: reverser, HSM: hsmSvc, AccountField: accountField}
}

func (p *Processor) Name() string { return "processing" }

func (p *Processor) Handle(ctx context.Context, pctx *pipeline.Context) error {
	if pctx.Route == "" {
		return pipeline.NewError(pipeline.KindRoutingFailure, "processing ran with no route set")
	}

	var gate *resilience.Gate
	if p.Gates != nil {
		gate, _ = p.Gates.Gate(pctx.Route)
	}
	if gate != nil {
		if err := gate.Allow(); err != nil {
			return classifyGateError(err)
		}
	}

	ch, err := p.Router.Acquire(pctx.Route)
	if err != nil {
		if gate != nil {
			gate.RecordOutcome(false, 0)
		}
		return classifyAcquireError(err)
	}

	req := pctx.Request.Clone()
	if pctx.DestinationMTI != "" {
		req.MTI = pctx.DestinationMTI
	}

	if p.HSM != nil {
		if pinBlock, ok := req.Get(fieldPINBlock); ok {
			accountID, _ := req.Get(p.AccountField)
			translated, err := p.HSM.TranslatePIN(ctx, pinBlock, accountID)
			if err != nil {
				if gate != nil {
					gate.RecordOutcome(false, 0)
				}
				return pipeline.Wrap(pipeline.KindSystemError, fmt.Errorf("PIN translation: %w", err))
			}
			req.Set(fieldPINBlock, translated)
		}
	}

	started := time.Now()
	resp, err := ch.SendAndReceive(ctx, req)
	elapsed := time.Since(started)
	if gate != nil {
		gate.RecordOutcome(err == nil, elapsed)
	}
	if err != nil {
		pe := classifySendError(err)
		if pe.Kind == pipeline.KindTimeout && p.Reverser != nil {
			go p.Reverser.Reverse(context.WithoutCancel(ctx), pctx.Route, req)
		}
		return pe
	}

	pctx.Response = resp
	return nil
}

func classifyGateError(err error) *pipeline.PipelineError {
	switch {
	case errors.Is(err, resilience.ErrCircuitOpen):
		return pipeline.Wrap(pipeline.KindCircuitOpen, err)
	case errors.Is(err, resilience.ErrRateLimited):
		return pipeline.Wrap(pipeline.KindRateLimited, err)
	default:
		return pipeline.Wrap(pipeline.KindSystemError, err)
	}
}

func classifyAcquireError(err error) *pipeline.PipelineError {
	switch {
	case errors.Is(err, pool.ErrPoolExhausted):
		return pipeline.Wrap(pipeline.KindChannelUnavailable, err)
	case errors.Is(err, pool.ErrRouteNotFound):
		return pipeline.Wrap(pipeline.KindRoutingFailure, err)
	default:
		return pipeline.Wrap(pipeline.KindSystemError, err)
	}
}

func classifySendError(err error) *pipeline.PipelineError {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, correlator.ErrTimeout):
		return pipeline.Wrap(pipeline.KindTimeout, err)
	case errors.Is(err, correlator.ErrChannelClosed), errors.Is(err, channel.ErrClosed):
		return pipeline.Wrap(pipeline.KindChannelClosed, err)
	case errors.Is(err, channel.ErrUserTrafficNotAllowed), errors.Is(err, channel.ErrNotConnected):
		return pipeline.Wrap(pipeline.KindChannelUnavailable, err)
	default:
		return pipeline.Wrap(pipeline.KindSystemError, fmt.Errorf("processing send: %w", err))
	}
}
