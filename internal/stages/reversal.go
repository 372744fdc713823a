package stages

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/go-fep/fep/internal/iso8583"
	"github.com/go-fep/fep/internal/pool"
)

const (
	fieldOriginalDataElements = "90"
	mtiReversalRequest        = "0400"
)

// BuildReversal constructs a 0400 reversal for a timed-out original
// transaction (spec's end-to-end scenario E5: "pipeline emits 0400 with
// F90 = original-data-elements"). F90 packs the original MTI, STAN,
// transmission date-time, and acquiring institution id, each
// fixed-width and space-padded, mirroring the field's real ISO 8583
// layout rather than the spec's illustrative pipe-delimited rendering.
func BuildReversal(original *iso8583.Message) *iso8583.Message {
	stan, _ := original.Get(fieldSTANField)
	transmission, _ := original.Get(fieldTransmissionDateTime)
	acquirer, _ := original.Get(fieldAcquiringInstitution)

	reversal := iso8583.NewMessage(mtiReversalRequest)
	reversal.Set(fieldOriginalDataElements, fmt.Sprintf("%-4s%-6s%-10s%-11s", original.MTI, stan, transmission, acquirer))

	for _, id := range []string{"3", "4", "11", "32", "37", "41", "49"} {
		if v, ok := original.Get(id); ok {
			reversal.Set(id, v)
		}
	}
	return reversal
}

const (
	fieldSTANField            = "11"
	fieldTransmissionDateTime = "7"
	fieldAcquiringInstitution = "32"
)

// Reverser resubmits a timed-out transaction as a reversal, fired from
// the processing stage's own timeout detection (standing in for a
// correlator-level expiry sweep: both observe the same E4 condition,
// a request that never received a response within its deadline).
type Reverser struct {
	Router *pool.Router
	Logger *slog.Logger
}

// NewReverser returns a Reverser drawing Channels from router.
func NewReverser(router *pool.Router, logger *slog.Logger) *Reverser {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reverser{Router: router, Logger: logger.With(slog.String("component", "reversal"))}
}

// Reverse builds and sends a reversal for original over route. It is
// meant to run detached from the original pipeline's (already-expired)
// deadline, under its own context.
func (r *Reverser) Reverse(ctx context.Context, route string, original *iso8583.Message) {
	ch, err := r.Router.Acquire(route)
	if err != nil {
		r.Logger.Warn("reversal could not acquire a channel", slog.String("route", route), slog.String("error", err.Error()))
		return
	}

	reversal := BuildReversal(original)
	resp, err := ch.SendAndReceive(ctx, reversal)
	if err != nil {
		r.Logger.Warn("reversal send failed", slog.String("route", route), slog.String("error", err.Error()))
		return
	}

	rc, _ := resp.Get("39")
	r.Logger.Info("reversal completed", slog.String("route", route), slog.String("response_code", rc))
}
