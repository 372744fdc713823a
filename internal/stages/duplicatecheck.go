package stages

import (
	"context"

	"github.com/go-fep/fep/internal/duplicate"
	"github.com/go-fep/fep/internal/pipeline"
)

const (
	fieldTerminalID = "41"
	fieldAmount     = "4"
)

// DuplicateCheck is the DUPLICATE_CHECK handler: it fingerprints the
// request (acquirer id, terminal id, STAN, transmission date-time,
// amount) and short-circuits with a DuplicateTransaction error if the
// fingerprint was already seen within the detector's horizon (spec
// §4.8).
type DuplicateCheck struct {
	Detector *duplicate.Detector
}

// NewDuplicateCheck returns a DuplicateCheck backed by det.
func NewDuplicateCheck(det *duplicate.Detector) *DuplicateCheck {
	return &DuplicateCheck{Detector: det}
}

func (d *DuplicateCheck) Name() string { return "duplicate_check" }

func (d *DuplicateCheck) Handle(_ context.Context, pctx *pipeline.Context) error {
	acquirer, _ := pctx.Request.Get(fieldAcquiringInstitution)
	terminal, _ := pctx.Request.Get(fieldTerminalID)
	stan, _ := pctx.Request.Get(fieldSTANField)
	transmission, _ := pctx.Request.Get(fieldTransmissionDateTime)
	amount, _ := pctx.Request.Get(fieldAmount)

	seen := d.Detector.CheckAndRecord(duplicate.Fingerprint{
		AcquirerID:           acquirer,
		TerminalID:           terminal,
		STAN:                 stan,
		TransmissionDateTime: transmission,
		Amount:               amount,
	})
	if seen {
		pctx.DuplicateHit = true
		return pipeline.NewError(pipeline.KindDuplicateTransaction, "duplicate fingerprint")
	}
	return nil
}
