package stages_test

import (
	"context"
	"testing"

	"github.com/go-fep/fep/internal/duplicate"
	"github.com/go-fep/fep/internal/iso8583"
	"github.com/go-fep/fep/internal/pipeline"
	"github.com/go-fep/fep/internal/stages"
)

func newFingerprintRequest() *iso8583.Message {
	req := iso8583.NewMessage("0200")
	req.Set("32", "00001")
	req.Set("41", "TERM0001")
	req.Set("11", "000123")
	req.Set("7", "0731120000")
	req.Set("4", "000000015000")
	return req
}

func TestDuplicateCheckAdmitsFirstSeen(t *testing.T) {
	t.Parallel()

	d := stages.NewDuplicateCheck(duplicate.New())
	pctx := pipeline.NewContext(newFingerprintRequest())

	if err := d.Handle(context.Background(), pctx); err != nil {
		t.Fatalf("Handle() = %v, want nil", err)
	}
	if pctx.DuplicateHit {
		t.Error("DuplicateHit = true on first sighting, want false")
	}
}

func TestDuplicateCheckRejectsRepeat(t *testing.T) {
	t.Parallel()

	det := duplicate.New()
	d := stages.NewDuplicateCheck(det)

	first := pipeline.NewContext(newFingerprintRequest())
	if err := d.Handle(context.Background(), first); err != nil {
		t.Fatalf("first Handle() = %v, want nil", err)
	}

	second := pipeline.NewContext(newFingerprintRequest())
	err := d.Handle(context.Background(), second)
	if err == nil {
		t.Fatal("second Handle() = nil, want duplicate error")
	}

	pe, ok := err.(*pipeline.PipelineError)
	if !ok {
		t.Fatalf("error is not a *pipeline.PipelineError: %v", err)
	}
	if pe.Kind != pipeline.KindDuplicateTransaction {
		t.Errorf("Kind = %v, want %v", pe.Kind, pipeline.KindDuplicateTransaction)
	}
	if !second.DuplicateHit {
		t.Error("DuplicateHit = false on repeat, want true")
	}
}

func TestDuplicateCheckDistinguishesByFingerprint(t *testing.T) {
	t.Parallel()

	det := duplicate.New()
	d := stages.NewDuplicateCheck(det)

	first := pipeline.NewContext(newFingerprintRequest())
	if err := d.Handle(context.Background(), first); err != nil {
		t.Fatalf("first Handle() = %v, want nil", err)
	}

	other := newFingerprintRequest()
	other.Set("11", "000999")
	second := pipeline.NewContext(other)
	if err := d.Handle(context.Background(), second); err != nil {
		t.Fatalf("Handle() with a different STAN = %v, want nil", err)
	}
}
