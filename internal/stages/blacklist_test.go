package stages_test

import (
	"context"
	"testing"

	"github.com/go-fep/fep/internal/iso8583"
	"github.com/go-fep/fep/internal/pipeline"
	"github.com/go-fep/fep/internal/repository"
	"github.com/go-fep/fep/internal/stages"
)

func TestBlacklistCheckRejectsBlacklistedField(t *testing.T) {
	store := repository.NewMemoryStore("4111111111111111")
	check := &stages.BlacklistCheck{Store: store, FieldID: "2"}

	req := iso8583.NewMessage("0200")
	req.Set("2", "4111111111111111")
	pctx := pipeline.NewContext(req)

	err := check.Handle(context.Background(), pctx)
	pe, ok := err.(*pipeline.PipelineError)
	if !ok || pe.Kind != pipeline.KindBlacklisted {
		t.Fatalf("Handle() = %v, want a KindBlacklisted PipelineError", err)
	}
	if pipeline.ResponseCodeFor(pe) != "57" {
		t.Fatalf("ResponseCodeFor() = %q, want 57", pipeline.ResponseCodeFor(pe))
	}
}

func TestBlacklistCheckAllowsUnlistedField(t *testing.T) {
	store := repository.NewMemoryStore()
	check := &stages.BlacklistCheck{Store: store, FieldID: "2"}

	req := iso8583.NewMessage("0200")
	req.Set("2", "4111111111111111")
	pctx := pipeline.NewContext(req)

	if err := check.Handle(context.Background(), pctx); err != nil {
		t.Fatalf("Handle() = %v, want nil", err)
	}
}
