package stages_test

import (
	"context"
	"regexp"
	"testing"

	"github.com/go-fep/fep/internal/iso8583"
	"github.com/go-fep/fep/internal/pipeline"
	"github.com/go-fep/fep/internal/stages"
)

func TestValidatorPassesWellFormedRequest(t *testing.T) {
	req := iso8583.NewMessage("0200")
	req.Set("2", "4111111111111111")
	req.Set("4", "000000010000")

	v := stages.NewValidator(
		stages.RequiredFieldRule{FieldID: "2"},
		stages.LuhnChecksumRule{FieldID: "2"},
		stages.NumericRangeRule{FieldID: "4", Min: 1, Max: 999999999999},
	)
	pctx := pipeline.NewContext(req)
	if err := v.Handle(context.Background(), pctx); err != nil {
		t.Fatalf("Handle() = %v, want nil", err)
	}
}

func TestValidatorRejectsMissingRequiredField(t *testing.T) {
	req := iso8583.NewMessage("0200")
	v := stages.NewValidator(stages.RequiredFieldRule{FieldID: "2"})
	pctx := pipeline.NewContext(req)

	err := v.Handle(context.Background(), pctx)
	pe, ok := err.(*pipeline.PipelineError)
	if !ok || pe.Kind != pipeline.KindValidation {
		t.Fatalf("Handle() = %v, want a KindValidation PipelineError", err)
	}
}

func TestValidatorRejectsBadChecksumWithCardSubkind(t *testing.T) {
	req := iso8583.NewMessage("0200")
	req.Set("2", "4111111111111112") // fails Luhn

	v := stages.NewValidator(stages.LuhnChecksumRule{FieldID: "2", Subkind: "card"})
	pctx := pipeline.NewContext(req)

	err := v.Handle(context.Background(), pctx)
	pe, ok := err.(*pipeline.PipelineError)
	if !ok || pe.Kind != pipeline.KindValidation || pe.Subkind != "card" {
		t.Fatalf("Handle() = %v, want KindValidation/card", err)
	}
	if pipeline.ResponseCodeFor(pe) != "14" {
		t.Fatalf("ResponseCodeFor() = %q, want 14", pipeline.ResponseCodeFor(pe))
	}
}

func TestValidatorStopsAtFirstFailingRule(t *testing.T) {
	req := iso8583.NewMessage("0200")
	v := stages.NewValidator(
		stages.RequiredFieldRule{FieldID: "2"},
		stages.PatternRule{FieldID: "2", Pattern: regexp.MustCompile(`^\d+$`)},
	)
	pctx := pipeline.NewContext(req)
	if err := v.Handle(context.Background(), pctx); err == nil {
		t.Fatal("Handle() = nil, want an error for the missing field 2")
	}
}

func TestPatternRuleRejectsNonMatchingValue(t *testing.T) {
	req := iso8583.NewMessage("0200")
	req.Set("41", "bad-term!")

	v := stages.NewValidator(stages.PatternRule{FieldID: "41", Pattern: regexp.MustCompile(`^[A-Z0-9]+$`)})
	pctx := pipeline.NewContext(req)
	if err := v.Handle(context.Background(), pctx); err == nil {
		t.Fatal("Handle() = nil, want a pattern-mismatch error")
	}
}

func TestLengthRuleRejectsOutOfRangeValue(t *testing.T) {
	req := iso8583.NewMessage("0200")
	req.Set("41", "TOOLONGTERMINALID")

	v := stages.NewValidator(stages.LengthRule{FieldID: "41", Min: 1, Max: 8})
	pctx := pipeline.NewContext(req)
	if err := v.Handle(context.Background(), pctx); err == nil {
		t.Fatal("Handle() = nil, want a length error")
	}
}

func TestNumericRangeRuleRejectsNonDigits(t *testing.T) {
	req := iso8583.NewMessage("0200")
	req.Set("4", "abc")

	v := stages.NewValidator(stages.NumericRangeRule{FieldID: "4", Min: 0, Max: 1000})
	pctx := pipeline.NewContext(req)
	if err := v.Handle(context.Background(), pctx); err == nil {
		t.Fatal("Handle() = nil, want a non-numeric error")
	}
}
