package stages

import (
	"context"

	"github.com/go-fep/fep/internal/pipeline"
)

// Validator runs a fixed chain of Rules against the decoded request in
// order, failing on the first rule that rejects it (spec §4.9
// "Validator").
type Validator struct {
	rules []Rule
}

// NewValidator returns a Validator checking rules in order.
func NewValidator(rules ...Rule) *Validator {
	return &Validator{rules: rules}
}

func (v *Validator) Name() string { return "validator" }

func (v *Validator) Handle(_ context.Context, pctx *pipeline.Context) error {
	for _, rule := range v.rules {
		if pe := rule.Check(pctx.Request); pe != nil {
			return pe
		}
	}
	return nil
}
