package stages

import (
	"regexp"
	"unicode"

	"github.com/go-fep/fep/internal/pipeline"
)

// Rule checks one field-level constraint against a decoded message,
// returning a classified PipelineError on failure or nil on success
// (spec §4.9 "Validator... Runs a chain of rules").
type Rule interface {
	Check(req fieldGetter) *pipeline.PipelineError
}

// fieldGetter is the subset of *iso8583.Message a Rule needs, kept
// narrow so rules can be tested without building a full Message.
type fieldGetter interface {
	Get(id string) (string, bool)
}

func validationError(fieldID, subkind, message string) *pipeline.PipelineError {
	pe := pipeline.NewError(pipeline.KindValidation, message)
	pe.Subkind = subkind
	pe.Fields = map[string]string{"field": fieldID}
	return pe
}

// RequiredFieldRule fails if fieldID is absent.
type RequiredFieldRule struct {
	FieldID string
	Subkind string
}

func (r RequiredFieldRule) Check(req fieldGetter) *pipeline.PipelineError {
	if _, ok := req.Get(r.FieldID); !ok {
		return validationError(r.FieldID, r.Subkind, "required field "+r.FieldID+" missing")
	}
	return nil
}

// PatternRule fails if fieldID is present but does not match Pattern.
// Absent fields are left to a RequiredFieldRule to police.
type PatternRule struct {
	FieldID string
	Pattern *regexp.Regexp
	Subkind string
}

func (r PatternRule) Check(req fieldGetter) *pipeline.PipelineError {
	v, ok := req.Get(r.FieldID)
	if !ok {
		return nil
	}
	if !r.Pattern.MatchString(v) {
		return validationError(r.FieldID, r.Subkind, "field "+r.FieldID+" does not match required pattern")
	}
	return nil
}

// LengthRule fails if a present fieldID's length falls outside [Min, Max].
type LengthRule struct {
	FieldID  string
	Min, Max int
	Subkind  string
}

func (r LengthRule) Check(req fieldGetter) *pipeline.PipelineError {
	v, ok := req.Get(r.FieldID)
	if !ok {
		return nil
	}
	if len(v) < r.Min || len(v) > r.Max {
		return validationError(r.FieldID, r.Subkind, "field "+r.FieldID+" length out of range")
	}
	return nil
}

// NumericRangeRule fails if a present fieldID does not parse as an
// unsigned decimal integer within [Min, Max].
type NumericRangeRule struct {
	FieldID  string
	Min, Max int64
	Subkind  string
}

func (r NumericRangeRule) Check(req fieldGetter) *pipeline.PipelineError {
	v, ok := req.Get(r.FieldID)
	if !ok {
		return nil
	}
	var n int64
	for _, c := range v {
		if !unicode.IsDigit(c) {
			return validationError(r.FieldID, r.Subkind, "field "+r.FieldID+" is not numeric")
		}
		n = n*10 + int64(c-'0')
	}
	if n < r.Min || n > r.Max {
		return validationError(r.FieldID, r.Subkind, "field "+r.FieldID+" out of range")
	}
	return nil
}

// LuhnChecksumRule validates a present fieldID (typically F2, the PAN)
// against the Luhn (mod 10) checksum (spec §4.9 "account-checksum").
type LuhnChecksumRule struct {
	FieldID string
	Subkind string
}

func (r LuhnChecksumRule) Check(req fieldGetter) *pipeline.PipelineError {
	v, ok := req.Get(r.FieldID)
	if !ok {
		return nil
	}
	if !luhnValid(v) {
		return validationError(r.FieldID, r.Subkind, "field "+r.FieldID+" fails checksum")
	}
	return nil
}

func luhnValid(digits string) bool {
	if digits == "" {
		return false
	}
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		c := digits[i]
		if c < '0' || c > '9' {
			return false
		}
		d := int(c - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}
