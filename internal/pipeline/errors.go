package pipeline

import "fmt"

// ErrorKind classifies a pipeline failure (spec §7 "Kinds").
type ErrorKind uint8

const (
	KindParseError ErrorKind = iota
	KindSchemaViolation
	KindValidation
	KindLimitExceeded
	KindDuplicateTransaction
	KindBlacklisted
	KindRoutingFailure
	KindChannelUnavailable
	KindChannelClosed
	KindCircuitOpen
	KindRateLimited
	KindTimeout
	KindSystemError
)

var errorKindNames = [...]string{
	"ParseError", "SchemaViolation", "Validation", "LimitExceeded",
	"DuplicateTransaction", "Blacklisted", "RoutingFailure", "ChannelUnavailable",
	"ChannelClosed", "CircuitOpen", "RateLimited", "Timeout", "SystemError",
}

func (k ErrorKind) String() string {
	if int(k) < len(errorKindNames) {
		return errorKindNames[k]
	}
	return fmt.Sprintf(unknownFmt, uint8(k))
}

// PipelineError is what a handler throws to abort the pipeline (spec
// §4.7: "throw a PipelineError classified below"). Subkind refines a
// Kind where the response-code mapping depends on it (e.g. Validation's
// amount vs. card failures, LimitExceeded's single-limit vs. frequency).
type PipelineError struct {
	Kind    ErrorKind
	Subkind string
	Message string
	Fields  map[string]string
	Cause   error
}

func (e *PipelineError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("pipeline: %s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("pipeline: %s", e.Kind)
}

func (e *PipelineError) Unwrap() error { return e.Cause }

// NewError returns a PipelineError of the given kind.
func NewError(kind ErrorKind, message string) *PipelineError {
	return &PipelineError{Kind: kind, Message: message}
}

// Wrap returns a PipelineError of the given kind wrapping cause.
func Wrap(kind ErrorKind, cause error) *PipelineError {
	return &PipelineError{Kind: kind, Message: cause.Error(), Cause: cause}
}

// AsPipelineError returns err as a *PipelineError, classifying any other
// error as SystemError (spec §7: codec/channel-level errors not raised
// as a PipelineError are caught by the runner and converted).
func AsPipelineError(err error) *PipelineError {
	if pe, ok := err.(*PipelineError); ok {
		return pe
	}
	return Wrap(KindSystemError, err)
}

// ResponseCodeFor maps a PipelineError to the ISO 8583 response code it
// produces (spec §7 "Mapping to response codes").
func ResponseCodeFor(pe *PipelineError) string {
	switch pe.Kind {
	case KindParseError, KindSchemaViolation:
		return "30"
	case KindValidation:
		switch pe.Subkind {
		case "amount":
			return "13"
		case "card":
			return "14"
		default:
			return "30"
		}
	case KindLimitExceeded:
		if pe.Subkind == "frequency" {
			return "65"
		}
		return "61"
	case KindDuplicateTransaction:
		return "94"
	case KindBlacklisted:
		return "57"
	case KindRoutingFailure, KindChannelUnavailable, KindChannelClosed, KindCircuitOpen, KindRateLimited:
		return "91"
	case KindTimeout:
		return "98"
	case KindSystemError:
		return "96"
	default:
		return "96"
	}
}
