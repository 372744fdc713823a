package pipeline

import "fmt"

// unknownFmt mirrors the numeric fallback used by every enum String()
// method across this module.
const unknownFmt = "Unknown(%d)"

// Stage names a point in the pipeline where handlers run. Stages run in
// ascending enum order; within a stage, handlers run in ascending order
// of the value passed to Register, ties keeping registration order
// (spec §4.7).
type Stage uint8

const (
	StageDuplicateCheck Stage = iota
	StageValidation
	StageLimitCheck
	StageRouting
	StageProcessing
	StageAudit
)

// Stages lists every stage in run order. AUDIT is last and always runs,
// even when an earlier stage short-circuits.
var Stages = []Stage{StageDuplicateCheck, StageValidation, StageLimitCheck, StageRouting, StageProcessing, StageAudit}

var stageNames = [...]string{"DUPLICATE_CHECK", "VALIDATION", "LIMIT_CHECK", "ROUTING", "PROCESSING", "AUDIT"}

func (s Stage) String() string {
	if int(s) < len(stageNames) {
		return stageNames[s]
	}
	return fmt.Sprintf(unknownFmt, uint8(s))
}
