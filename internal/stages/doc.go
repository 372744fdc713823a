// Package stages implements the C9 stage handlers the pipeline (C7)
// runs: a validation rule chain, an account limit check, transaction
// routing, and processing (acquire a Channel via the pool, pass it
// through the resilience gate, send, and attach the response). A
// reversal builder (reversal.go) supplements spec.md's end-to-end
// scenario E5; the processing stage fires it when a send ends in a
// timeout.
package stages
