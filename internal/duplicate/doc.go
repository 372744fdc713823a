// Package duplicate implements the C8 duplicate detector: a bounded,
// wall-clock-expiring set of trace fingerprints used to short-circuit
// the pipeline on a repeated transaction.
package duplicate
