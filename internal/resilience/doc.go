// Package resilience implements the C6 gate: a per-route circuit breaker
// and rate limiter that a Channel send passes through before it reaches
// the wire (spec §4.6).
package resilience
