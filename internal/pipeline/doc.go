// Package pipeline implements the C7 pipeline: an ordered sequence of
// stage handlers run against a mutable Pipeline Context, with a
// transaction-wide deadline and a classified error model that maps onto
// ISO 8583 response codes.
package pipeline
