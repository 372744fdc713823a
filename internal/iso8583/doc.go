// Package iso8583 implements a schema-driven ISO 8583 codec.
//
// A Schema declares, in order, the fields a message type carries: class,
// length kind, wire encoding, padding and whether the field is sensitive.
// Encode and Decode are the only two entry points a caller needs; everything
// else in the package exists to support them.
package iso8583
