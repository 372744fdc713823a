// Package channel implements the C2 Channel: one logical link to a peer,
// combining a send socket and a receive socket under length-prefixed
// framing (internal/netio), the sign-on/echo/sign-off protocol engine
// (internal/netproto), and trace matching (internal/correlator) into the
// connect/sendAndReceive/sendOneWay/close contract of spec §4.2.
package channel
