// Package netio implements length-prefixed framing over TCP sockets: the
// transport primitive internal/channel uses for its send/receive sockets
// and internal/terminator uses for inbound acquirer connections.
package netio
