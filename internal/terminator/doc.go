// Package terminator implements the C10 server terminator: it accepts
// inbound TCP connections from acquirer endpoints, decodes each frame with
// the same length-prefixed framing and schema-driven codec the Channel
// uses on the outbound side (internal/netio, internal/iso8583), and hands
// the decoded message to a pipeline.Pipeline. Once the pipeline finishes,
// the response is encoded and written back on the same connection, keyed
// implicitly by STAN since each inbound request is handled on its own
// goroutine and FrameWriter serialises the shared socket.
package terminator
