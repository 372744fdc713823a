package netio

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/go-fep/fep/internal/iso8583"
)

// Sentinel errors for framing failures.
var (
	// ErrFrameTooLarge indicates a declared body length exceeded the
	// configured maximum before any body bytes were read — guards against
	// a corrupt or hostile peer forcing an unbounded read.
	ErrFrameTooLarge = errors.New("netio: frame exceeds configured maximum size")

	// ErrConnClosed is returned by FrameReader/FrameWriter once the
	// underlying connection has been closed by Close.
	ErrConnClosed = errors.New("netio: connection closed")
)

// FrameReader reads length-prefixed ISO 8583 frames from a stream
// connection (spec §4.2: "length-prefixed framing: a 2-byte prefix...
// denoting body length").
type FrameReader struct {
	br     *bufio.Reader
	header *iso8583.HeaderDescriptor
	maxLen int
}

// NewFrameReader wraps conn for frame-at-a-time reads under header's prefix
// convention. maxLen bounds the declared body length (spec §4.1 "Edge
// policies"); pass iso8583.DefaultMaxFrameSize when the schema does not
// override it.
func NewFrameReader(conn net.Conn, header *iso8583.HeaderDescriptor, maxLen int) *FrameReader {
	return &FrameReader{br: bufio.NewReader(conn), header: header, maxLen: maxLen}
}

// ReadFrame blocks until one complete frame (prefix + body) has arrived,
// and returns it verbatim for iso8583.Decode.
func (r *FrameReader) ReadFrame() ([]byte, error) {
	prefix := make([]byte, r.header.PrefixBytes)
	if _, err := io.ReadFull(r.br, prefix); err != nil {
		return nil, wrapReadErr(err)
	}
	bodyLen, err := iso8583.DecodeFramePrefix(prefix, r.header)
	if err != nil {
		return nil, fmt.Errorf("netio: decode frame prefix: %w", err)
	}
	if bodyLen > r.maxLen {
		return nil, fmt.Errorf("netio: declared body %d bytes: %w", bodyLen, ErrFrameTooLarge)
	}
	frame := make([]byte, len(prefix)+bodyLen)
	copy(frame, prefix)
	if _, err := io.ReadFull(r.br, frame[len(prefix):]); err != nil {
		return nil, wrapReadErr(err)
	}
	return frame, nil
}

func wrapReadErr(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("netio: %w: %w", ErrConnClosed, err)
	}
	return fmt.Errorf("netio: read frame: %w", err)
}

// FrameWriter serialises writes onto one socket — spec §5: "The Channel's
// write path is serialised (single writer per socket); this is the only
// locked hot path."
type FrameWriter struct {
	mu   sync.Mutex
	conn net.Conn
}

// NewFrameWriter wraps conn for serialized frame writes.
func NewFrameWriter(conn net.Conn) *FrameWriter {
	return &FrameWriter{conn: conn}
}

// WriteFrame writes a complete, already-encoded frame (as produced by
// iso8583.Encode) in one locked section. A zero deadline leaves the
// connection's write deadline untouched.
func (w *FrameWriter) WriteFrame(frame []byte, deadline time.Time) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !deadline.IsZero() {
		if err := w.conn.SetWriteDeadline(deadline); err != nil {
			return fmt.Errorf("netio: set write deadline: %w", err)
		}
	}
	if _, err := w.conn.Write(frame); err != nil {
		return fmt.Errorf("netio: write frame: %w", err)
	}
	return nil
}
