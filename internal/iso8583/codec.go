package iso8583

import (
	"bytes"
	"fmt"
	"sync"
)

// DefaultMaxFrameSize is the default bound on an encoded frame body, MTI
// through the last field byte; the length prefix is not counted (spec
// §4.1 "Edge policies").
const DefaultMaxFrameSize = 65535

// FramePool recycles the bytes.Buffer used to assemble an encoded frame,
// the variable-length analogue of the fixed-size PacketPool pattern: callers
// that encode at high throughput can Get/Put to avoid a buffer allocation
// per transaction.
var FramePool = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

// Encode assembles m into a wire frame per schema (spec §4.1 "Encoding").
// The returned slice is owned by the caller; it is not backed by a pooled
// buffer.
func Encode(m *Message, schema *Schema) ([]byte, error) {
	buf := FramePool.Get().(*bytes.Buffer)
	buf.Reset()
	defer FramePool.Put(buf)

	body := FramePool.Get().(*bytes.Buffer)
	body.Reset()
	defer FramePool.Put(body)

	if err := encodeMTI(body, m.MTI, schema.MTIEncoding); err != nil {
		return nil, err
	}

	for _, f := range schema.Fields {
		if err := encodeTopField(body, f, m, schema); err != nil {
			return nil, err
		}
	}

	if body.Len() > DefaultMaxFrameSize {
		return nil, fmt.Errorf("iso8583: frame is %d bytes: %w", body.Len(), ErrFrameTooLarge)
	}

	if schema.Header != nil {
		if err := encodeHeaderPrefix(buf, schema.Header, body.Len()); err != nil {
			return nil, err
		}
	}
	buf.Write(body.Bytes())

	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out, nil
}

// Decode parses a wire frame per schema (spec §4.1 "Decoding").
func Decode(frame []byte, schema *Schema) (*Message, error) {
	offset := 0
	if schema.Header != nil {
		n, err := validateHeaderPrefix(frame, schema.Header)
		if err != nil {
			return nil, err
		}
		offset = n
	}
	if len(frame)-offset > DefaultMaxFrameSize {
		return nil, fmt.Errorf("iso8583: frame is %d bytes: %w", len(frame)-offset, ErrFrameTooLarge)
	}

	body := frame[offset:]
	mti, n, err := decodeMTI(body, schema.MTIEncoding)
	if err != nil {
		return nil, &ParseError{Offset: offset, Reason: err}
	}
	m := NewMessage(mti)
	pos := n

	for _, f := range schema.Fields {
		consumed, err := decodeTopField(body[pos:], f, m, schema)
		if err != nil {
			if pe, ok := err.(*ParseError); ok {
				pe.Offset += offset + pos
				return nil, pe
			}
			return nil, &ParseError{Offset: offset + pos, FieldID: f.ID, Reason: err}
		}
		pos += consumed
	}

	return m, nil
}

// -------------------------------------------------------------------------
// Header / length prefix
// -------------------------------------------------------------------------

func encodeHeaderPrefix(dst *bytes.Buffer, h *HeaderDescriptor, bodyLen int) error {
	n := bodyLen
	if h.IncludesSelf {
		n += h.PrefixBytes
	}
	prefix := make([]byte, h.PrefixBytes)
	switch h.PrefixEncoding {
	case EncodingBCD:
		digits := fmt.Sprintf("%0*d", h.PrefixBytes*2, n)
		if err := encodeBCD(digits, prefix); err != nil {
			return err
		}
	case EncodingBinary:
		for i := h.PrefixBytes - 1; i >= 0; i-- {
			prefix[i] = byte(n)
			n >>= 8
		}
	default:
		return fmt.Errorf("iso8583: header prefix encoding %s: %w", h.PrefixEncoding, ErrUnknownEncoding)
	}
	dst.Write(prefix)
	return nil
}

// DecodeFramePrefix reads a just-arrived length prefix and returns how many
// further bytes the stream reader must read to have one complete frame
// body. Used by internal/netio, which reads a TCP stream frame-by-frame
// and needs the body length before it owns a whole frame to hand to
// Decode.
func DecodeFramePrefix(prefix []byte, h *HeaderDescriptor) (bodyLen int, err error) {
	if len(prefix) < h.PrefixBytes {
		return 0, ErrBufTooShort
	}
	var declared int
	switch h.PrefixEncoding {
	case EncodingBCD:
		s, err := decodeBCD(prefix[:h.PrefixBytes], h.PrefixBytes*2)
		if err != nil {
			return 0, err
		}
		if _, err := fmt.Sscanf(s, "%d", &declared); err != nil {
			return 0, err
		}
	case EncodingBinary:
		for _, b := range prefix[:h.PrefixBytes] {
			declared = declared<<8 | int(b)
		}
	default:
		return 0, fmt.Errorf("iso8583: header prefix encoding %s: %w", h.PrefixEncoding, ErrUnknownEncoding)
	}
	if h.IncludesSelf {
		declared -= h.PrefixBytes
	}
	if declared < 0 {
		return 0, fmt.Errorf("iso8583: %w", ErrLengthExceedsMax)
	}
	return declared, nil
}

// validateHeaderPrefix reads and checks the frame's length prefix, and
// returns the number of header bytes to skip.
func validateHeaderPrefix(frame []byte, h *HeaderDescriptor) (int, error) {
	if len(frame) < h.PrefixBytes {
		return 0, fmt.Errorf("iso8583: %w", ErrBufTooShort)
	}
	var declared int
	switch h.PrefixEncoding {
	case EncodingBCD:
		s, err := decodeBCD(frame[:h.PrefixBytes], h.PrefixBytes*2)
		if err != nil {
			return 0, err
		}
		fmt.Sscanf(s, "%d", &declared)
	case EncodingBinary:
		for _, b := range frame[:h.PrefixBytes] {
			declared = declared<<8 | int(b)
		}
	default:
		return 0, fmt.Errorf("iso8583: header prefix encoding %s: %w", h.PrefixEncoding, ErrUnknownEncoding)
	}
	rest := len(frame) - h.PrefixBytes
	want := declared
	if h.IncludesSelf {
		want -= h.PrefixBytes
	}
	if want != rest {
		return 0, fmt.Errorf("iso8583: declared length %d, got %d remaining bytes: %w", want, rest, ErrLengthExceedsMax)
	}
	return h.PrefixBytes, nil
}

// -------------------------------------------------------------------------
// MTI
// -------------------------------------------------------------------------

const mtiDigits = 4

func encodeMTI(dst *bytes.Buffer, mti string, enc Encoding) error {
	if len(mti) != mtiDigits {
		return &SchemaViolation{FieldID: "MTI", Reason: fmt.Errorf("MTI must be %d digits, got %q", mtiDigits, mti)}
	}
	if err := requireDigits(mti); err != nil {
		return &SchemaViolation{FieldID: "MTI", Reason: err}
	}
	switch enc {
	case EncodingASCII:
		dst.WriteString(mti)
	case EncodingBCD:
		b := make([]byte, bcdEncodedLen(mtiDigits))
		if err := encodeBCD(mti, b); err != nil {
			return err
		}
		dst.Write(b)
	case EncodingEBCDIC:
		b := make([]byte, mtiDigits)
		encodeEBCDIC(mti, b)
		dst.Write(b)
	default:
		return fmt.Errorf("iso8583: MTI encoding %s: %w", enc, ErrUnknownEncoding)
	}
	return nil
}

func decodeMTI(body []byte, enc Encoding) (string, int, error) {
	switch enc {
	case EncodingASCII:
		if len(body) < mtiDigits {
			return "", 0, ErrBufTooShort
		}
		mti := string(body[:mtiDigits])
		return mti, mtiDigits, requireDigits(mti)
	case EncodingBCD:
		n := bcdEncodedLen(mtiDigits)
		if len(body) < n {
			return "", 0, ErrBufTooShort
		}
		mti, err := decodeBCD(body[:n], mtiDigits)
		return mti, n, err
	case EncodingEBCDIC:
		if len(body) < mtiDigits {
			return "", 0, ErrBufTooShort
		}
		return decodeEBCDIC(body[:mtiDigits]), mtiDigits, nil
	default:
		return "", 0, fmt.Errorf("iso8583: MTI encoding %s: %w", enc, ErrUnknownEncoding)
	}
}

// -------------------------------------------------------------------------
// Top-level fields: bitmaps fan out into their controlled fields
// -------------------------------------------------------------------------

func encodeTopField(dst *bytes.Buffer, f *FieldDescriptor, m *Message, schema *Schema) error {
	if f.Class != ClassBitmap {
		return encodeField(dst, f, m)
	}
	for _, id := range f.Controls {
		if child := schema.Field(id); child != nil && child.Required && child.Default == "" && !m.Has(id) {
			return &SchemaViolation{FieldID: id, Reason: ErrMissingRequired}
		}
	}
	bits := computeBitmap(f, m)
	dst.Write(bits)
	for _, id := range presentControlled(f, bits) {
		child := schema.Field(id)
		if child == nil {
			return &SchemaViolation{FieldID: id, Reason: fmt.Errorf("field present but not declared in schema")}
		}
		if err := encodeField(dst, child, m); err != nil {
			return err
		}
	}
	return nil
}

func decodeTopField(body []byte, f *FieldDescriptor, m *Message, schema *Schema) (int, error) {
	if f.Class != ClassBitmap {
		return decodeField(body, f, m)
	}
	words := 1
	if len(body) < bitmapWidth {
		return 0, ErrBufTooShort
	}
	if hasSecondary(body[:bitmapWidth]) {
		words = 2
	}
	if len(body) < words*bitmapWidth {
		return 0, ErrBufTooShort
	}
	bits := body[:words*bitmapWidth]
	pos := words * bitmapWidth
	for _, id := range presentControlled(f, bits) {
		child := schema.Field(id)
		if child == nil {
			return 0, &ParseError{FieldID: id, Reason: fmt.Errorf("bitmap marks undeclared field present")}
		}
		n, err := decodeField(body[pos:], child, m)
		if err != nil {
			return 0, err
		}
		pos += n
	}
	return pos, nil
}

// -------------------------------------------------------------------------
// Scalar / composite field encode-decode
// -------------------------------------------------------------------------

func encodeField(dst *bytes.Buffer, f *FieldDescriptor, m *Message) error {
	if f.Class == ClassComposite {
		child, ok := m.Composite(f.ID)
		if !ok {
			if f.Required {
				return &SchemaViolation{FieldID: f.ID, Reason: ErrMissingRequired}
			}
			return nil
		}
		body := FramePool.Get().(*bytes.Buffer)
		body.Reset()
		defer FramePool.Put(body)
		for _, c := range f.Children {
			if err := encodeField(body, c, child); err != nil {
				return err
			}
		}
		return writeWithPrefix(dst, f, body.Bytes(), body.Len())
	}

	value, ok := m.Get(f.ID)
	if !ok {
		value = f.Default
		if value == "" && f.Required {
			return &SchemaViolation{FieldID: f.ID, Reason: ErrMissingRequired}
		}
		if value == "" {
			return nil
		}
	}
	if f.LengthKind == LengthFixed {
		if len(value) > f.MaxLen {
			return &SchemaViolation{FieldID: f.ID, Reason: ErrValueTooLong}
		}
		value = pad(value, f.MaxLen, f.PadChar, f.PadSide)
	} else if len(value) > f.MaxLen {
		return &SchemaViolation{FieldID: f.ID, Reason: ErrValueTooLong}
	}

	body, err := encodeBody(value, f.BodyEncoding)
	if err != nil {
		return &SchemaViolation{FieldID: f.ID, Reason: err}
	}
	return writeWithPrefix(dst, f, body, len(value))
}

func decodeField(body []byte, f *FieldDescriptor, m *Message) (int, error) {
	bodyLen, prefixLen, err := readLength(body, f)
	if err != nil {
		return 0, err
	}
	if bodyLen > f.MaxLen {
		return 0, fmt.Errorf("field %s: %w", f.ID, ErrLengthExceedsMax)
	}
	start := prefixLen
	rawLen := declaredByteLen(f, bodyLen)
	if len(body) < start+rawLen {
		return 0, ErrBufTooShort
	}
	raw := body[start : start+rawLen]

	if f.Class == ClassComposite {
		child := NewMessage("")
		pos := 0
		for _, c := range f.Children {
			n, err := decodeField(raw[pos:], c, child)
			if err != nil {
				return 0, fmt.Errorf("field %s: %w", f.ID, err)
			}
			pos += n
		}
		m.SetComposite(f.ID, child)
		return start + rawLen, nil
	}

	value, err := decodeBody(raw, f.BodyEncoding, bodyLen)
	if err != nil {
		return 0, fmt.Errorf("field %s: %w", f.ID, err)
	}
	if f.LengthKind == LengthFixed && f.Class != ClassNumeric {
		value = unpad(value, f.PadChar, f.PadSide)
	}
	if f.Class == ClassNumeric {
		if err := requireDigits(value); err != nil {
			return 0, fmt.Errorf("field %s: %w", f.ID, ErrNonDigit)
		}
	}
	m.Set(f.ID, value)
	return start + rawLen, nil
}

// -------------------------------------------------------------------------
// Length prefix read/write
// -------------------------------------------------------------------------

// writeWithPrefix writes f's length prefix (unless f is LengthFixed)
// followed by body. valueLen is the prefix's length value for scalar
// fields: the original value's character/digit count, not body's encoded
// byte count (BCD/HEX/PACKED_DECIMAL bodies are narrower on the wire than
// the value they represent, and a packed byte count cannot recover an odd
// BCD digit count). Composite fields carry no such original value, so
// their prefix is body's byte length instead.
func writeWithPrefix(dst *bytes.Buffer, f *FieldDescriptor, body []byte, valueLen int) error {
	if f.LengthKind != LengthFixed {
		digits := f.LengthKind.PrefixDigits()
		n := valueLen
		if f.Class == ClassComposite {
			n = len(body)
		}
		prefixDigits := fmt.Sprintf("%0*d", digits, n)
		prefixBytes, err := encodeBody(prefixDigits, f.PrefixEncoding)
		if err != nil {
			return err
		}
		dst.Write(prefixBytes)
	}
	dst.Write(body)
	return nil
}

func readLength(body []byte, f *FieldDescriptor) (bodyLen, prefixLen int, err error) {
	if f.LengthKind == LengthFixed {
		return f.MaxLen, 0, nil
	}
	digits := f.LengthKind.PrefixDigits()
	prefixLen = prefixByteLen(f.PrefixEncoding, digits)
	if len(body) < prefixLen {
		return 0, 0, ErrBufTooShort
	}
	s, err := decodeBody(body[:prefixLen], f.PrefixEncoding, digits)
	if err != nil {
		return 0, 0, err
	}
	var n int
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
		return 0, 0, fmt.Errorf("field %s: invalid length prefix %q", f.ID, s)
	}
	return n, prefixLen, nil
}

func prefixByteLen(enc Encoding, digits int) int {
	switch enc {
	case EncodingBCD:
		return bcdEncodedLen(digits)
	default:
		return digits
	}
}

// declaredByteLen returns how many wire bytes hold a body of bodyLen
// logical characters/digits under f's body encoding.
func declaredByteLen(f *FieldDescriptor, bodyLen int) int {
	switch f.BodyEncoding {
	case EncodingBCD:
		return bcdEncodedLen(bodyLen)
	case EncodingHEX:
		return bodyLen / 2
	case EncodingPackedDecimal:
		return packedDecimalEncodedLen(bodyLen)
	default:
		return bodyLen
	}
}

// -------------------------------------------------------------------------
// Body encode/decode dispatch
// -------------------------------------------------------------------------

func encodeBody(value string, enc Encoding) ([]byte, error) {
	switch enc {
	case EncodingASCII:
		return []byte(value), nil
	case EncodingBCD:
		b := make([]byte, bcdEncodedLen(len(value)))
		if err := encodeBCD(value, b); err != nil {
			return nil, err
		}
		return b, nil
	case EncodingEBCDIC:
		b := make([]byte, len(value))
		encodeEBCDIC(value, b)
		return b, nil
	case EncodingHEX:
		b := make([]byte, len(value)/2)
		if err := encodeHEX(value, b); err != nil {
			return nil, err
		}
		return b, nil
	case EncodingBinary:
		return []byte(value), nil
	case EncodingPackedDecimal:
		b := make([]byte, packedDecimalEncodedLen(len(value)))
		if err := encodePackedDecimal(value, false, b); err != nil {
			return nil, err
		}
		return b, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownEncoding, enc)
	}
}

// decodeBody decodes raw bytes into a logical value of declaredLen
// characters/digits under enc.
func decodeBody(raw []byte, enc Encoding, declaredLen int) (string, error) {
	switch enc {
	case EncodingASCII:
		if len(raw) < declaredLen {
			return "", ErrBufTooShort
		}
		return string(raw[:declaredLen]), nil
	case EncodingBCD:
		return decodeBCD(raw, declaredLen)
	case EncodingEBCDIC:
		if len(raw) < declaredLen {
			return "", ErrBufTooShort
		}
		return decodeEBCDIC(raw[:declaredLen]), nil
	case EncodingHEX:
		return decodeHEX(raw), nil
	case EncodingBinary:
		if len(raw) < declaredLen {
			return "", ErrBufTooShort
		}
		return string(raw[:declaredLen]), nil
	case EncodingPackedDecimal:
		v, _, err := decodePackedDecimal(raw)
		return v, err
	default:
		return "", fmt.Errorf("%w: %s", ErrUnknownEncoding, enc)
	}
}

// -------------------------------------------------------------------------
// Padding
// -------------------------------------------------------------------------

func pad(s string, width int, padChar byte, side PadSide) string {
	if len(s) >= width {
		return s
	}
	padding := bytes.Repeat([]byte{padChar}, width-len(s))
	if side == PadLeft {
		return string(padding) + s
	}
	return s + string(padding)
}

func unpad(s string, padChar byte, side PadSide) string {
	if padChar == 0 {
		return s
	}
	if side == PadLeft {
		return string(bytes.TrimLeft([]byte(s), string(padChar)))
	}
	return string(bytes.TrimRight([]byte(s), string(padChar)))
}
