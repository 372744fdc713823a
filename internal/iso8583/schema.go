package iso8583

import "fmt"

// unknownFmt mirrors the numeric fallback used by every enum String() method
// in this package.
const unknownFmt = "Unknown(%d)"

// -------------------------------------------------------------------------
// Class — the value shape of a field
// -------------------------------------------------------------------------

// Class identifies the kind of value a field descriptor carries.
type Class uint8

const (
	ClassNumeric Class = iota
	ClassAlphanum
	ClassBinary
	ClassComposite
	ClassBitmap
)

var classNames = [...]string{
	"NUMERIC",
	"ALPHANUM",
	"BINARY",
	"COMPOSITE",
	"BITMAP",
}

func (c Class) String() string {
	if int(c) < len(classNames) {
		return classNames[c]
	}
	return fmt.Sprintf(unknownFmt, uint8(c))
}

// -------------------------------------------------------------------------
// LengthKind — fixed or variable-length prefix width
// -------------------------------------------------------------------------

// LengthKind selects whether a field is fixed-width or carries a variable
// length prefix, and how many digits that prefix has.
type LengthKind uint8

const (
	LengthFixed LengthKind = iota
	LengthLLVAR
	LengthLLLVAR
	LengthLLLLVAR
)

var lengthKindNames = [...]string{
	"FIXED",
	"LLVAR",
	"LLLVAR",
	"LLLLVAR",
}

func (k LengthKind) String() string {
	if int(k) < len(lengthKindNames) {
		return lengthKindNames[k]
	}
	return fmt.Sprintf(unknownFmt, uint8(k))
}

// PrefixDigits returns the number of decimal digits the length prefix
// carries, or 0 for LengthFixed.
func (k LengthKind) PrefixDigits() int {
	switch k {
	case LengthLLVAR:
		return 2
	case LengthLLLVAR:
		return 3
	case LengthLLLLVAR:
		return 4
	default:
		return 0
	}
}

// -------------------------------------------------------------------------
// Encoding — how bytes on the wire map to a value
// -------------------------------------------------------------------------

// Encoding identifies the wire representation of a field's body or its
// length prefix.
type Encoding uint8

const (
	EncodingASCII Encoding = iota
	EncodingBCD
	EncodingEBCDIC
	EncodingHEX
	EncodingBinary
	EncodingPackedDecimal
)

var encodingNames = [...]string{
	"ASCII",
	"BCD",
	"EBCDIC",
	"HEX",
	"BINARY",
	"PACKED_DECIMAL",
}

func (e Encoding) String() string {
	if int(e) < len(encodingNames) {
		return encodingNames[e]
	}
	return fmt.Sprintf(unknownFmt, uint8(e))
}

// -------------------------------------------------------------------------
// PadSide — which side of a fixed-width value padding is applied
// -------------------------------------------------------------------------

// PadSide selects left or right padding for fixed-width fields.
type PadSide uint8

const (
	PadLeft PadSide = iota
	PadRight
)

func (p PadSide) String() string {
	if p == PadLeft {
		return "LEFT"
	}
	return "RIGHT"
}

// -------------------------------------------------------------------------
// FieldDescriptor — one entry of a schema
// -------------------------------------------------------------------------

// FieldDescriptor describes one field of a message schema. Field 0 is
// reserved for the MTI and is never part of Schema.Fields; it is handled
// directly by Encode/Decode.
type FieldDescriptor struct {
	// ID is the stable field identifier, typically the ISO 8583 field
	// number as a string ("2", "127.1") but may be any unique token.
	ID string

	// Name is a human-readable label, used only in diagnostics.
	Name string

	Class      Class
	LengthKind LengthKind

	// MaxLen is the declared maximum length in characters/bytes of the
	// body (not counting the length prefix).
	MaxLen int

	BodyEncoding   Encoding
	PrefixEncoding Encoding

	PadChar byte
	PadSide PadSide

	Required  bool
	Sensitive bool

	// Default is used when the field is absent from the instance at
	// encode time and Required is false.
	Default string

	// Children holds the ordered child descriptors of a COMPOSITE field.
	Children []*FieldDescriptor

	// Controls holds the ordered field IDs a BITMAP field governs. Bit 1
	// is reserved for the secondary-bitmap-present indicator, so
	// Controls[i] corresponds to bit i+2.
	Controls []string
}

// -------------------------------------------------------------------------
// HeaderDescriptor — optional frame-level length prefix
// -------------------------------------------------------------------------

// HeaderDescriptor describes the outer length prefix that precedes the MTI
// on the wire (see spec §6: "Length prefix (N B)").
type HeaderDescriptor struct {
	// PrefixBytes is the byte width of the length prefix (commonly 2).
	PrefixBytes int

	PrefixEncoding Encoding

	// IncludesSelf reports whether the encoded length counts the prefix
	// bytes themselves. The default interbank convention does not.
	IncludesSelf bool
}

// -------------------------------------------------------------------------
// Schema — a named, versioned message schema
// -------------------------------------------------------------------------

// Schema is an ordered sequence of field descriptors plus an optional
// frame header, identified by name and version.
type Schema struct {
	Name    string
	Version string

	Header *HeaderDescriptor

	// MTIEncoding is the wire encoding of the 4-digit MTI.
	MTIEncoding Encoding

	// Fields is the schema's top-level field list in wire order. For a
	// bitmap-controlled message this is just the primary bitmap
	// descriptor(s); the fields it controls live in Defs and are visited
	// in bitmap order, per spec §4.1 step 2.
	Fields []*FieldDescriptor

	// Defs is the flat pool of every field descriptor the schema knows
	// about — the top-level Fields plus every field a bitmap controls —
	// indexed by Compile so Field(id) resolves either.
	Defs []*FieldDescriptor

	byID map[string]*FieldDescriptor
}

// Compile indexes Fields and Defs by ID for O(1) lookup. Callers must call
// Compile once after building a Schema (the registry does this
// automatically).
func (s *Schema) Compile() {
	s.byID = make(map[string]*FieldDescriptor, len(s.Fields)+len(s.Defs))
	for _, f := range s.Fields {
		s.byID[f.ID] = f
		indexChildren(s.byID, f.Children)
	}
	for _, f := range s.Defs {
		s.byID[f.ID] = f
		indexChildren(s.byID, f.Children)
	}
}

func indexChildren(idx map[string]*FieldDescriptor, children []*FieldDescriptor) {
	for _, c := range children {
		idx[c.ID] = c
		indexChildren(idx, c.Children)
	}
}

// Field returns the descriptor for id, or nil if the schema has no such
// field at the top level or nested under a composite.
func (s *Schema) Field(id string) *FieldDescriptor {
	if s.byID == nil {
		s.Compile()
	}
	return s.byID[id]
}

// bitmapFields returns the schema's bitmap descriptors in declared order.
func (s *Schema) bitmapFields() []*FieldDescriptor {
	var out []*FieldDescriptor
	for _, f := range s.Fields {
		if f.Class == ClassBitmap {
			out = append(out, f)
		}
	}
	return out
}
