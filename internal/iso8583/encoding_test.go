package iso8583_test

// Encoding-level behavior is exercised indirectly through codec_test.go's
// round trips; this file covers encoding edge cases (BCD odd-length
// padding in fixed and LLVAR fields, HEX bodies) that codec_test.go's
// ASCII-only schema would not otherwise surface.

import (
	"testing"

	"github.com/go-fep/fep/internal/iso8583"
)

func TestBCDOddLengthFieldRoundTrips(t *testing.T) {
	t.Parallel()
	schema := &iso8583.Schema{
		Name:        "bcd",
		Version:     "1",
		MTIEncoding: iso8583.EncodingASCII,
		Fields: []*iso8583.FieldDescriptor{
			{ID: "bitmap", Class: iso8583.ClassBitmap, Controls: []string{"11"}},
		},
		Defs: []*iso8583.FieldDescriptor{
			{ID: "11", Class: iso8583.ClassNumeric, LengthKind: iso8583.LengthFixed, MaxLen: 5, BodyEncoding: iso8583.EncodingBCD, PadChar: '0'},
		},
	}
	schema.Compile()

	m := iso8583.NewMessage("0800")
	m.Set("11", "00042")

	frame, err := iso8583.Encode(m, schema)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	decoded, err := iso8583.Decode(frame, schema)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	got, _ := decoded.Get("11")
	if got != "00042" {
		t.Fatalf("field 11 = %q, want 00042", got)
	}
}

func TestBCDOddLengthVariableFieldRoundTrips(t *testing.T) {
	t.Parallel()
	schema := &iso8583.Schema{
		Name:        "bcd-llvar",
		Version:     "1",
		MTIEncoding: iso8583.EncodingASCII,
		Fields: []*iso8583.FieldDescriptor{
			{ID: "bitmap", Class: iso8583.ClassBitmap, Controls: []string{"11"}},
		},
		Defs: []*iso8583.FieldDescriptor{
			{ID: "11", Class: iso8583.ClassNumeric, LengthKind: iso8583.LengthLLVAR, MaxLen: 19, BodyEncoding: iso8583.EncodingBCD, PrefixEncoding: iso8583.EncodingASCII},
		},
	}
	schema.Compile()

	m := iso8583.NewMessage("0800")
	m.Set("11", "123")

	frame, err := iso8583.Encode(m, schema)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	decoded, err := iso8583.Decode(frame, schema)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	got, _ := decoded.Get("11")
	if got != "123" {
		t.Fatalf("field 11 = %q, want 123 (odd-digit BCD prefix must carry the original digit count, not the packed byte count)", got)
	}
}

func TestHexFieldRoundTrips(t *testing.T) {
	t.Parallel()
	schema := &iso8583.Schema{
		Name:        "hex",
		Version:     "1",
		MTIEncoding: iso8583.EncodingASCII,
		Fields: []*iso8583.FieldDescriptor{
			{ID: "bitmap", Class: iso8583.ClassBitmap, Controls: []string{"64"}},
		},
		Defs: []*iso8583.FieldDescriptor{
			{ID: "64", Class: iso8583.ClassBinary, LengthKind: iso8583.LengthFixed, MaxLen: 16, BodyEncoding: iso8583.EncodingHEX},
		},
	}
	schema.Compile()

	m := iso8583.NewMessage("0200")
	m.Set("64", "DEADBEEFCAFEF00D")

	frame, err := iso8583.Encode(m, schema)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	decoded, err := iso8583.Decode(frame, schema)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	got, _ := decoded.Get("64")
	if got != "DEADBEEFCAFEF00D" {
		t.Fatalf("field 64 = %q, want DEADBEEFCAFEF00D", got)
	}
}
