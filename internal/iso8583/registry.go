package iso8583

import (
	"fmt"
	"sync"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Registry holds named, versioned Schemas, loaded at runtime instead of
// hard-coded per-field-number Go code (spec §9 "Schema plurality").
type Registry struct {
	mu      sync.RWMutex
	schemas map[registryKey]*Schema
}

type registryKey struct {
	name    string
	version string
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{schemas: make(map[registryKey]*Schema)}
}

// Register adds or replaces a schema under (schema.Name, schema.Version),
// compiling it for lookup.
func (r *Registry) Register(schema *Schema) {
	schema.Compile()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemas[registryKey{schema.Name, schema.Version}] = schema
}

// Lookup returns the schema registered under name/version.
func (r *Registry) Lookup(name, version string) (*Schema, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.schemas[registryKey{name, version}]
	if !ok {
		return nil, fmt.Errorf("iso8583: %s/%s: %w", name, version, ErrSchemaNotFound)
	}
	return s, nil
}

// schemaFile is the on-disk shape a schema YAML document takes; it mirrors
// FieldDescriptor/HeaderDescriptor but with string-valued enums for
// human-editable configuration.
type schemaFile struct {
	Name        string            `koanf:"name"`
	Version     string            `koanf:"version"`
	MTIEncoding string            `koanf:"mti_encoding"`
	Header      *headerFile       `koanf:"header"`
	Bitmap      fieldFile         `koanf:"bitmap"`
	Fields      map[string]fieldFile `koanf:"fields"`
}

type headerFile struct {
	PrefixBytes    int    `koanf:"prefix_bytes"`
	PrefixEncoding string `koanf:"prefix_encoding"`
	IncludesSelf   bool   `koanf:"includes_self"`
}

type fieldFile struct {
	ID             string               `koanf:"id"`
	Name           string               `koanf:"name"`
	Class          string               `koanf:"class"`
	LengthKind     string               `koanf:"length_kind"`
	MaxLen         int                  `koanf:"max_len"`
	BodyEncoding   string               `koanf:"body_encoding"`
	PrefixEncoding string               `koanf:"prefix_encoding"`
	PadChar        string               `koanf:"pad_char"`
	PadSide        string               `koanf:"pad_side"`
	Required       bool                 `koanf:"required"`
	Sensitive      bool                 `koanf:"sensitive"`
	Default        string               `koanf:"default"`
	Controls       []string             `koanf:"controls"`
	Children       map[string]fieldFile `koanf:"children"`
}

// LoadSchemaFile parses a schema document from path using koanf's file
// provider and yaml parser (the same pair internal/config uses for the
// daemon's own configuration) and registers the result.
func (r *Registry) LoadSchemaFile(path string) (*Schema, error) {
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("iso8583: load schema file %s: %w", path, err)
	}
	var doc schemaFile
	if err := k.Unmarshal("", &doc); err != nil {
		return nil, fmt.Errorf("iso8583: parse schema file %s: %w", path, err)
	}
	schema, err := buildSchema(&doc)
	if err != nil {
		return nil, fmt.Errorf("iso8583: build schema from %s: %w", path, err)
	}
	r.Register(schema)
	return schema, nil
}

func buildSchema(doc *schemaFile) (*Schema, error) {
	mtiEnc, err := parseEncoding(doc.MTIEncoding)
	if err != nil {
		return nil, err
	}
	schema := &Schema{
		Name:        doc.Name,
		Version:     doc.Version,
		MTIEncoding: mtiEnc,
	}
	if doc.Header != nil {
		hEnc, err := parseEncoding(doc.Header.PrefixEncoding)
		if err != nil {
			return nil, err
		}
		schema.Header = &HeaderDescriptor{
			PrefixBytes:    doc.Header.PrefixBytes,
			PrefixEncoding: hEnc,
			IncludesSelf:   doc.Header.IncludesSelf,
		}
	}

	bitmap, err := buildField(&doc.Bitmap)
	if err != nil {
		return nil, err
	}
	bitmap.Class = ClassBitmap
	schema.Fields = []*FieldDescriptor{bitmap}

	for id, ff := range doc.Fields {
		ff.ID = id
		def, err := buildField(&ff)
		if err != nil {
			return nil, err
		}
		schema.Defs = append(schema.Defs, def)
	}
	return schema, nil
}

func buildField(ff *fieldFile) (*FieldDescriptor, error) {
	class, err := parseClass(ff.Class)
	if err != nil {
		return nil, err
	}
	lengthKind, err := parseLengthKind(ff.LengthKind)
	if err != nil {
		return nil, err
	}
	bodyEnc, err := parseEncoding(ff.BodyEncoding)
	if err != nil {
		return nil, err
	}
	prefixEnc := bodyEnc
	if ff.PrefixEncoding != "" {
		prefixEnc, err = parseEncoding(ff.PrefixEncoding)
		if err != nil {
			return nil, err
		}
	}
	padSide, err := parsePadSide(ff.PadSide)
	if err != nil {
		return nil, err
	}
	var padChar byte
	if len(ff.PadChar) > 0 {
		padChar = ff.PadChar[0]
	}

	desc := &FieldDescriptor{
		ID:             ff.ID,
		Name:           ff.Name,
		Class:          class,
		LengthKind:     lengthKind,
		MaxLen:         ff.MaxLen,
		BodyEncoding:   bodyEnc,
		PrefixEncoding: prefixEnc,
		PadChar:        padChar,
		PadSide:        padSide,
		Required:       ff.Required,
		Sensitive:      ff.Sensitive,
		Default:        ff.Default,
		Controls:       ff.Controls,
	}
	for cid, cf := range ff.Children {
		cf.ID = cid
		child, err := buildField(&cf)
		if err != nil {
			return nil, err
		}
		desc.Children = append(desc.Children, child)
	}
	return desc, nil
}

func parseClass(s string) (Class, error) {
	switch s {
	case "NUMERIC":
		return ClassNumeric, nil
	case "ALPHANUM":
		return ClassAlphanum, nil
	case "BINARY":
		return ClassBinary, nil
	case "COMPOSITE":
		return ClassComposite, nil
	case "BITMAP":
		return ClassBitmap, nil
	default:
		return 0, fmt.Errorf("unknown field class %q", s)
	}
}

func parseLengthKind(s string) (LengthKind, error) {
	switch s {
	case "", "FIXED":
		return LengthFixed, nil
	case "LLVAR":
		return LengthLLVAR, nil
	case "LLLVAR":
		return LengthLLLVAR, nil
	case "LLLLVAR":
		return LengthLLLLVAR, nil
	default:
		return 0, fmt.Errorf("unknown length kind %q", s)
	}
}

func parseEncoding(s string) (Encoding, error) {
	switch s {
	case "", "ASCII":
		return EncodingASCII, nil
	case "BCD":
		return EncodingBCD, nil
	case "EBCDIC":
		return EncodingEBCDIC, nil
	case "HEX":
		return EncodingHEX, nil
	case "BINARY":
		return EncodingBinary, nil
	case "PACKED_DECIMAL":
		return EncodingPackedDecimal, nil
	default:
		return 0, fmt.Errorf("unknown encoding %q", s)
	}
}

func parsePadSide(s string) (PadSide, error) {
	switch s {
	case "", "LEFT":
		return PadLeft, nil
	case "RIGHT":
		return PadRight, nil
	default:
		return 0, fmt.Errorf("unknown pad side %q", s)
	}
}
