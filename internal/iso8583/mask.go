package iso8583

import "strings"

// maskChar replaces every character of a sensitive value in diagnostic
// output (spec §4.1 "Security").
const maskChar = '*'

// Mask renders m for logging: sensitive fields (PAN, PIN block, track data,
// MAC) are replaced wholesale, never partially revealed. Non-sensitive
// fields are rendered as-is. Use this instead of formatting a Message
// directly wherever it might reach a log call.
func Mask(m *Message, schema *Schema) map[string]string {
	out := make(map[string]string, len(m.order))
	for _, id := range m.order {
		if v, ok := m.values[id]; ok {
			out[id] = maskValue(id, v, schema)
			continue
		}
		if _, ok := m.composites[id]; ok {
			out[id] = "<composite>"
		}
	}
	return out
}

func maskValue(id, value string, schema *Schema) string {
	f := schema.Field(id)
	if f == nil || !f.Sensitive {
		return value
	}
	return strings.Repeat(string(maskChar), len(value))
}
