package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/go-fep/fep/internal/iso8583"
)

const (
	formatJSON  = "json"
	formatTable = "table"
)

// errUnsupportedFormat is returned when the requested output format is not
// supported.
var errUnsupportedFormat = errors.New("unsupported output format")

// messageView is the JSON representation of a Message: scalar fields only,
// matching what encode/decode exchange on the command line.
type messageView struct {
	MTI    string            `json:"mti"`
	Fields map[string]string `json:"fields"`
}

func messageToView(m *iso8583.Message) *messageView {
	v := &messageView{MTI: m.MTI, Fields: make(map[string]string)}
	for _, id := range m.FieldIDs() {
		if val, ok := m.Get(id); ok {
			v.Fields[id] = val
		}
	}
	return v
}

func viewToMessage(v *messageView) *iso8583.Message {
	m := iso8583.NewMessage(v.MTI)
	for id, val := range v.Fields {
		m.Set(id, val)
	}
	return m
}

func formatMessage(m *iso8583.Message, format string) (string, error) {
	switch format {
	case formatJSON:
		data, err := json.MarshalIndent(messageToView(m), "", "  ")
		if err != nil {
			return "", fmt.Errorf("marshal message to JSON: %w", err)
		}
		return string(data) + "\n", nil
	case formatTable:
		return formatMessageTable(m)
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

func formatMessageTable(m *iso8583.Message) (string, error) {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "MTI\t%s\n", m.MTI)
	for _, id := range m.FieldIDs() {
		if val, ok := m.Get(id); ok {
			fmt.Fprintf(w, "F%s\t%s\n", id, val)
		}
	}
	if err := w.Flush(); err != nil {
		return "", fmt.Errorf("flush tabwriter: %w", err)
	}
	return buf.String(), nil
}
