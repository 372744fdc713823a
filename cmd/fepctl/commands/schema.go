package commands

import (
	"errors"
	"fmt"

	"github.com/go-fep/fep/internal/iso8583"
)

// errNoSchemaFiles is returned when a command needing a schema was invoked
// without any --schema-file flags.
var errNoSchemaFiles = errors.New("at least one --schema-file is required")

// loadSchema builds a registry from the --schema-file flags and looks up
// the --schema/--schema-version selection.
func loadSchema() (*iso8583.Schema, error) {
	if len(schemaFiles) == 0 {
		return nil, errNoSchemaFiles
	}

	reg := iso8583.NewRegistry()
	for _, path := range schemaFiles {
		if _, err := reg.LoadSchemaFile(path); err != nil {
			return nil, fmt.Errorf("load schema file %s: %w", path, err)
		}
	}

	schema, err := reg.Lookup(schemaName, schemaVersion)
	if err != nil {
		return nil, fmt.Errorf("lookup schema %s/%s: %w", schemaName, schemaVersion, err)
	}
	return schema, nil
}
