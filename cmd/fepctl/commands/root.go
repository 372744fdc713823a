// Package commands implements the fepctl CLI commands.
package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// schemaFiles lists YAML schema documents loaded before decode/encode.
	schemaFiles []string

	// schemaName and schemaVersion select the wire schema within the
	// loaded registry.
	schemaName    string
	schemaVersion string
)

// rootCmd is the top-level cobra command for fepctl.
var rootCmd = &cobra.Command{
	Use:   "fepctl",
	Short: "Offline utility for ISO 8583 message schemas and fepd configuration",
	Long:  "fepctl decodes and encodes ISO 8583 messages against a schema file and validates fepd configuration, without connecting to a running daemon.",
	// Silence cobra's built-in usage/error printing so we control it.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringSliceVar(&schemaFiles, "schema-file", nil,
		"path to a YAML schema document (repeatable)")
	rootCmd.PersistentFlags().StringVar(&schemaName, "schema", "",
		"schema name to select from the loaded schema files")
	rootCmd.PersistentFlags().StringVar(&schemaVersion, "schema-version", "",
		"schema version to select from the loaded schema files")

	rootCmd.AddCommand(decodeCmd())
	rootCmd.AddCommand(encodeCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(versionCmd())
}

// Execute runs the root command and exits with code 1 on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
