package commands

import (
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/go-fep/fep/internal/iso8583"
)

func decodeCmd() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "decode <hex>",
		Short: "Decode a hex-encoded ISO 8583 frame against a schema",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			schema, err := loadSchema()
			if err != nil {
				return err
			}

			frame, err := hex.DecodeString(args[0])
			if err != nil {
				return fmt.Errorf("decode hex argument: %w", err)
			}

			msg, err := iso8583.Decode(frame, schema)
			if err != nil {
				return fmt.Errorf("decode frame: %w", err)
			}

			out, err := formatMessage(msg, format)
			if err != nil {
				return err
			}
			fmt.Print(out)
			return nil
		},
	}

	cmd.Flags().StringVar(&format, "format", formatTable, "output format: table, json")
	return cmd
}
