package commands

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/go-fep/fep/internal/iso8583"
)

func encodeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "encode <json>",
		Short: `Encode a JSON message (e.g. {"mti":"0200","fields":{"3":"300000"}}) into a hex frame`,
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			schema, err := loadSchema()
			if err != nil {
				return err
			}

			var v messageView
			if err := json.Unmarshal([]byte(args[0]), &v); err != nil {
				return fmt.Errorf("parse json argument: %w", err)
			}

			frame, err := iso8583.Encode(viewToMessage(&v), schema)
			if err != nil {
				return fmt.Errorf("encode message: %w", err)
			}

			fmt.Println(hex.EncodeToString(frame))
			return nil
		},
	}
	return cmd
}
