package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/go-fep/fep/internal/config"
)

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and validate fepd configuration files",
	}

	cmd.AddCommand(configValidateCmd())
	return cmd
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <path>",
		Short: "Load and validate a fepd configuration file",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			cfg, err := config.Load(args[0])
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			if err := config.Validate(cfg); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}

			fmt.Printf("%s: valid (%d route(s))\n", args[0], len(cfg.Routes))
			return nil
		},
	}
}
