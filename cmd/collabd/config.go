package main

import (
	"github.com/spf13/cobra"

	"github.com/vango-dev/collab/internal/config"
)

func configCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or create configuration files",
	}

	var format string
	printCmd := &cobra.Command{
		Use:   "print",
		Short: "Print the effective configuration",
		Long: `Print the configuration after defaults, the config file and COLLAB_*
environment overrides are applied. Secrets are printed as-is.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			data, err := cfg.Encode(format)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
	printCmd.Flags().StringVarP(&format, "format", "f", "yaml", "Output format: yaml or toml")

	initCmd := &cobra.Command{
		Use:   "init <path>",
		Short: "Write a config file with default values",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.New().SaveTo(args[0]); err != nil {
				return err
			}
			success(cmd.OutOrStdout(), "Wrote %s", args[0])
			return nil
		},
	}

	cmd.AddCommand(printCmd, initCmd)
	return cmd
}
