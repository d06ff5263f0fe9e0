package main

import (
	"os"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}

	cmd.AddCommand(newConfigShowCmd())

	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the resolved configuration as TOML",
		RunE: func(_ *cobra.Command, _ []string) error {
			// Copy so the token redaction never touches the live config.
			cfg := *resolvedCfg

			if cfg.API.Token != "" {
				cfg.API.Token = "(redacted)"
			}

			return toml.NewEncoder(os.Stdout).Encode(cfg)
		},
	}
}
