package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/reqbin/reqbin/server/internal/config"
)

var initConfigCmd = &cobra.Command{
	Use:   "init-config",
	Short: "Write a default config file",
	Long: `Write the default configuration to --config. An existing file is left
untouched.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		created, err := config.WriteDefault(configPath)
		if err != nil {
			return err
		}
		if created {
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", configPath)
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "%s already exists, leaving it alone\n", configPath)
		}
		return nil
	},
}
