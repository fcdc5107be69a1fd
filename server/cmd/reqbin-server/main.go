package main

import (
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var (
	configPath string
	envFile    string
)

var rootCmd = &cobra.Command{
	Use:   "reqbin-server",
	Short: "Ephemeral HTTP request capture server",
	Long: `reqbin-server hands out short-lived bins that record every HTTP request
sent to them. Captures can be inspected over HTTP or watched live over a
WebSocket. Bins with no activity for the configured window are deleted
unless someone is watching them.`,
	SilenceUsage: true,
	RunE:         serveCommand,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "reqbin.yaml", "path to config file")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the config")
	rootCmd.Version = version

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(initConfigCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
