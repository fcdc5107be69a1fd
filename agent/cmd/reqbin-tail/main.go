package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/reqbin/reqbin/agent/internal/tail"
)

var (
	serverFlag  string
	noColorFlag bool
	headersFlag bool
	noBodyFlag  bool
)

var rootCmd = &cobra.Command{
	Use:   "reqbin-tail <bin-id>",
	Short: "Watch requests arrive in a reqbin bin",
	Long: `Connect to a bin's live stream and print every request captured into it.
While connected the bin is kept alive. The command exits on Ctrl-C or when
the bin is deleted.

Examples:
  reqbin-tail 3f2b8c1e-9d4a-4c7e-8f21-6a0b5d9e7c13
  reqbin-tail 3f2b8c1e-9d4a-4c7e-8f21-6a0b5d9e7c13 --server https://reqbin.example --headers`,
	Args:         cobra.ExactArgs(1),
	SilenceUsage: true,
	RunE:         tailCommand,
}

func init() {
	rootCmd.Flags().StringVarP(&serverFlag, "server", "s", "http://localhost:3000", "reqbin server base URL")
	rootCmd.Flags().BoolVar(&noColorFlag, "no-color", false, "disable colored output")
	rootCmd.Flags().BoolVarP(&headersFlag, "headers", "H", false, "print request headers")
	rootCmd.Flags().BoolVar(&noBodyFlag, "no-body", false, "do not print request bodies")
}

func tailCommand(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	r := tail.NewRenderer(cmd.OutOrStdout(), noColorFlag, headersFlag, !noBodyFlag)
	r.Status("watching bin %s on %s", args[0], serverFlag)

	c := &tail.Client{Server: serverFlag}
	err := c.Stream(ctx, args[0], func(capture tail.Capture) error {
		r.Render(capture)
		return nil
	})
	if errors.Is(err, tail.ErrBinClosed) {
		r.Status("bin closed")
		return nil
	}
	if err != nil {
		return fmt.Errorf("tail: %w", err)
	}
	return nil
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
