// Command binarize runs iterative quantization-aware fine-tuning.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-binarize/internal/logger"
)

type globalFlags struct {
	logLevel  string
	logFormat string
}

func newCLI() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:   "binarize",
		Short: "Quantize a model unit by unit and fine-tune after each step",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Disable usage printing on errors
			cmd.SilenceUsage = true
			logger.Setup(g.logLevel, g.logFormat)
		},
	}
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "INFO", "Log level (DEBUG, INFO, WARN, ERROR)")
	root.PersistentFlags().StringVar(&g.logFormat, "log-format", "console", "Log format (console, json)")

	root.AddCommand(newTrainCmd(g), newPlanCmd(), newInspectCmd(), newReceiveCmd())
	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newCLI().ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}
