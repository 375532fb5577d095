package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jkaninda/tunnelsecrets/internal/storage"
)

var materializeCmd = &cobra.Command{
	Use:   "materialize [selector]",
	Short: "Materialize tunnel config and credentials once (default command)",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runMaterialize,
}

func runMaterialize(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	sc, err := initShared(cfg, logger, out, true)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	var selector string
	if len(args) == 1 {
		selector = args[0]
	}

	ctx, stop := signal.NotifyContext(commandContext(cmd), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	report, runErr := sc.job(selector).Execute(ctx, storage.TriggerCLI)
	if report != nil {
		fmt.Fprintln(out, report.Summary())
	}

	if cfg.Observability != nil && cfg.Observability.Metrics != nil && cfg.Observability.Metrics.Textfile != "" {
		path := cfg.Observability.Metrics.Textfile
		if err := sc.Obs.MetricsOrNil().WriteTextfile(path); err != nil {
			logger.Warn("failed to write metrics textfile", slog.String("path", path), slog.String("error", err.Error()))
		}
	}

	if runErr != nil {
		return runErr
	}
	return report.Err()
}

// commandContext returns the command's context, or Background when the
// command was executed without one.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
