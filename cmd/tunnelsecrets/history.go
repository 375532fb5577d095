package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jkaninda/tunnelsecrets/internal/storage"
)

var (
	historyLimit int
	historyJSON  bool
)

var historyCmd = &cobra.Command{
	Use:   "history [run-id]",
	Short: "Show recorded runs for this project",
	Long: `Without an argument, lists the most recent runs recorded for the project
root, newest first. With a run id, prints that run's steps.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runHistory,
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Number of runs to list")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Print JSON instead of a table")
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	if cfg.StorageDriverName() == "none" {
		return errors.New("run history is disabled (storage.driver: none)")
	}

	sc, err := initShared(cfg, logger, io.Discard, true)
	if err != nil {
		return err
	}
	defer sc.Cleanup()
	if sc.Store == nil {
		return errors.New("run history is unavailable")
	}

	ctx := commandContext(cmd)
	runs := sc.Store.Runs()
	out := cmd.OutOrStdout()

	if len(args) == 1 {
		id, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid run id %q", args[0])
		}
		run, err := runs.Get(ctx, sc.Workspace.Root, id)
		if err != nil {
			return err
		}
		if historyJSON {
			return writeJSON(out, run)
		}
		return printRun(out, run)
	}

	if historyLimit <= 0 {
		return fmt.Errorf("--limit must be positive")
	}
	list, err := runs.List(ctx, sc.Workspace.Root, historyLimit)
	if err != nil {
		return err
	}
	if historyJSON {
		if list == nil {
			list = []storage.Run{}
		}
		return writeJSON(out, list)
	}
	if len(list) == 0 {
		fmt.Fprintln(out, "no runs recorded for", sc.Workspace.Root)
		return nil
	}
	return printRuns(out, list)
}

func printRuns(w io.Writer, runs []storage.Run) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTARTED\tTRIGGER\tSELECTOR\tSTATUS\tWRITTEN\tSKIPPED\tWARNINGS\tFAILED\tDURATION")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%d\t%d\t%d\t%s\n",
			r.ID, r.StartedAt.Local().Format(time.DateTime), r.Trigger, r.Selector, r.Status,
			r.Written, r.Skipped, r.Warnings, r.Failed, r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond))
	}
	return tw.Flush()
}

func printRun(w io.Writer, r *storage.Run) error {
	fmt.Fprintf(w, "run %s (%s, %s)\n", r.ID, r.Trigger, r.Status)
	fmt.Fprintf(w, "selector: %s (%s)\n", r.Selector, r.SelectorSource)
	fmt.Fprintf(w, "started:  %s\n", r.StartedAt.Local().Format(time.DateTime))
	if r.Error != "" {
		fmt.Fprintf(w, "error:    %s\n", r.Error)
	}
	fmt.Fprintln(w)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tSTEP\tENV\tPATH\tOUTCOME\tDETAIL")
	for _, s := range r.Steps {
		detail := s.Reason
		if s.Error != "" {
			detail = s.Error
		} else if detail == "" && s.Bytes > 0 {
			detail = fmt.Sprintf("%d bytes", s.Bytes)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n", s.Seq, s.Step, s.Environment, s.Path, s.Outcome, detail)
	}
	return tw.Flush()
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
