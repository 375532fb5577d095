package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the tunnel config files already present in the project",
	Long: `Runs the configured validator against every environment config file that
exists on disk, without reading the secret store. Validation problems are
reported as warnings and never change the exit status.`,
	Args: cobra.NoArgs,
	RunE: runValidate,
}

func runValidate(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	sc, err := initShared(cfg, logger, out, false)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	if cfg.Validator.Type == "none" {
		fmt.Fprintln(out, "validation disabled (validator.type: none)")
		return nil
	}

	report := sc.Materializer.ValidateExisting(commandContext(cmd))
	if len(report.Steps) == 0 {
		fmt.Fprintln(out, "no config files to validate")
	}
	fmt.Fprintln(out, report.Summary())
	return nil
}
