package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jkaninda/tunnelsecrets/internal/observability"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "2026-10-01"
)

func init() {
	observability.Version = version
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "tunnelsecrets %s (commit: %s, built: %s)\n", version, commit, date)
	},
}
