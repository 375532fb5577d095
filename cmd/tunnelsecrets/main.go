// tunnelsecrets materializes tunnel configuration and credentials from a
// secret store into a project checkout.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var (
	configPath string
	rootDir    string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "tunnelsecrets [selector]",
	Short: "Materialize tunnel config and credentials from the secret store.",
	Long: `tunnelsecrets reads the tunnel config for every environment from the secret
store, writes it into the project, derives the tunnel id from the written
config, writes the matching credentials file and validates the result.

The optional selector (dev, prod, ...) picks the secret-store config to read.
Without it the store client's configured default is used.`,
	Args:          cobra.MaximumNArgs(1),
	RunE:          runMaterialize, // Default to a one-shot run.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file (default: "+defaultConfigHint+")")
	rootCmd.PersistentFlags().StringVar(&rootDir, "root", "", "Project root (overrides config root)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")

	rootCmd.AddCommand(materializeCmd, validateCmd, watchCmd, historyCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
