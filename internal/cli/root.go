// Package cli implements the taskvault command-line interface using Cobra.
// serve runs the daemon; the read commands open the daemon's sqlite store
// directly and show its stored state and journal.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var outputFormat string

var rootCmd = &cobra.Command{
	Use:   "taskvault",
	Short: "Escrowed task payments for autonomous workers",
	Long: `taskvault holds a shared treasury, funds tasks through per-task
reservations, and pays workers only after a coordinator verifies the result.

Run 'taskvault serve' to start the API. The other commands read the local
store under $TASKVAULT_HOME.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "Output format: table, json or yaml")
}

// Execute runs the root command. Called from main.go.
func Execute(version string) {
	rootCmd.Version = version

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
