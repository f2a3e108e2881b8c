// Package cli defines the ccbridge command tree.
package cli

import (
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "ccbridge",
	Short: "OpenAI-compatible API bridge for a local CLI assistant",
	Long: `ccbridge exposes an OpenAI chat-completions API whose responses come
from a local CLI AI tool invoked as a subprocess. Point any OpenAI client at
it and keep your existing integration.`,
	Run: func(c *cobra.Command, args []string) {
		// Bare invocation serves, matching common proxy ergonomics.
		runServe(c, args)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path (default: ./config.yaml)")
}

// Execute runs the command tree.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
