// Kazi — sandboxed tool execution and conversational context resolution.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "kazi",
	Short: "Kazi — sandboxed function-tool execution with conversational context resolution.",
	Long: `Kazi runs user-defined function tools inside pooled, ephemeral sandbox
environments (native processes or remote micro-VMs) and resolves per-conversation
context variables from upstream services, with persistent caching.`,
	RunE:          runServe, // Default to serve mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, mcpCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
