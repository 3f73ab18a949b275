// Sandstorm — ephemeral sandbox orchestrator for coding agents.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "sandstorm",
	Short: "Sandstorm — run coding agents in ephemeral remote sandboxes.",
	Long: `Sandstorm provisions ephemeral execution sandboxes, runs a coding agent
inside them, and streams the agent's output back as server-sent events.
Sandboxes are destroyed when the run ends unless the caller keeps them
alive for follow-up sessions.`,
	RunE:          runServe, // Default to server mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
