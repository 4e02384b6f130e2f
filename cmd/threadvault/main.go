// threadvault persists agent conversation threads and ingests agent streams.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "threadvault",
	Short: "Conversation thread storage and stream ingestion.",
	Long: `threadvault stores agent conversation threads as parent-linked messages.
It serves the message store over HTTP, ingests agent run streams over
WebSocket, and persists the merged conversation to SQLite or PostgreSQL.`,
	RunE:          runServe, // Default to serve mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, historyCmd, pushCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
