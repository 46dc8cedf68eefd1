package main

import (
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time via -ldflags "-X main.version=...".
var version = "dev"

// CLI flags
var configFlag string

var rootCmd = &cobra.Command{
	Use:   "session-server",
	Short: "Real-time clinical session transcription and insight service",
	Long: `Session Server accepts a live audio stream for a clinical session over a
websocket, transcribes it when the clinician stops recording, and delivers a
structured insight report (summary, entities, hidden cues) back to the client.

Examples:
  session-server
  session-server serve --config config.yaml
  session-server seed --name "Jane Doe" --diagnosis "Generalized anxiety"`,
	RunE: runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "Path to YAML config file (default $SESSION_INSIGHTS_CONFIG)")
	rootCmd.AddCommand(serveCmd, seedCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
