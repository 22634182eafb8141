package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "moltagent",
	Short: "MoltAgent - autonomous agent fleet control plane",
	Long: `MoltAgent deploys autonomous agents onto disposable VPS instances and
supervises them over a persistent WebSocket control plane: heartbeats,
action logs, spend accounting, and human-gated approvals.

The same binary runs in three modes:
  orchestrator  control plane + management API (serve)
  worker        on-node agent bridge (MOLTAGENT_MANIFEST set)
  cli           operator verbs against a running control plane`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"MoltAgent version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("server", defaultServer(),
		"Control-plane base URL for CLI verbs")
	rootCmd.PersistentFlags().String("token", os.Getenv("MOLTAGENT_API_TOKEN"),
		"Bearer token for the management API")
}

func defaultServer() string {
	if addr := os.Getenv("MOLTAGENT_SERVER"); addr != "" {
		return addr
	}
	return "http://localhost:18790"
}
