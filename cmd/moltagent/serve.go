package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/moltagent/moltagent/pkg/log"
	"github.com/moltagent/moltagent/pkg/orchestrator"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the control plane and/or the on-node worker",
	Long: `Run the long-lived process. The mode is selected by environment:

  MOLTAGENT_MANIFEST set          -> worker (dial the control plane)
  MOLTAGENT_CONTROL_PLANE=1 or
  MOLTAGENT_API_TOKEN set         -> orchestrator (serve the control plane)
  both                            -> hybrid (one process does both)`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("log-level", "info", "Log level (debug, info, warn, error)")
	serveCmd.Flags().Bool("json-logs", true, "Emit JSON logs")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	level, _ := cmd.Flags().GetString("log-level")
	jsonLogs, _ := cmd.Flags().GetBool("json-logs")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonLogs})

	manifestPath := os.Getenv("MOLTAGENT_MANIFEST")
	planeMode := os.Getenv("MOLTAGENT_CONTROL_PLANE") == "1" || os.Getenv("MOLTAGENT_API_TOKEN") != ""
	if manifestPath == "" && !planeMode {
		return fmt.Errorf("nothing to run: set MOLTAGENT_MANIFEST and/or MOLTAGENT_CONTROL_PLANE=1")
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		cancel()
	}()

	errc := make(chan error, 2)
	running := 0

	if planeMode {
		orch, err := orchestrator.New(orchestrator.ConfigFromEnv())
		if err != nil {
			return err
		}
		running++
		go func() { errc <- orch.Run(ctx) }()
	}

	if manifestPath != "" {
		running++
		go func() { errc <- runWorker(ctx, manifestPath) }()
	}

	var firstErr error
	for i := 0; i < running; i++ {
		if err := <-errc; err != nil && firstErr == nil {
			firstErr = err
			cancel()
		}
	}
	return firstErr
}
