package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Exit codes.
const (
	exitOK          = 0
	exitConfig      = 1
	exitUnavailable = 2
	exitInterrupted = 130
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
		os.Exit(exitConfig)
	}
}

var rootCmd = &cobra.Command{
	Use:   "hub",
	Short: "Hub - multi-agent task orchestration",
	Long: `Hub records natural-language tasks, dispatches each one to exactly
one of N isolated worker agents, and streams progress, screenshots, and the
final response back to the submitter.

The serve command runs the HTTP API, the stalled-task sweeper, and the agent
supervisor; the worker command runs a single agent's polling loop.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Hub version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(workerCmd)
}
