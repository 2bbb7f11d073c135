package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/aivillage/hub/pkg/config"
	"github.com/aivillage/hub/pkg/executor"
	"github.com/aivillage/hub/pkg/log"
	"github.com/aivillage/hub/pkg/worker"
)

var workerDev bool

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run one agent's polling loop",
	Long: `Run a single agent worker: claim the agent's next pending task,
execute it through the configured driver, stream progress and screenshots,
and write the final response. The agent identity comes from AGENT_ID.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.FromEnv()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
			os.Exit(exitConfig)
		}
		if workerDev {
			// Dev mode still needs an identity and a driver.
			if cfg.AgentID == "" {
				cfg.AgentID = "agent1"
			}
		} else if err := cfg.ValidateWorker(); err != nil {
			fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
			os.Exit(exitConfig)
		}

		log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		store, cleanup, err := openStore(ctx, cfg, workerDev)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Storage unavailable: %v\n", err)
			os.Exit(exitUnavailable)
		}
		defer cleanup()

		driver, err := executor.NewSubprocessDriver(cfg.DriverCmd)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
			os.Exit(exitConfig)
		}

		w, err := worker.New(worker.Config{
			AgentID:       cfg.AgentID,
			PollInterval:  cfg.PollInterval,
			TaskTimeout:   cfg.TaskTimeout,
			StaleGrace:    cfg.StaleGrace,
			WorkdirRoot:   cfg.WorkdirRoot,
			ShutdownGrace: cfg.ShutdownGrace,
		}, store, driver, nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
			os.Exit(exitConfig)
		}

		if err := w.Run(ctx); errors.Is(err, context.Canceled) {
			os.Exit(exitInterrupted)
		}
		return nil
	},
}

func init() {
	workerCmd.Flags().BoolVar(&workerDev, "dev", false, "run with the in-memory store, no external backends")
}
