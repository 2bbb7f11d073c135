package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/aivillage/hub/pkg/api"
	"github.com/aivillage/hub/pkg/config"
	"github.com/aivillage/hub/pkg/events"
	"github.com/aivillage/hub/pkg/executor"
	"github.com/aivillage/hub/pkg/log"
	"github.com/aivillage/hub/pkg/metrics"
	"github.com/aivillage/hub/pkg/storage"
	"github.com/aivillage/hub/pkg/supervisor"
	"github.com/aivillage/hub/pkg/worker"
)

var (
	serveAddr       string
	serveDev        bool
	serveRosterPath string
	serveNoAgents   bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the hub: HTTP API, stalled-task sweeper, agent supervisor",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.FromEnv()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
			os.Exit(exitConfig)
		}
		if serveAddr != "" {
			cfg.HTTPAddr = serveAddr
		}
		if !serveDev {
			if err := cfg.ValidateHub(); err != nil {
				fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
				os.Exit(exitConfig)
			}
		}

		log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})
		logger := log.WithComponent("serve")
		metrics.SetVersion(Version)

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		store, cleanup, err := openStore(ctx, cfg, serveDev)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Storage unavailable: %v\n", err)
			os.Exit(exitUnavailable)
		}
		defer cleanup()

		broker := events.NewBroker()
		broker.Start()
		defer broker.Stop()
		go events.Drain(ctx, broker, store)

		collector := metrics.NewCollector(store)
		collector.Start()
		defer collector.Stop()

		// Stalled-task sweeper: claimed tasks with no progress inside the
		// grace interval go back to pending.
		go sweepLoop(ctx, store, broker, cfg.StaleGrace)

		var sup *supervisor.Supervisor
		if !serveNoAgents {
			roster := config.DefaultRoster(cfg.AgentCount)
			if serveRosterPath != "" {
				if roster, err = config.LoadRoster(serveRosterPath); err != nil {
					fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
					os.Exit(exitConfig)
				}
			}
			if serveDev {
				// Worker subprocesses would each open a private
				// MemoryStore and never see the hub's tasks, so dev
				// mode runs the agent loops in-process.
				if err := startDevWorkers(ctx, cfg, roster, store, broker); err != nil {
					fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
					os.Exit(exitConfig)
				}
			} else {
				rosterRef := roster
				sup, err = supervisor.New(supervisor.Config{
					EnvFor: func(agentID string) []string {
						argv := rosterRef.DriverFor(agentID, cfg.DriverCmd)
						return []string{"DRIVER_COMMAND=" + strings.Join(argv, " ")}
					},
				}, broker)
				if err != nil {
					return err
				}
				defer sup.StopAll(context.Background())
				for _, agentID := range roster.AgentIDs() {
					if _, err := sup.EnsureRunning(agentID); err != nil {
						logger.Error().Err(err).Str("agent_id", agentID).Msg("agent start failed")
					}
				}
			}
			cfg.AgentCount = len(roster.AgentIDs())
		}

		server := api.NewServer(store, broker, sup, cfg.AgentCount, Version)
		httpServer := &http.Server{
			Addr:              cfg.HTTPAddr,
			Handler:           server.Routes(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			logger.Info().Str("addr", cfg.HTTPAddr).Msg("hub listening")
			if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()

		select {
		case err := <-errCh:
			fmt.Fprintf(os.Stderr, "Server error: %v\n", err)
			os.Exit(exitUnavailable)
		case <-ctx.Done():
		}

		logger.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
		if sup != nil {
			sup.StopAll(shutdownCtx)
		}
		os.Exit(exitInterrupted)
		return nil
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "HTTP listen address (overrides HTTP_ADDR)")
	serveCmd.Flags().BoolVar(&serveDev, "dev", false, "run with the in-memory store, no external backends")
	serveCmd.Flags().StringVar(&serveRosterPath, "roster", "", "YAML agent roster file (default agent1..agentN)")
	serveCmd.Flags().BoolVar(&serveNoAgents, "no-agents", false, "do not supervise worker processes")
}

// startDevWorkers runs one in-process agent loop per roster entry against
// the shared store. Loops stop when ctx is cancelled.
func startDevWorkers(ctx context.Context, cfg *config.Config, roster *config.Roster, store storage.Store, broker *events.Broker) error {
	for _, agentID := range roster.AgentIDs() {
		driver, err := executor.NewSubprocessDriver(roster.DriverFor(agentID, cfg.DriverCmd))
		if err != nil {
			return fmt.Errorf("agent %s: %w", agentID, err)
		}
		wk, err := worker.New(worker.Config{
			AgentID:       agentID,
			PollInterval:  cfg.PollInterval,
			TaskTimeout:   cfg.TaskTimeout,
			StaleGrace:    cfg.StaleGrace,
			WorkdirRoot:   cfg.WorkdirRoot,
			ShutdownGrace: cfg.ShutdownGrace,
		}, store, driver, broker)
		if err != nil {
			return fmt.Errorf("agent %s: %w", agentID, err)
		}
		go func() { _ = wk.Run(ctx) }()
	}
	return nil
}

// sweepLoop periodically resets stalled tasks. The sweep runs at half the
// grace interval so a stalled task waits at most 1.5G before recovery.
func sweepLoop(ctx context.Context, store storage.Store, broker *events.Broker, grace time.Duration) {
	logger := log.WithComponent("sweeper")
	interval := grace / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		ids, err := store.ResetStalled(ctx, grace)
		if err != nil {
			logger.Warn().Err(err).Msg("sweep failed")
			continue
		}
		for _, id := range ids {
			metrics.TasksRecovered.Inc()
			broker.Publish(&events.Event{
				Type:    events.EventTaskRecovered,
				TaskID:  id,
				Message: storage.RecoveredMessage,
			})
		}
		if len(ids) > 0 {
			logger.Info().Ints64("task_ids", ids).Msg("recovered stalled tasks")
		}
	}
}

// openStore connects the three backends (or the in-memory store in dev
// mode) and returns the facade plus a cleanup closure.
func openStore(ctx context.Context, cfg *config.Config, dev bool) (storage.Store, func(), error) {
	if dev {
		mem := storage.NewMemoryStore()
		metrics.RegisterProbe("memory", mem)
		return storage.NewFacade(mem, mem, mem), func() {}, nil
	}

	pg, err := storage.NewPostgresStore(ctx, cfg.PostgresURL)
	if err != nil {
		return nil, nil, fmt.Errorf("postgres: %w", err)
	}
	if err := pg.Migrate(ctx); err != nil {
		pg.Close()
		return nil, nil, fmt.Errorf("postgres migrate: %w", err)
	}

	objects, err := storage.NewMinioStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioSecure)
	if err != nil {
		pg.Close()
		return nil, nil, fmt.Errorf("minio: %w", err)
	}
	if err := objects.EnsureBuckets(ctx); err != nil {
		pg.Close()
		return nil, nil, fmt.Errorf("minio buckets: %w", err)
	}

	logs, err := storage.NewMongoStore(ctx, cfg.MongoURL)
	if err != nil {
		pg.Close()
		return nil, nil, fmt.Errorf("mongo: %w", err)
	}

	metrics.RegisterProbe("postgres", pg)
	metrics.RegisterProbe("minio", objects)
	metrics.RegisterProbe("mongo", logs)

	cleanup := func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = logs.Close(closeCtx)
		pg.Close()
	}
	return storage.NewFacade(pg, objects, logs), cleanup, nil
}
