package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/taskworker/pkg/config"
	"github.com/cuemby/taskworker/pkg/events"
	"github.com/cuemby/taskworker/pkg/log"
	"github.com/cuemby/taskworker/pkg/metrics"
	"github.com/cuemby/taskworker/pkg/queue"
	"github.com/cuemby/taskworker/pkg/storage"
	"github.com/cuemby/taskworker/pkg/worker"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the worker until it is signalled to stop",
	Long: `Run claims and executes tasks until a signal arrives.

Claims left in the local journal by a previous run are reported as
worker-shutdown before the first new claim. The process exits with status 1
when a cycle fails in a way the worker cannot recover from.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfgPath, _ := cmd.Flags().GetString("config")

		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}
		log.Init(cfg.Log)
		metrics.SetVersion(Version)

		store, err := storage.NewBoltStore(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("failed to open journal: %w", err)
		}
		defer store.Close()

		srv := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           metrics.NewServeMux(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Errorf("Metrics server failed", err)
			}
		}()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(ctx)
		}()

		broker := events.NewBroker()
		broker.Start()
		defer broker.Stop()
		go logEvents(broker.Subscribe())

		w := worker.NewWorker(worker.Options{
			Config: cfg,
			Queue:  queue.NewClient(cfg.QueueRootURL, cfg.Credentials, nil),
			Store:  store,
			Events: broker,
		})

		sigCh := make(chan os.Signal, 2)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGUSR1)
		defer signal.Stop(sigCh)

		return w.Run(context.Background(), sigCh)
	},
}

// logEvents writes lifecycle events to the debug log
func logEvents(sub events.Subscriber) {
	logger := log.WithComponent("events")
	for ev := range sub {
		logger.Debug().
			Str("event", string(ev.Type)).
			Str("task_id", ev.TaskID).
			Int("run_id", ev.RunID).
			Str("status", ev.Status.String()).
			Str("message", ev.Message).
			Msg("Lifecycle event")
	}
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check a configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfgPath, _ := cmd.Flags().GetString("config")

		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}

		fmt.Printf("✓ Configuration is valid: %s\n", cfgPath)
		fmt.Printf("  Worker: %s/%s (%s, %s)\n", cfg.ProvisionerID, cfg.WorkerType, cfg.WorkerGroup, cfg.WorkerID)
		fmt.Printf("  Queue: %s\n", cfg.QueueRootURL)
		fmt.Printf("  Task script: %v\n", cfg.TaskScript)
		fmt.Printf("  Chain of trust: %v\n", cfg.VerifyChainOfTrust)
		return nil
	},
}
