package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/t77yq/exprunner/internal/config"
	"github.com/t77yq/exprunner/internal/console"
	"github.com/t77yq/exprunner/internal/orchestrator"
	"github.com/t77yq/exprunner/internal/service"
	"github.com/t77yq/exprunner/internal/session"
	"github.com/t77yq/exprunner/internal/storage"
)

var (
	configFile string
	noColor    bool
)

var rootCmd = &cobra.Command{
	Use:   "exprunner [--config path] <experiment-name>",
	Short: "Run a conntrack measurement experiment across the testbed",
	Long: `exprunner checks the testbed services, verifies that precheck traffic
reaches the conntrack and ptp logs, starts the logging scripts and then runs
the configured client iterations while watching the log files grow.

The experiment name is substituted for {experiment} in script commands and
log paths. Recorded runs are inspected with "exprunner history" and live
events are followed with "exprunner events".`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(run(args[0]))
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Configuration file (YAML)")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable coloured console output")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(experiment string) int {
	cfg, err := config.Load(configFile)
	if err != nil {
		log.Printf("Failed to load configuration: %v", err)
		return 1
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		log.Printf("Failed to create logger: %v", err)
		return 1
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	interrupted := watchInterrupt(ctx, cancel, logger)

	sink := console.New(os.Stdout, cfg.Console.Color && !noColor)
	resolver := session.NewResolver(
		session.NewSSHConfigSource(cfg.SSH.ConfigPath),
		session.DetectLocal(ctx),
		cfg.SSHOptions(),
		logger,
	)

	var opts []orchestrator.Option

	if cfg.History.Enabled {
		history, err := storage.NewSQLiteRunHistory(logger, cfg.History.Path)
		if err != nil {
			logger.Error("Failed to open run history", zap.String("path", cfg.History.Path), zap.Error(err))
			return 1
		}
		defer history.Close()
		opts = append(opts, orchestrator.WithHistory(history))
	}

	if cfg.Events.Enabled {
		nc, js, err := service.Connect(cfg.Events.URL, cfg.Events.ConnectTimeout)
		if err != nil {
			logger.Error("Failed to connect to event bus", zap.String("url", cfg.Events.URL), zap.Error(err))
			return 1
		}
		defer nc.Close()

		events, err := service.NewEventService(js, logger)
		if err != nil {
			logger.Error("Failed to create event service", zap.Error(err))
			return 1
		}
		logger.Info("Publishing experiment events", zap.String("url", nc.ConnectedUrl()))
		opts = append(opts, orchestrator.WithPublisher(events))
	}

	exp := orchestrator.New(experiment, cfg, resolver, sink, logger, opts...)
	summary, err := exp.Run(ctx)

	if interrupted.Load() {
		sink.Error("", "Interrupted.")
		return 1
	}
	if err != nil {
		sink.Error("", "Experiment %s aborted: %v", experiment, err)
		logger.Error("Experiment aborted", zap.String("run_id", summary.RunID), zap.Error(err))
		return 1
	}

	sink.Success("", "Run %s: %d matches, %d iterations, %d failed tasks.",
		summary.RunID, summary.Matches, summary.Iterations, summary.Failures)
	return 0
}

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	}
	if cfg.Level != "" {
		level, err := zap.ParseAtomicLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
		zc.Level = level
	}
	return zc.Build()
}
