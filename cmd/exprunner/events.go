package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/t77yq/exprunner/internal/config"
	"github.com/t77yq/exprunner/internal/console"
	"github.com/t77yq/exprunner/internal/model"
	"github.com/t77yq/exprunner/internal/service"
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Follow experiment events published on the NATS bus",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configFile)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		logger, err := newLogger(cfg.Log)
		if err != nil {
			return err
		}
		defer logger.Sync()

		nc, js, err := service.Connect(cfg.Events.URL, cfg.Events.ConnectTimeout)
		if err != nil {
			return fmt.Errorf("failed to connect to event bus %s: %w", cfg.Events.URL, err)
		}
		defer nc.Close()

		events, err := service.NewEventService(js, logger)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		watchInterrupt(ctx, cancel, logger)

		sink := console.New(os.Stdout, cfg.Console.Color && !noColor)
		return followEvents(ctx, sink, events)
	},
}

func init() {
	rootCmd.AddCommand(eventsCmd)
}

// followEvents prints every event of the stream until ctx ends
func followEvents(ctx context.Context, sink *console.Sink, events *service.EventService) error {
	err := events.Subscribe(ctx, func(e model.Event) {
		printEvent(sink, e)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to events: %w", err)
	}
	<-ctx.Done()
	return nil
}

func printEvent(sink *console.Sink, e model.Event) {
	sev := console.SeverityInfo
	switch e.Severity {
	case model.EventSeverityWarning:
		sev = console.SeverityWarn
	case model.EventSeverityError:
		sev = console.SeverityError
	}
	if e.Type == model.EventTypeRunFinished && e.Severity == model.EventSeverityInfo {
		sev = console.SeveritySuccess
	}

	host := ""
	if e.Task != nil {
		host = e.Task.Host
	}
	sink.Printf(sev, host, "%s %s %s: %s", e.CreatedAt.Format("15:04:05"), e.Experiment, shortID(e.RunID), e.Message)
}
