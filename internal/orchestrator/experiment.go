// Package orchestrator runs an experiment as a sequence of phases over the
// testbed hosts: prerequisite checks, logging script setup, the measurement
// iterations and teardown.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/exprunner/internal/config"
	"github.com/t77yq/exprunner/internal/console"
	"github.com/t77yq/exprunner/internal/executor"
	"github.com/t77yq/exprunner/internal/handler"
	"github.com/t77yq/exprunner/internal/model"
	"github.com/t77yq/exprunner/internal/monitor"
	"github.com/t77yq/exprunner/internal/scheduler"
	"github.com/t77yq/exprunner/internal/service"
	"github.com/t77yq/exprunner/internal/session"
	"github.com/t77yq/exprunner/internal/storage"
)

var (
	// ErrNotEnoughMatches aborts a run whose precheck saw too little evidence
	ErrNotEnoughMatches = errors.New("not enough matches to start")

	// ErrSetupFailed aborts a run whose logging scripts could not be started
	ErrSetupFailed = errors.New("setup failed")
)

// TeardownTimeout bounds the cleanup pass of an interrupted run
const TeardownTimeout = 30 * time.Second

// Option configures an Experiment
type Option func(*Experiment)

// WithHistory records every phase result in history
func WithHistory(history storage.RunHistory) Option {
	return func(e *Experiment) { e.history = history }
}

// WithPublisher publishes experiment events through publisher
func WithPublisher(publisher service.Publisher) Option {
	return func(e *Experiment) { e.events = publisher }
}

// Experiment drives one named experiment run
type Experiment struct {
	logger  *zap.Logger
	name    string
	config  *config.Config
	console *console.Sink
	batch   *scheduler.Batch

	services  *handler.ServiceHandler
	conntrack *handler.ConntrackHandler
	scripts   *handler.ScriptHandler
	clients   *handler.ClientHandler
	keywords  *monitor.KeywordWatcher
	growth    *monitor.GrowthWatcher

	history storage.RunHistory
	events  service.Publisher

	runID string
}

// New creates an experiment. cfg is expanded for name before use.
func New(name string, cfg *config.Config, provider session.Provider, sink *console.Sink, logger *zap.Logger, opts ...Option) *Experiment {
	cfg = cfg.Expand(name)
	shell := cfg.Shell()
	timeout := cfg.Commands.Timeout
	runner := executor.NewRunner(logger)
	supervisor := executor.NewSupervisor(runner, shell, sink, cfg.SupervisorConfig(), logger)

	e := &Experiment{
		logger:    logger.Named("orchestrator").With(zap.String("experiment", name)),
		name:      name,
		config:    cfg,
		console:   sink,
		batch:     scheduler.NewBatch(provider, sink, logger),
		services:  handler.NewServiceHandler(runner, shell, sink, timeout, logger),
		conntrack: handler.NewConntrackHandler(runner, shell, sink, timeout, logger),
		scripts:   handler.NewScriptHandler(runner, shell, sink, cfg.ScriptConfig(), logger),
		clients:   handler.NewClientHandler(supervisor, sink, logger),
		keywords:  monitor.NewKeywordWatcher(runner, shell, sink, cfg.KeywordWatcherConfig(), logger),
		growth:    monitor.NewGrowthWatcher(runner, shell, sink, timeout, logger),
		events:    service.NopPublisher{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes every phase and returns the run summary. Teardown always
// runs once setup succeeded, also when an iteration failed or ctx ended.
func (e *Experiment) Run(ctx context.Context) (*model.RunSummary, error) {
	e.runID = uuid.New().String()
	run := &model.RunSummary{
		RunID:      e.runID,
		Experiment: e.name,
		Status:     model.TaskStatusRunning,
		StartedAt:  time.Now(),
	}
	e.logger = e.logger.With(zap.String("run_id", e.runID))
	e.logger.Info("Starting experiment")

	if e.history != nil {
		if err := e.history.StartRun(ctx, run); err != nil {
			e.logger.Warn("Failed to record run start", zap.Error(err))
		}
	}

	err := e.run(ctx, run)

	run.FinishedAt = time.Now()
	switch {
	case err == nil:
		run.Status = model.TaskStatusCompleted
	case ctx.Err() != nil:
		run.Status = model.TaskStatusCanceled
		run.Error = err.Error()
	default:
		run.Status = model.TaskStatusFailed
		run.Error = err.Error()
	}
	e.finishRun(context.WithoutCancel(ctx), run)
	return run, err
}

func (e *Experiment) run(ctx context.Context, run *model.RunSummary) error {
	matches, err := e.Prerequisite(ctx)
	run.Matches = matches
	if err != nil {
		return err
	}

	if err := e.Setup(ctx); err != nil {
		return err
	}

	defer func() {
		teardownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), TeardownTimeout)
		defer cancel()
		e.Teardown(teardownCtx)
	}()

	for i := 1; i <= e.config.Iteration.Repeats; i++ {
		results := e.Iterate(ctx, i)
		run.Iterations = i
		run.Failures += len(results.Failed())
		if ctx.Err() != nil {
			return fmt.Errorf("iteration %d: %w", i, ctx.Err())
		}
	}

	e.console.Success("", "Experiment %s finished after %d iterations.", e.name, run.Iterations)
	return nil
}

func (e *Experiment) finishRun(ctx context.Context, run *model.RunSummary) {
	logger := e.logger.With(
		zap.String("status", string(run.Status)),
		zap.Int("matches", run.Matches),
		zap.Int("iterations", run.Iterations),
		zap.Int("failures", run.Failures))

	if e.history != nil {
		if err := e.history.FinishRun(ctx, run); err != nil {
			logger.Warn("Failed to record run result", zap.Error(err))
		}
	}

	severity := model.EventSeverityInfo
	if run.Status != model.TaskStatusCompleted {
		severity = model.EventSeverityError
	}
	e.publish(ctx, &model.Event{
		Type:     model.EventTypeRunFinished,
		Severity: severity,
		Message:  fmt.Sprintf("run %s %s", run.RunID, run.Status),
		Data: map[string]interface{}{
			"matches":    run.Matches,
			"iterations": run.Iterations,
			"failures":   run.Failures,
			"error":      run.Error,
		},
	})

	logger.Info("Experiment finished")
}

// record stores and publishes the results of one batch
func (e *Experiment) record(ctx context.Context, phase model.Phase, iteration int, results scheduler.Results) {
	for _, res := range results {
		task := res.TaskResult

		if e.history != nil {
			record := &storage.TaskRecord{
				RunID:     e.runID,
				Phase:     phase,
				Iteration: iteration,
				Task:      task,
			}
			if err := e.history.Store(ctx, record); err != nil {
				e.logger.Warn("Failed to record task", zap.String("task", task.Name), zap.Error(err))
			}
		}

		severity := model.EventSeverityInfo
		switch {
		case task.Status == model.TaskStatusFailed:
			severity = model.EventSeverityError
		case task.State == model.SupervisionStuck || task.Status == model.TaskStatusCanceled:
			severity = model.EventSeverityWarning
		}
		e.publish(ctx, &model.Event{
			Type:      model.EventTypeTaskFinished,
			Severity:  severity,
			Phase:     string(phase),
			Iteration: iteration,
			Message:   fmt.Sprintf("%s on %s %s", task.Name, task.Host, task.Status),
			Task:      &task,
		})
	}
}

func (e *Experiment) phase(ctx context.Context, eventType model.EventType, phase model.Phase, iteration int) {
	e.publish(ctx, &model.Event{
		Type:      eventType,
		Severity:  model.EventSeverityInfo,
		Phase:     string(phase),
		Iteration: iteration,
		Message:   fmt.Sprintf("%s %s", phase, eventType),
	})
}

func (e *Experiment) publish(ctx context.Context, event *model.Event) {
	event.RunID = e.runID
	event.Experiment = e.name
	if err := e.events.Publish(ctx, event); err != nil {
		e.logger.Warn("Failed to publish event", zap.String("type", string(event.Type)), zap.Error(err))
	}
}
