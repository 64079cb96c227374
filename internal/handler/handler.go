// Package handler implements the host operations of an experiment run.
package handler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/exprunner/internal/console"
	"github.com/t77yq/exprunner/internal/executor"
	"github.com/t77yq/exprunner/internal/model"
)

// Handler carries what every host operation needs
type Handler struct {
	logger         *zap.Logger
	runner         *executor.Runner
	shell          executor.Shell
	console        *console.Sink
	commandTimeout time.Duration
}

func newHandler(name string, runner *executor.Runner, shell executor.Shell, sink *console.Sink, commandTimeout time.Duration, logger *zap.Logger) Handler {
	if commandTimeout <= 0 {
		commandTimeout = executor.DefaultCommandTimeout
	}
	return Handler{
		logger:         logger.Named(name),
		runner:         runner,
		shell:          shell,
		console:        sink,
		commandTimeout: commandTimeout,
	}
}

func startResult(kind model.TaskKind) model.TaskResult {
	return model.TaskResult{
		Kind:      kind,
		Status:    model.TaskStatusRunning,
		StartedAt: time.Now(),
	}
}

func finish(result model.TaskResult, err error) (model.TaskResult, error) {
	result.CompletedAt = time.Now()
	if err != nil {
		result.Status = model.TaskStatusFailed
		result.Error = err.Error()
		return result, err
	}
	result.Status = model.TaskStatusCompleted
	return result, nil
}

// sleep waits for d unless ctx ends first
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
