// Package scheduler fans host tasks out over goroutines and joins them.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
	"go.uber.org/zap"

	"github.com/t77yq/exprunner/internal/console"
	"github.com/t77yq/exprunner/internal/model"
	"github.com/t77yq/exprunner/internal/session"
)

// RunFunc performs one task against a session owned by the task
type RunFunc func(ctx context.Context, sess session.Session) (model.TaskResult, error)

// Job is one host-operation pair
type Job struct {
	Name string
	Host string
	Kind model.TaskKind
	Run  RunFunc
}

// Fanout builds one job per host
func Fanout(hosts []string, factory func(host string) Job) []Job {
	jobs := make([]Job, 0, len(hosts))
	for _, host := range hosts {
		jobs = append(jobs, factory(host))
	}
	return jobs
}

// Batch runs jobs concurrently, each on its own session, and waits for all
// of them. A failing or panicking job never affects its siblings.
type Batch struct {
	logger   *zap.Logger
	provider session.Provider
	console  *console.Sink
}

// NewBatch creates a batch runner opening sessions through provider
func NewBatch(provider session.Provider, sink *console.Sink, logger *zap.Logger) *Batch {
	return &Batch{
		logger:   logger.Named("batch"),
		provider: provider,
		console:  sink,
	}
}

// RunAll runs every job and returns one result per job, in job order
func (b *Batch) RunAll(ctx context.Context, jobs []Job) Results {
	return b.Start(ctx, jobs).Wait()
}

// Pending is a batch started in the background
type Pending struct {
	done    chan struct{}
	results Results
}

// Wait blocks until every job of the batch finished
func (p *Pending) Wait() Results {
	<-p.done
	return p.results
}

// Start launches every job and returns without waiting
func (b *Batch) Start(ctx context.Context, jobs []Job) *Pending {
	p := &Pending{
		done:    make(chan struct{}),
		results: make(Results, len(jobs)),
	}

	var wg conc.WaitGroup
	for i, job := range jobs {
		i, job := i, job
		b.console.Warn("", "Starting task: %s", job.Name)
		wg.Go(func() {
			p.results[i] = b.run(ctx, job)
		})
	}

	go func() {
		defer close(p.done)
		wg.Wait()
	}()
	return p
}

func (b *Batch) run(ctx context.Context, job Job) Result {
	logger := b.logger.With(zap.String("task", job.Name), zap.String("host", job.Host))
	base := model.TaskResult{
		Name:      job.Name,
		Host:      job.Host,
		Kind:      job.Kind,
		Status:    model.TaskStatusRunning,
		StartedAt: time.Now(),
	}

	sess, err := b.provider.Open(ctx, job.Host)
	if err != nil {
		b.console.Error(job.Host, "Could not open session: %v", err)
		return b.fail(logger, base, fmt.Errorf("open session for %s: %w", job.Host, err))
	}
	defer func() {
		if err := sess.Close(); err != nil {
			logger.Warn("Failed to close session", zap.Error(err))
		}
	}()

	var (
		task   model.TaskResult
		runErr error
	)
	if recovered := panics.Try(func() { task, runErr = job.Run(ctx, sess) }); recovered != nil {
		logger.Error("Task panicked", zap.String("panic", recovered.String()))
		b.console.Error(job.Host, "Task %s panicked: %v", job.Name, recovered.Value)
		return b.fail(logger, base, fmt.Errorf("%w: %s: %v", ErrTaskPanicked, job.Name, recovered.Value))
	}

	task = merge(base, task)
	if runErr != nil {
		if ctx.Err() != nil && errors.Is(runErr, ctx.Err()) {
			runErr = fmt.Errorf("%w: %s: %v", ErrTaskCancelled, job.Name, runErr)
			task.Status = model.TaskStatusCanceled
		} else {
			task.Status = model.TaskStatusFailed
		}
		task.Error = runErr.Error()
		logger.Warn("Task failed", zap.Error(runErr))
		return Result{TaskResult: task, Err: runErr}
	}

	if task.Status == model.TaskStatusRunning || task.Status == "" {
		task.Status = model.TaskStatusCompleted
	}
	logger.Debug("Task finished",
		zap.String("status", string(task.Status)),
		zap.Duration("duration", task.Duration()))
	return Result{TaskResult: task}
}

func (b *Batch) fail(logger *zap.Logger, task model.TaskResult, err error) Result {
	task.Status = model.TaskStatusFailed
	task.Error = err.Error()
	task.CompletedAt = time.Now()
	logger.Error("Task aborted", zap.Error(err))
	return Result{TaskResult: task, Err: err}
}

// merge fills the identity and timing fields a task left empty
func merge(base, task model.TaskResult) model.TaskResult {
	if task.Name == "" {
		task.Name = base.Name
	}
	if task.Host == "" {
		task.Host = base.Host
	}
	if task.Kind == "" {
		task.Kind = base.Kind
	}
	if task.Status == "" {
		task.Status = base.Status
	}
	if task.StartedAt.IsZero() {
		task.StartedAt = base.StartedAt
	}
	if task.CompletedAt.IsZero() {
		task.CompletedAt = time.Now()
	}
	return task
}
