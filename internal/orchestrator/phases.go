package orchestrator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/exprunner/internal/executor"
	"github.com/t77yq/exprunner/internal/handler"
	"github.com/t77yq/exprunner/internal/model"
	"github.com/t77yq/exprunner/internal/scheduler"
	"github.com/t77yq/exprunner/internal/session"
)

// Prerequisite checks services, resets conntrack and verifies that the
// precheck traffic shows up in the testbed logs. It returns the number of
// keyword matches seen across all precheck watchers.
func (e *Experiment) Prerequisite(ctx context.Context) (int, error) {
	cfg := e.config
	e.console.Info("", "Running prerequisite checks")
	e.phase(ctx, model.EventTypePhaseStarted, model.PhasePrerequisite, 0)

	e.record(ctx, model.PhasePrerequisite, 0, e.batch.RunAll(ctx, e.serviceJobs()))
	e.record(ctx, model.PhasePrerequisite, 0, e.batch.RunAll(ctx, e.conntrackJobs()))

	if err := sleep(ctx, cfg.Precheck.SettleDelay); err != nil {
		return 0, err
	}

	watchers := e.batch.Start(ctx, e.watchJobs())
	clients := e.batch.RunAll(ctx, e.clientJobs(cfg.Precheck.Clients))
	e.record(ctx, model.PhasePrerequisite, 0, clients)

	watched := watchers.Wait()
	e.record(ctx, model.PhasePrerequisite, 0, watched)
	matches := watched.SumMatched()
	e.phase(ctx, model.EventTypePhaseFinished, model.PhasePrerequisite, 0)

	if err := ctx.Err(); err != nil {
		return matches, err
	}
	if matches < cfg.Precheck.RequiredMatches {
		e.console.Error("", "Not enough matches to start the experiment (%d of %d).", matches, cfg.Precheck.RequiredMatches)
		return matches, fmt.Errorf("%w: %d of %d", ErrNotEnoughMatches, matches, cfg.Precheck.RequiredMatches)
	}

	e.console.Success("", "Prerequisites satisfied with %d matches.", matches)
	return matches, nil
}

// Setup starts every logging script in order. On the first failure the
// scripts started so far, including the failing one, are cleaned up.
func (e *Experiment) Setup(ctx context.Context) error {
	e.console.Info("", "Starting logging scripts")
	e.phase(ctx, model.EventTypePhaseStarted, model.PhaseSetup, 0)
	defer e.phase(ctx, model.EventTypePhaseFinished, model.PhaseSetup, 0)

	for i, spec := range e.config.Scripts {
		spec := spec
		results := e.batch.RunAll(ctx, []scheduler.Job{{
			Name: spec.Name,
			Host: spec.Host,
			Kind: model.TaskKindScript,
			Run: func(ctx context.Context, sess session.Session) (model.TaskResult, error) {
				return e.scripts.Start(ctx, sess, spec)
			},
		}})
		e.record(ctx, model.PhaseSetup, 0, results)

		if err := results.Err(); err != nil {
			e.console.Error(spec.Host, "Setup of %s failed: %v", spec.Name, err)
			e.logger.Error("Setup failed", zap.String("script", spec.Name), zap.Error(err))

			cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), TeardownTimeout)
			defer cancel()
			e.cleanup(cleanupCtx, model.PhaseSetup, e.config.Scripts[:i+1])
			return fmt.Errorf("%w: %s: %w", ErrSetupFailed, spec.Name, err)
		}
	}
	return nil
}

// Iterate runs one measurement iteration and returns the client results
func (e *Experiment) Iterate(ctx context.Context, iteration int) scheduler.Results {
	cfg := e.config
	e.console.Info("", "=== Iteration %d/%d ===", iteration, cfg.Iteration.Repeats)
	e.phase(ctx, model.EventTypeIterationMarker, model.PhaseIteration, iteration)

	e.record(ctx, model.PhaseIteration, iteration, e.batch.RunAll(ctx, e.conntrackJobs()))

	watchCtx, stopWatchers := context.WithCancel(ctx)
	defer stopWatchers()
	watchers := e.batch.Start(watchCtx, e.growthJobs())

	clients := e.batch.RunAll(ctx, e.clientJobs(cfg.Iteration.Clients))
	e.record(ctx, model.PhaseIteration, iteration, clients)

	stopWatchers()
	e.record(ctx, model.PhaseIteration, iteration, watchers.Wait())

	if failed := clients.Failed(); len(failed) > 0 {
		e.console.Error("", "Iteration %d: %d of %d clients failed.", iteration, len(failed), len(clients))
	}
	return clients
}

// Teardown stops every logging script
func (e *Experiment) Teardown(ctx context.Context) {
	e.console.Info("", "Cleaning up logging scripts")
	e.phase(ctx, model.EventTypePhaseStarted, model.PhaseTeardown, 0)
	e.cleanup(ctx, model.PhaseTeardown, e.config.Scripts)
	e.phase(ctx, model.EventTypePhaseFinished, model.PhaseTeardown, 0)
}

func (e *Experiment) cleanup(ctx context.Context, phase model.Phase, scripts []handler.ScriptSpec) {
	jobs := make([]scheduler.Job, 0, len(scripts))
	for _, spec := range scripts {
		spec := spec
		jobs = append(jobs, scheduler.Job{
			Name: "Cleanup-" + spec.Host + "-" + spec.Name,
			Host: spec.Host,
			Kind: model.TaskKindCleanup,
			Run: func(ctx context.Context, sess session.Session) (model.TaskResult, error) {
				return e.scripts.Cleanup(ctx, sess, spec)
			},
		})
	}

	results := e.batch.RunAll(ctx, jobs)
	e.record(ctx, phase, 0, results)
	if err := results.Err(); err != nil {
		e.logger.Warn("Cleanup incomplete", zap.Error(err))
	}
}

func (e *Experiment) serviceJobs() []scheduler.Job {
	return scheduler.Fanout(e.config.ServiceHosts(), func(host string) scheduler.Job {
		units := e.config.Services[host]
		return scheduler.Job{
			Name: "Services-" + host,
			Host: host,
			Kind: model.TaskKindServiceCheck,
			Run: func(ctx context.Context, sess session.Session) (model.TaskResult, error) {
				return e.services.CheckAndStart(ctx, sess, units)
			},
		}
	})
}

func (e *Experiment) conntrackJobs() []scheduler.Job {
	return scheduler.Fanout(e.config.ConntrackHosts, func(host string) scheduler.Job {
		return scheduler.Job{
			Name: "Conntrack-" + host,
			Host: host,
			Kind: model.TaskKindConntrack,
			Run:  e.conntrack.Flush,
		}
	})
}

func (e *Experiment) watchJobs() []scheduler.Job {
	jobs := make([]scheduler.Job, 0, len(e.config.Precheck.Watchers))
	for _, spec := range e.config.Precheck.Watchers {
		spec := spec
		jobs = append(jobs, scheduler.Job{
			Name: spec.Name,
			Host: spec.Host,
			Kind: model.TaskKindKeywordWatch,
			Run: func(ctx context.Context, sess session.Session) (model.TaskResult, error) {
				return e.keywords.Watch(ctx, sess, spec)
			},
		})
	}
	return jobs
}

func (e *Experiment) growthJobs() []scheduler.Job {
	jobs := make([]scheduler.Job, 0, len(e.config.Iteration.Growth))
	for _, spec := range e.config.Iteration.Growth {
		spec := spec
		jobs = append(jobs, scheduler.Job{
			Name: spec.DisplayLabel(),
			Host: spec.Host,
			Kind: model.TaskKindGrowthWatch,
			Run: func(ctx context.Context, sess session.Session) (model.TaskResult, error) {
				result, _ := e.growth.Watch(ctx, sess, spec)
				return result, nil
			},
		})
	}
	return jobs
}

func (e *Experiment) clientJobs(specs []executor.ClientSpec) []scheduler.Job {
	jobs := make([]scheduler.Job, 0, len(specs))
	for _, spec := range specs {
		spec := spec
		jobs = append(jobs, scheduler.Job{
			Name: spec.Name,
			Host: spec.Host,
			Kind: model.TaskKindClient,
			Run: func(ctx context.Context, sess session.Session) (model.TaskResult, error) {
				return e.clients.Run(ctx, sess, spec)
			},
		})
	}
	return jobs
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
