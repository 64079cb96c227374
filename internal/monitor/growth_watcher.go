package monitor

import (
	"context"
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/exprunner/internal/console"
	"github.com/t77yq/exprunner/internal/executor"
	"github.com/t77yq/exprunner/internal/model"
	"github.com/t77yq/exprunner/internal/session"
)

// GrowthSample is one line count observation
type GrowthSample struct {
	LineCount int
	At        time.Time
}

// Growth classifies a sample against the previous one
type Growth int

const (
	// GrowthSeeded is the first sample, with nothing to compare to
	GrowthSeeded Growth = iota
	GrowthGrowing
	GrowthStagnant
)

func (g Growth) String() string {
	switch g {
	case GrowthSeeded:
		return "seeded"
	case GrowthGrowing:
		return "growing"
	case GrowthStagnant:
		return "stagnant"
	default:
		return "unknown"
	}
}

// GrowthTracker keeps only the most recent sample
type GrowthTracker struct {
	last *GrowthSample
}

// Observe classifies sample and makes it the new reference
func (t *GrowthTracker) Observe(sample GrowthSample) (Growth, int) {
	prev := t.last
	t.last = &sample
	if prev == nil {
		return GrowthSeeded, 0
	}
	if sample.LineCount > prev.LineCount {
		return GrowthGrowing, prev.LineCount
	}
	return GrowthStagnant, prev.LineCount
}

// Last returns the most recent sample, if any
func (t *GrowthTracker) Last() (GrowthSample, bool) {
	if t.last == nil {
		return GrowthSample{}, false
	}
	return *t.last, true
}

// GrowthSpec names a file whose line count must keep increasing
type GrowthSpec struct {
	Host     string        `mapstructure:"host"`
	Path     string        `mapstructure:"path"`
	Interval time.Duration `mapstructure:"interval"`
	Label    string        `mapstructure:"label"`
}

// DisplayLabel returns the label, defaulting to host:basename
func (g GrowthSpec) DisplayLabel() string {
	if g.Label != "" {
		return g.Label
	}
	return g.Host + ":" + path.Base(g.Path)
}

// GrowthSummary counts what a growth watcher saw before it was stopped
type GrowthSummary struct {
	Samples  int
	Stagnant int
	Failures int
}

// GrowthWatcher samples a file's line count until its context ends
type GrowthWatcher struct {
	logger         *zap.Logger
	runner         *executor.Runner
	shell          executor.Shell
	console        *console.Sink
	commandTimeout time.Duration
}

// NewGrowthWatcher creates a growth watcher
func NewGrowthWatcher(runner *executor.Runner, shell executor.Shell, sink *console.Sink, commandTimeout time.Duration, logger *zap.Logger) *GrowthWatcher {
	return &GrowthWatcher{
		logger:         logger.Named("growth_watcher"),
		runner:         runner,
		shell:          shell,
		console:        sink,
		commandTimeout: commandTimeout,
	}
}

// Watch samples spec.Path every spec.Interval. Cancelling ctx stops it; a
// cancelled watch is the normal way to finish and is reported as completed.
func (w *GrowthWatcher) Watch(ctx context.Context, sess session.Session, spec GrowthSpec) (model.TaskResult, GrowthSummary) {
	label := spec.DisplayLabel()
	interval := spec.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}

	result := model.TaskResult{
		Name:      label,
		Host:      sess.Target().Host,
		Kind:      model.TaskKindGrowthWatch,
		Status:    model.TaskStatusRunning,
		StartedAt: time.Now(),
	}

	var (
		tracker GrowthTracker
		summary GrowthSummary
	)

	for ctx.Err() == nil {
		w.sample(ctx, sess, spec, &tracker, &summary)

		select {
		case <-ctx.Done():
		case <-time.After(interval):
		}
	}

	result.Status = model.TaskStatusCompleted
	result.CompletedAt = time.Now()
	result.Output = fmt.Sprintf("%d samples, %d stagnant, %d failed", summary.Samples, summary.Stagnant, summary.Failures)

	w.logger.Info("Growth watch stopped",
		zap.String("label", label),
		zap.Int("samples", summary.Samples),
		zap.Int("stagnant", summary.Stagnant),
		zap.Int("failures", summary.Failures))
	return result, summary
}

func (w *GrowthWatcher) sample(ctx context.Context, sess session.Session, spec GrowthSpec, tracker *GrowthTracker, summary *GrowthSummary) {
	label := spec.DisplayLabel()
	host := sess.Target().Host

	outcome := w.runner.Run(ctx, sess, w.shell.LineCount(spec.Path), w.commandTimeout)
	if ctx.Err() != nil {
		return
	}
	if !outcome.Succeeded || outcome.ExitCode != 0 {
		summary.Failures++
		w.console.Error(label, "Failed to check log file on %s.", host)
		return
	}

	count, err := ParseLineCount(outcome.Output)
	if err != nil {
		summary.Failures++
		w.console.Error(label, "Failed to parse wc output: %s - %v", outcome.Output, err)
		return
	}

	summary.Samples++
	growth, prev := tracker.Observe(GrowthSample{LineCount: count, At: time.Now()})
	switch growth {
	case GrowthSeeded:
		w.console.Success(label, "Log growing: - → %d", count)
	case GrowthGrowing:
		w.console.Success(label, "Log growing: %d → %d", prev, count)
	case GrowthStagnant:
		summary.Stagnant++
		w.console.Error(label, "Log is NOT growing! (%d → %d)", prev, count)
	}
}

// ParseLineCount reads the count from `wc -l` output
func ParseLineCount(output string) (int, error) {
	fields := strings.Fields(output)
	if len(fields) == 0 {
		return 0, fmt.Errorf("empty wc output")
	}
	n, err := strconv.Atoi(fields[0])
	if err != nil {
		return 0, fmt.Errorf("parse line count %q: %w", fields[0], err)
	}
	return n, nil
}
