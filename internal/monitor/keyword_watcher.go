package monitor

import (
	"bufio"
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/exprunner/internal/console"
	"github.com/t77yq/exprunner/internal/executor"
	"github.com/t77yq/exprunner/internal/model"
	"github.com/t77yq/exprunner/internal/session"
)

// WatchSpec describes one log file to watch for keyword evidence
type WatchSpec struct {
	Name       string        `mapstructure:"name"`
	Host       string        `mapstructure:"host"`
	Path       string        `mapstructure:"path"`
	Expression string        `mapstructure:"expression"`
	Deadline   time.Duration `mapstructure:"deadline"`
	Truncate   bool          `mapstructure:"truncate"`
	Echo       bool          `mapstructure:"echo"`
}

// KeywordWatcherConfig tunes the live tail loop
type KeywordWatcherConfig struct {
	PollInterval   time.Duration
	ProgressEvery  time.Duration
	CommandTimeout time.Duration
}

// DefaultKeywordWatcherConfig returns the default tail loop settings
func DefaultKeywordWatcherConfig() KeywordWatcherConfig {
	return KeywordWatcherConfig{
		PollInterval:   200 * time.Millisecond,
		ProgressEvery:  10 * time.Second,
		CommandTimeout: executor.DefaultCommandTimeout,
	}
}

// KeywordWatcher resolves a keyword condition against a log file, first
// from its current content and then from a live, deadline-bounded tail
type KeywordWatcher struct {
	logger  *zap.Logger
	runner  *executor.Runner
	shell   executor.Shell
	console *console.Sink
	config  KeywordWatcherConfig
}

// NewKeywordWatcher creates a keyword watcher
func NewKeywordWatcher(runner *executor.Runner, shell executor.Shell, sink *console.Sink, config KeywordWatcherConfig, logger *zap.Logger) *KeywordWatcher {
	if config.PollInterval <= 0 {
		config.PollInterval = 200 * time.Millisecond
	}
	return &KeywordWatcher{
		logger:  logger.Named("keyword_watcher"),
		runner:  runner,
		shell:   shell,
		console: sink,
		config:  config,
	}
}

// Watch runs both phases for spec on sess. The returned result always
// carries the number of matched keywords, also when err is non-nil.
func (w *KeywordWatcher) Watch(ctx context.Context, sess session.Session, spec WatchSpec) (model.TaskResult, error) {
	host := sess.Target().Host
	result := model.TaskResult{
		Name:      spec.Name,
		Host:      host,
		Kind:      model.TaskKindKeywordWatch,
		Status:    model.TaskStatusRunning,
		StartedAt: time.Now(),
	}

	keywords, err := ParseKeywords(spec.Expression)
	if err != nil {
		return w.finish(result, nil, err), err
	}
	state := NewMatchState(keywords)
	start := time.Now()

	w.console.Info(host, "Watching %s for %s", spec.Path, strings.Join(keywords, ", "))

	if spec.Truncate {
		w.console.Warn(host, "Truncating %s", spec.Path)
		outcome := w.runner.Run(ctx, sess, w.shell.Truncate(spec.Path), w.config.CommandTimeout)
		if !outcome.Succeeded {
			w.logger.Warn("Truncate failed",
				zap.String("host", host),
				zap.String("path", spec.Path),
				zap.Error(outcome.Err))
		}
	}

	w.catchUp(ctx, sess, spec, state, spec.Deadline-time.Since(start))
	if state.Satisfied() {
		w.console.Success(host, "All keywords matched in existing content! Skipping tail.")
		return w.finish(result, state, nil), nil
	}

	remaining := spec.Deadline - time.Since(start)
	if remaining <= 0 {
		return w.finish(result, state, nil), nil
	}

	err = w.follow(ctx, sess, spec, state, remaining)
	return w.finish(result, state, err), err
}

// catchUp scans the current file content, stdout only. The read is bounded
// by whatever is left of the watch deadline.
func (w *KeywordWatcher) catchUp(ctx context.Context, sess session.Session, spec WatchSpec, state *MatchState, remaining time.Duration) {
	host := sess.Target().Host
	if remaining <= 0 {
		return
	}
	outcome := w.runner.Run(ctx, sess, w.shell.Cat(spec.Path), min(w.config.CommandTimeout, remaining))
	if !outcome.Succeeded {
		w.logger.Warn("Reading existing content failed",
			zap.String("host", host),
			zap.String("path", spec.Path),
			zap.Error(outcome.Err))
		return
	}

	for _, line := range strings.Split(outcome.Stdout, "\n") {
		line = strings.TrimSpace(line)
		for _, kw := range state.Mark(line) {
			w.console.Success(host, "Matched keyword in existing content: '%s'", kw)
		}
		if spec.Echo && line != "" {
			w.console.Log(host, "cat", line)
		}
	}
}

// follow tails the file until every keyword matched or remaining elapsed
func (w *KeywordWatcher) follow(ctx context.Context, sess session.Session, spec WatchSpec, state *MatchState, remaining time.Duration) error {
	host := sess.Target().Host
	command := w.shell.Follow(spec.Path, remaining)
	w.console.Warn(host, "Executing command: %s", command)

	stream, err := sess.Stream(ctx, command)
	if err != nil {
		return fmt.Errorf("%w: open follow stream on %s: %v", executor.ErrTransport, host, err)
	}
	defer stream.Close()

	done := make(chan struct{})
	defer close(done)

	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(stream)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-done:
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	deadline := time.NewTimer(remaining)
	defer deadline.Stop()
	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	milestones := executor.NewMilestones(w.config.ProgressEvery)
	tailStart := time.Now()
	w.console.Warn(host, "%d seconds remaining", int(remaining.Seconds()))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-deadline.C:
			w.console.Info(host, "Monitoring finished for %s.", spec.Path)
			return nil

		case <-ticker.C:
			if elapsed := time.Since(tailStart); milestones.Due(elapsed) {
				w.console.Warn(host, "%d seconds remaining", int((remaining - elapsed).Seconds()))
			}

		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					if err != nil {
						return fmt.Errorf("%w: read follow stream on %s: %v", executor.ErrTransport, host, err)
					}
				default:
				}
				w.console.Info(host, "Monitoring finished for %s.", spec.Path)
				return nil
			}

			line = strings.TrimSpace(line)
			for _, kw := range state.Mark(line) {
				w.console.Success(host, "Matched keyword: '%s'", kw)
			}
			if spec.Echo && line != "" {
				w.console.Log(host, "tail", line)
			}
			if state.Satisfied() {
				w.console.Success(host, "All keywords matched! Exiting early.")
				return nil
			}
		}
	}
}

func (w *KeywordWatcher) finish(result model.TaskResult, state *MatchState, err error) model.TaskResult {
	result.CompletedAt = time.Now()
	if state != nil {
		result.Matched = state.Count()
		result.Output = fmt.Sprintf("matched %d of %d keywords", state.Count(), len(state.keywords))
	}
	if err != nil {
		result.Status = model.TaskStatusFailed
		result.Error = err.Error()
		w.console.Error(result.Host, "Exception in keyword watcher: %v", err)
	} else {
		result.Status = model.TaskStatusCompleted
	}

	w.logger.Info("Keyword watch finished",
		zap.String("host", result.Host),
		zap.String("name", result.Name),
		zap.Int("matched", result.Matched),
		zap.Duration("duration", result.Duration()))
	return result
}
