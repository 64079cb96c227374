package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/exprunner/internal/model"
	"github.com/t77yq/exprunner/internal/session"
)

// DefaultCommandTimeout is used when a caller passes a non-positive deadline
const DefaultCommandTimeout = 5 * time.Second

// Runner executes single commands against a session under a deadline.
// It never returns an error: every failure is folded into the outcome.
type Runner struct {
	logger *zap.Logger
}

// NewRunner creates a bounded command runner
func NewRunner(logger *zap.Logger) *Runner {
	return &Runner{
		logger: logger.Named("runner"),
	}
}

// Run executes command on sess. If deadline elapses first the in-flight
// command is cancelled and the outcome carries ErrTimeout.
func (r *Runner) Run(ctx context.Context, sess session.Session, command string, deadline time.Duration) model.CommandOutcome {
	if deadline <= 0 {
		deadline = DefaultCommandTimeout
	}
	host := sess.Target().Host

	runCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	start := time.Now()
	out, err := invoke(runCtx, sess, command)

	outcome := model.CommandOutcome{
		Host:     host,
		Command:  command,
		ExitCode: out.ExitCode,
		Duration: time.Since(start),
	}

	switch {
	case err == nil:
		outcome.Succeeded = true
		outcome.Stdout = strings.TrimSpace(string(out.Stdout))
		outcome.Stderr = strings.TrimSpace(string(out.Stderr))
		outcome.Output = outcome.Stdout
		if outcome.Output == "" {
			outcome.Output = outcome.Stderr
		}
		r.logger.Info("Command completed",
			zap.String("host", host),
			zap.String("command", command),
			zap.Int("exit_code", outcome.ExitCode),
			zap.Duration("duration", outcome.Duration))

	case ctx.Err() != nil:
		outcome.Err = fmt.Errorf("%w while running: %s", ErrCanceled, command)
		outcome.Output = outcome.Err.Error()
		r.logger.Warn("Command canceled",
			zap.String("host", host),
			zap.String("command", command))

	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		outcome.Err = fmt.Errorf("%w after %s while running: %s", ErrTimeout, deadline, command)
		outcome.Output = outcome.Err.Error()
		r.logger.Warn("Timeout exceeded",
			zap.String("host", host),
			zap.String("command", command),
			zap.Duration("deadline", deadline))

	default:
		outcome.Err = fmt.Errorf("%w during command %q: %v", ErrTransport, command, err)
		outcome.Output = err.Error()
		r.logger.Error("Exception during command",
			zap.String("host", host),
			zap.String("command", command),
			zap.Error(err))
	}

	return outcome
}

// invoke shields the caller from panics raised by a session implementation
func invoke(ctx context.Context, sess session.Session, command string) (out session.Output, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("session panic: %v", r)
		}
	}()
	return sess.Run(ctx, command)
}
