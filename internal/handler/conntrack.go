package handler

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/exprunner/internal/console"
	"github.com/t77yq/exprunner/internal/executor"
	"github.com/t77yq/exprunner/internal/model"
	"github.com/t77yq/exprunner/internal/session"
)

// ConntrackHandler resets the kernel connection tracking table
type ConntrackHandler struct {
	Handler
}

// NewConntrackHandler creates a conntrack handler
func NewConntrackHandler(runner *executor.Runner, shell executor.Shell, sink *console.Sink, commandTimeout time.Duration, logger *zap.Logger) *ConntrackHandler {
	return &ConntrackHandler{Handler: newHandler("conntrack", runner, shell, sink, commandTimeout, logger)}
}

// Flush clears the conntrack table on sess
func (h *ConntrackHandler) Flush(ctx context.Context, sess session.Session) (model.TaskResult, error) {
	host := sess.Target().Host
	result := startResult(model.TaskKindConntrack)

	h.console.Info(host, "Flushing conntrack table...")
	outcome := h.runner.Run(ctx, sess, h.shell.ConntrackFlush(), h.commandTimeout)
	result.Output = outcome.Output
	if !outcome.Succeeded || outcome.ExitCode != 0 {
		h.console.Error(host, "Failed to flush conntrack table: %s", outcome.Output)
		h.logger.Warn("Conntrack flush failed", zap.String("host", host), zap.Error(outcome.Err))
		return finish(result, fmt.Errorf("%w on %s: %s", ErrConntrackFlush, host, outcome.Output))
	}

	h.console.Success(host, "Conntrack table flushed.")
	return finish(result, nil)
}
