package handler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/exprunner/internal/console"
	"github.com/t77yq/exprunner/internal/executor"
	"github.com/t77yq/exprunner/internal/model"
	"github.com/t77yq/exprunner/internal/session"
)

// ClientHandler launches a traffic client and supervises it to a terminal state
type ClientHandler struct {
	Handler
	supervisor *executor.Supervisor
}

// NewClientHandler creates a client handler around supervisor
func NewClientHandler(supervisor *executor.Supervisor, sink *console.Sink, logger *zap.Logger) *ClientHandler {
	return &ClientHandler{
		Handler:    Handler{logger: logger.Named("client"), console: sink},
		supervisor: supervisor,
	}
}

// Run supervises spec on sess. A stuck client that was killed is a
// completed task; a client left running at the ceiling is not.
func (h *ClientHandler) Run(ctx context.Context, sess session.Session, spec executor.ClientSpec) (model.TaskResult, error) {
	host := sess.Target().Host
	result := startResult(model.TaskKindClient)
	result.Name = spec.Name

	h.console.Info(host, "Client started (running '%s')", spec.Command)
	defer h.console.Info(host, "Client finished")

	report, err := h.supervisor.Supervise(ctx, sess, spec)
	result.State = report.State
	result.Output = report.FinalOutput
	if err != nil {
		return finish(result, err)
	}

	switch report.State {
	case model.SupervisionStuck:
		result.Error = report.Cause.Error()
		result.CompletedAt = time.Now()
		result.Status = model.TaskStatusCompleted
		h.logger.Warn("Client killed as stuck",
			zap.String("host", host),
			zap.String("program", report.Program),
			zap.Int("checks", report.Checks))
		return result, nil
	case model.SupervisionTimedOut:
		return finish(result, report.Cause)
	default:
		return finish(result, nil)
	}
}
