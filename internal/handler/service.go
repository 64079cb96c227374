package handler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/t77yq/exprunner/internal/console"
	"github.com/t77yq/exprunner/internal/executor"
	"github.com/t77yq/exprunner/internal/model"
	"github.com/t77yq/exprunner/internal/session"
)

// ServiceStartTimeout bounds a systemctl start
const ServiceStartTimeout = 10 * time.Second

// ServiceHandler makes sure systemd units are running
type ServiceHandler struct {
	Handler
}

// NewServiceHandler creates a service handler
func NewServiceHandler(runner *executor.Runner, shell executor.Shell, sink *console.Sink, commandTimeout time.Duration, logger *zap.Logger) *ServiceHandler {
	return &ServiceHandler{Handler: newHandler("service", runner, shell, sink, commandTimeout, logger)}
}

// CheckAndStart checks every service and starts the inactive ones. Every
// service is attempted; the failures are combined into the returned error.
func (h *ServiceHandler) CheckAndStart(ctx context.Context, sess session.Session, services []string) (model.TaskResult, error) {
	host := sess.Target().Host
	result := startResult(model.TaskKindServiceCheck)
	h.console.Info(host, "Service check started for %s", strings.Join(services, ", "))

	var errs error
	var running []string
	for _, service := range services {
		if err := h.ensure(ctx, sess, service); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		running = append(running, service)
	}

	result.Output = fmt.Sprintf("%d of %d services running", len(running), len(services))
	h.console.Info(host, "Service check finished")
	return finish(result, errs)
}

// Active reports whether systemd considers service active
func (h *ServiceHandler) Active(ctx context.Context, sess session.Session, service string) bool {
	outcome := h.runner.Run(ctx, sess, h.shell.ServiceActive(service), h.commandTimeout)
	return outcome.Succeeded && strings.TrimSpace(outcome.Stdout) == "active"
}

func (h *ServiceHandler) ensure(ctx context.Context, sess session.Session, service string) error {
	host := sess.Target().Host
	if h.Active(ctx, sess, service) {
		h.console.Success(host, "%s is already running.", service)
		return nil
	}

	h.console.Warn(host, "%s is not running. Attempting to start...", service)
	outcome := h.runner.Run(ctx, sess, h.shell.ServiceStart(service), ServiceStartTimeout)
	if !outcome.Succeeded || outcome.ExitCode != 0 {
		h.console.Error(host, "Failed to start %s: %s", service, outcome.Output)
		h.logger.Warn("Service start failed",
			zap.String("host", host),
			zap.String("service", service),
			zap.Int("exit_code", outcome.ExitCode),
			zap.Error(outcome.Err))
		return fmt.Errorf("%w: %s on %s: %s", ErrServiceUnavailable, service, host, outcome.Output)
	}

	h.console.Success(host, "Started %s successfully.", service)
	return nil
}
