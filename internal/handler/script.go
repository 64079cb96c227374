package handler

import (
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

// ScriptSpec describes an auxiliary logging or analysis script
type ScriptSpec struct {
	Name       string `mapstructure:"name"`
	Host       string `mapstructure:"host"`
	Command    string `mapstructure:"command"`
	Program    string `mapstructure:"program"`
	WorkingDir string `mapstructure:"working_dir"`
	// Conflicts are killed before the script starts
	Conflicts []string `mapstructure:"conflicts"`
}

// ScriptConfig holds the waits of the script lifecycle
type ScriptConfig struct {
	StartTimeout   time.Duration
	StartupWait    time.Duration
	PreKillWait    time.Duration
	Grace          time.Duration
	CommandTimeout time.Duration
}

// DefaultScriptConfig returns the script lifecycle waits
func DefaultScriptConfig() ScriptConfig {
	return ScriptConfig{
		StartTimeout:   10 * time.Second,
		StartupWait:    2 * time.Second,
		PreKillWait:    time.Second,
		Grace:          2 * time.Second,
		CommandTimeout: executor.DefaultCommandTimeout,
	}
}

// ScriptHandler starts long-running scripts and tears them down
type ScriptHandler struct {
	Handler
	config ScriptConfig
}

// NewScriptHandler creates a script handler
func NewScriptHandler(runner *executor.Runner, shell executor.Shell, sink *console.Sink, config ScriptConfig, logger *zap.Logger) *ScriptHandler {
	return &ScriptHandler{
		Handler: newHandler("script", runner, shell, sink, config.CommandTimeout, logger),
		config:  config,
	}
}

// PreKill terminates any running instance of the given programs
func (h *ScriptHandler) PreKill(ctx context.Context, sess session.Session, programs []string) error {
	host := sess.Target().Host
	for _, prog := range programs {
		outcome := h.runner.Run(ctx, sess, h.shell.Pgrep(prog), h.commandTimeout)
		pids := pidLines(outcome)
		if len(pids) == 0 {
			h.console.Success(host, "No '%s' running.", prog)
			continue
		}

		h.console.Warn(host, "Found '%s' with PIDs: %s. Killing...", prog, strings.Join(pids, ", "))
		for _, pid := range pids {
			h.runner.Run(ctx, sess, h.shell.KillForce(pid), h.commandTimeout)
		}
		if err := sleep(ctx, h.config.PreKillWait); err != nil {
			return err
		}
	}
	return nil
}

// Start launches spec and verifies it by pid. The pid is the result output.
func (h *ScriptHandler) Start(ctx context.Context, sess session.Session, spec ScriptSpec) (model.TaskResult, error) {
	host := sess.Target().Host
	program := spec.program()
	result := startResult(model.TaskKindScript)
	result.Name = spec.Name

	if err := h.PreKill(ctx, sess, spec.Conflicts); err != nil {
		return finish(result, err)
	}

	h.console.Warn(host, "Launching: %s", spec.Command)
	outcome := h.runner.Run(ctx, sess, h.shell.InDir(spec.WorkingDir, spec.Command), h.config.StartTimeout)
	if !outcome.Succeeded {
		h.console.Error(host, "Failed to start '%s':\n%s", spec.Command, outcome.Output)
		return finish(result, fmt.Errorf("%w: %s on %s: %s", ErrScriptStart, spec.Command, host, outcome.Output))
	}

	if err := sleep(ctx, h.config.StartupWait); err != nil {
		return finish(result, err)
	}

	outcome = h.runner.Run(ctx, sess, h.shell.Pgrep(program), h.commandTimeout)
	pids := pidLines(outcome)
	if len(pids) == 0 {
		h.console.Error(host, "Could not detect PID for '%s':\n%s", program, outcome.Output)
		return finish(result, fmt.Errorf("%w: %s on %s", executor.ErrProcessNotFound, program, host))
	}
	pid := pids[0]

	outcome = h.runner.Run(ctx, sess, h.shell.PidOnly(pid), h.commandTimeout)
	if !outcome.Succeeded || strings.TrimSpace(outcome.Stdout) != pid {
		h.console.Error(host, "Process PID %s not running.", pid)
		return finish(result, fmt.Errorf("%w: %s pid %s on %s", executor.ErrProcessNotFound, program, pid, host))
	}

	h.console.Success(host, "%s running with PID: %s", program, pid)
	h.logger.Info("Script started",
		zap.String("host", host),
		zap.String("program", program),
		zap.String("pid", pid))
	result.Output = pid
	return finish(result, nil)
}

// Cleanup asks the script to stop, then escalates to SIGINT and SIGKILL
func (h *ScriptHandler) Cleanup(ctx context.Context, sess session.Session, spec ScriptSpec) (model.TaskResult, error) {
	host := sess.Target().Host
	program := spec.program()
	result := startResult(model.TaskKindCleanup)
	result.Name = spec.Name

	h.console.Info(host, "Stopping %s", program)
	h.runner.Run(ctx, sess, h.shell.InDir(spec.WorkingDir, "sudo ./"+program+" -k"), h.commandTimeout)

	if !h.lingering(ctx, sess, program) {
		result.Output = "stopped"
		return finish(result, nil)
	}

	h.console.Warn(host, "%s still running, sending SIGINT", program)
	h.runner.Run(ctx, sess, h.shell.Pkill(2, program), h.commandTimeout)
	if err := sleep(ctx, h.config.Grace); err != nil {
		return finish(result, err)
	}

	if !h.lingering(ctx, sess, program) {
		result.Output = "stopped after SIGINT"
		return finish(result, nil)
	}

	h.console.Error(host, "%s ignored SIGINT, sending SIGKILL", program)
	h.runner.Run(ctx, sess, h.shell.Pkill(9, program), h.commandTimeout)

	if h.lingering(ctx, sess, program) {
		return finish(result, fmt.Errorf("%w: %s on %s", ErrScriptLingering, program, host))
	}
	result.Output = "killed"
	return finish(result, nil)
}

func (h *ScriptHandler) lingering(ctx context.Context, sess session.Session, program string) bool {
	outcome := h.runner.Run(ctx, sess, h.shell.ProcessList(program), h.commandTimeout)
	return outcome.Succeeded && strings.TrimSpace(outcome.Stdout) != ""
}

func (s ScriptSpec) program() string {
	if s.Program != "" {
		return s.Program
	}
	return executor.ProgramName(s.Command)
}

// pidLines returns the numeric lines of a pgrep outcome
func pidLines(outcome model.CommandOutcome) []string {
	if !outcome.Succeeded {
		return nil
	}
	var pids []string
	for _, line := range strings.Split(outcome.Stdout, "\n") {
		line = strings.TrimSpace(line)
		if executor.IsPid(line) {
			pids = append(pids, line)
		}
	}
	return pids
}
