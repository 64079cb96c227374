package executor

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/exprunner/internal/console"
	"github.com/t77yq/exprunner/internal/model"
	"github.com/t77yq/exprunner/internal/session"
)

// TimeoutPolicy decides what happens to a process still alive at the ceiling
type TimeoutPolicy string

const (
	// TimeoutLeave leaves the process running and stops tracking it
	TimeoutLeave TimeoutPolicy = "leave"
	// TimeoutKill terminates the process
	TimeoutKill TimeoutPolicy = "kill"
)

// SupervisorConfig defines how remote clients are launched and watched
type SupervisorConfig struct {
	CheckStuck     bool
	CheckInterval  time.Duration
	StuckChecks    int
	TailLines      int
	Ceiling        time.Duration
	ProgressEvery  time.Duration
	CommandTimeout time.Duration
	TimeoutPolicy  TimeoutPolicy
	// RunDir holds the per-program .log and .pid files
	RunDir string
}

// DefaultSupervisorConfig returns the supervision settings of the experiment driver
func DefaultSupervisorConfig() SupervisorConfig {
	return SupervisorConfig{
		CheckStuck:     true,
		CheckInterval:  5 * time.Second,
		StuckChecks:    6,
		TailLines:      5,
		Ceiling:        2 * time.Minute,
		ProgressEvery:  10 * time.Second,
		CommandTimeout: DefaultCommandTimeout,
		TimeoutPolicy:  TimeoutLeave,
		RunDir:         "/tmp",
	}
}

// ClientSpec describes one process to launch and supervise
type ClientSpec struct {
	Name       string `mapstructure:"name"`
	Host       string `mapstructure:"host"`
	Command    string `mapstructure:"command"`
	Program    string `mapstructure:"program"`
	WorkingDir string `mapstructure:"working_dir"`
}

// ProgramName returns the explicit program or the one derived from the command
func (c ClientSpec) ProgramName() string {
	if c.Program != "" {
		return c.Program
	}
	return ProgramName(c.Command)
}

// Supervisor launches a background process and watches it until it
// completes, is judged stuck, or the supervision ceiling elapses
type Supervisor struct {
	logger   *zap.Logger
	runner   *Runner
	shell    Shell
	console  *console.Sink
	liveness LivenessProbe
	progress ProgressProbe
	config   SupervisorConfig
}

// NewSupervisor creates a supervisor with the default pid and tail probes
func NewSupervisor(runner *Runner, shell Shell, sink *console.Sink, config SupervisorConfig, logger *zap.Logger) *Supervisor {
	return &Supervisor{
		logger:  logger.Named("supervisor"),
		runner:  runner,
		shell:   shell,
		console: sink,
		liveness: HostProbe{
			Local:  LocalPidProbe{},
			Remote: PidProbe{Runner: runner, Shell: shell, Deadline: config.CommandTimeout},
		},
		progress: TailProbe{Runner: runner, Shell: shell, Lines: config.TailLines, Deadline: config.CommandTimeout},
		config:   config,
	}
}

// WithProbes replaces the liveness and progress probes
func (s *Supervisor) WithProbes(liveness LivenessProbe, progress ProgressProbe) *Supervisor {
	if liveness != nil {
		s.liveness = liveness
	}
	if progress != nil {
		s.progress = progress
	}
	return s
}

// Supervise launches spec on sess and drives the supervision state machine.
// The returned error is non-nil only when supervision could not start
// (ErrProcessNotFound) or ctx ended; stuck and timed-out processes are
// reported through the report's State and Cause.
func (s *Supervisor) Supervise(ctx context.Context, sess session.Session, spec ClientSpec) (model.SupervisionReport, error) {
	host := sess.Target().Host
	program := spec.ProgramName()
	logFile := path.Join(s.config.RunDir, program+".log")
	pidFile := path.Join(s.config.RunDir, program+".pid")

	report := model.SupervisionReport{
		Program: program,
		LogPath: logFile,
		State:   model.SupervisionRunning,
	}

	s.runner.Run(ctx, sess, s.shell.Launch(spec.WorkingDir, spec.Command, logFile, pidFile), s.config.CommandTimeout)
	pidOutcome := s.runner.Run(ctx, sess, s.shell.ReadFile(pidFile), s.config.CommandTimeout)
	if pidOutcome.Succeeded {
		report.PID = strings.TrimSpace(pidOutcome.Stdout)
	}
	if !IsPid(report.PID) {
		s.console.Error(host, "Could not read pid for %s from %s", program, pidFile)
		return report, fmt.Errorf("%w: %s on %s", ErrProcessNotFound, program, host)
	}

	logger := s.logger.With(zap.String("host", host), zap.String("program", program), zap.String("pid", report.PID))
	logger.Info("Supervising process")

	detector := NewStuckDetector(s.config.StuckChecks)
	milestones := NewMilestones(s.config.ProgressEvery)
	start := time.Now()

	for {
		report.Elapsed = time.Since(start)
		if report.Elapsed >= s.config.Ceiling {
			s.timedOut(ctx, sess, &report)
			return report, nil
		}

		report.Checks++
		alive, err := s.liveness.Alive(ctx, sess, report.PID)
		if err != nil {
			logger.Warn("Liveness probe failed", zap.Error(err))
		} else if !alive {
			report.State = model.SupervisionCompleted
			s.console.Success(host, "%s completed successfully.", program)
			s.finalOutput(ctx, sess, &report)
			return report, nil
		}

		if s.config.CheckStuck {
			snapshot, err := s.progress.Snapshot(ctx, sess, logFile)
			if err != nil {
				logger.Warn("Progress probe failed", zap.Error(err))
			} else if detector.Observe(snapshot) {
				s.console.Error(host, "%s appears stuck. Killing it.", program)
				s.runner.Run(ctx, sess, s.shell.Kill(report.PID), s.config.CommandTimeout)
				report.State = model.SupervisionStuck
				report.Killed = true
				report.Cause = fmt.Errorf("%w: %s unchanged for %d checks", ErrStuckProcess, program, detector.Count())
				s.finalOutput(ctx, sess, &report)
				return report, nil
			}
		}

		if elapsed := time.Since(start); milestones.Due(elapsed) {
			s.console.Warn(host, "%s progress: %d seconds elapsed", program, int(elapsed.Seconds()))
		}

		select {
		case <-ctx.Done():
			report.Elapsed = time.Since(start)
			return report, ctx.Err()
		case <-time.After(s.config.CheckInterval):
		}
	}
}

func (s *Supervisor) timedOut(ctx context.Context, sess session.Session, report *model.SupervisionReport) {
	host := sess.Target().Host
	report.State = model.SupervisionTimedOut
	report.Cause = fmt.Errorf("%w: %s still running after %s", ErrSupervisionCeiling, report.Program, s.config.Ceiling)

	if s.config.TimeoutPolicy == TimeoutKill {
		s.console.Error(host, "%s still running after %s. Killing it.", report.Program, s.config.Ceiling)
		s.runner.Run(ctx, sess, s.shell.Kill(report.PID), s.config.CommandTimeout)
		report.Killed = true
		s.finalOutput(ctx, sess, report)
		return
	}

	s.console.Warn(host, "%s still running after %s; leaving pid %s untracked.", report.Program, s.config.Ceiling, report.PID)
	s.logger.Warn("Supervision ceiling reached, process left running",
		zap.String("host", host),
		zap.String("program", report.Program),
		zap.String("pid", report.PID))
}

func (s *Supervisor) finalOutput(ctx context.Context, sess session.Session, report *model.SupervisionReport) {
	outcome := s.runner.Run(ctx, sess, s.shell.ReadFile(report.LogPath), s.config.CommandTimeout)
	if !outcome.Succeeded {
		return
	}
	report.FinalOutput = outcome.Stdout
	host := sess.Target().Host
	s.console.Warn(host, "Final output from %s:", report.Program)
	if outcome.Stdout != "" {
		s.console.Printf(console.SeverityPlain, "", "%s", outcome.Stdout)
	}
}
