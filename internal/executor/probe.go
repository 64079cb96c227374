package executor

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/t77yq/exprunner/internal/session"
)

// LivenessProbe reports whether a supervised pid is still running
type LivenessProbe interface {
	Alive(ctx context.Context, sess session.Session, pid string) (bool, error)
}

// ProgressProbe samples the recent output of a supervised process
type ProgressProbe interface {
	Snapshot(ctx context.Context, sess session.Session, logFile string) (Snapshot, error)
}

// Snapshot is the ordered tail of a log at one sampling instant
type Snapshot []string

// Equal compares two snapshots by value
func (s Snapshot) Equal(other Snapshot) bool {
	if len(s) != len(other) {
		return false
	}
	for i := range s {
		if s[i] != other[i] {
			return false
		}
	}
	return true
}

// PidProbe checks liveness with ps on the session's host
type PidProbe struct {
	Runner   *Runner
	Shell    Shell
	Deadline time.Duration
}

// Alive implements LivenessProbe.Alive
func (p PidProbe) Alive(ctx context.Context, sess session.Session, pid string) (bool, error) {
	outcome := p.Runner.Run(ctx, sess, p.Shell.PidAlive(pid), p.Deadline)
	if !outcome.Succeeded {
		return false, outcome.Err
	}
	return containsWord(outcome.Output, pid), nil
}

// LocalPidProbe checks liveness through the process table of this machine
type LocalPidProbe struct{}

// Alive implements LivenessProbe.Alive
func (LocalPidProbe) Alive(ctx context.Context, _ session.Session, pid string) (bool, error) {
	n, err := strconv.ParseInt(pid, 10, 32)
	if err != nil {
		return false, fmt.Errorf("invalid pid %q: %w", pid, err)
	}
	return process.PidExistsWithContext(ctx, int32(n))
}

// HostProbe uses LocalPidProbe for local sessions and PidProbe otherwise
type HostProbe struct {
	Local  LivenessProbe
	Remote LivenessProbe
}

// Alive implements LivenessProbe.Alive
func (p HostProbe) Alive(ctx context.Context, sess session.Session, pid string) (bool, error) {
	if sess.Target().Kind == session.KindLocal && p.Local != nil {
		return p.Local.Alive(ctx, sess, pid)
	}
	return p.Remote.Alive(ctx, sess, pid)
}

// TailProbe samples the last Lines lines of the process log
type TailProbe struct {
	Runner   *Runner
	Shell    Shell
	Lines    int
	Deadline time.Duration
}

// Snapshot implements ProgressProbe.Snapshot
func (p TailProbe) Snapshot(ctx context.Context, sess session.Session, logFile string) (Snapshot, error) {
	outcome := p.Runner.Run(ctx, sess, p.Shell.Tail(logFile, p.Lines), p.Deadline)
	if !outcome.Succeeded {
		return nil, outcome.Err
	}
	return splitLines(outcome.Output), nil
}

func splitLines(s string) Snapshot {
	if s == "" {
		return Snapshot{}
	}
	return Snapshot(strings.Split(strings.ReplaceAll(s, "\r\n", "\n"), "\n"))
}

func containsWord(text, word string) bool {
	if text == "" || word == "" {
		return false
	}
	re := regexp.MustCompile(`\b` + regexp.QuoteMeta(word) + `\b`)
	return re.MatchString(text)
}

// IsPid reports whether s looks like a process id
func IsPid(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
