package executor

import (
	"fmt"
	"math"
	"path"
	"regexp"
	"strings"
	"time"
)

var safeWord = regexp.MustCompile(`^[A-Za-z0-9_./:@%+=,-]+$`)

// quote single-quotes a shell word unless it is obviously safe
func quote(s string) string {
	if s == "" {
		return "''"
	}
	if safeWord.MatchString(s) {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

// Shell builds the command lines issued against experiment hosts
type Shell struct {
	// Sudo prefixes privileged commands with sudo
	Sudo bool
}

func (s Shell) priv(cmd string) string {
	if s.Sudo {
		return "sudo " + cmd
	}
	return cmd
}

// Cat prints a privileged file
func (s Shell) Cat(file string) string {
	return s.priv("cat " + quote(file))
}

// ReadFile prints an unprivileged file such as a pid or capture file
func (s Shell) ReadFile(file string) string {
	return "cat " + quote(file)
}

// Truncate empties a file
func (s Shell) Truncate(file string) string {
	return s.priv("truncate -s 0 " + quote(file))
}

// Follow tails a file for at most d, rounded up to whole seconds
func (s Shell) Follow(file string, d time.Duration) string {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return fmt.Sprintf("timeout %ds %s", secs, s.priv("tail -F "+quote(file)))
}

// Tail prints the last n lines of a file
func (s Shell) Tail(file string, n int) string {
	return fmt.Sprintf("tail -n %d %s", n, quote(file))
}

// LineCount counts the lines of a file
func (s Shell) LineCount(file string) string {
	return "wc -l " + quote(file)
}

// Launch starts command in the background, capturing output and pid
func (s Shell) Launch(workingDir, command, logFile, pidFile string) string {
	return fmt.Sprintf("cd %s && nohup %s > %s 2>&1 & echo $! > %s",
		quote(workingDir), command, quote(logFile), quote(pidFile))
}

// PidAlive lists a pid if it is running
func (s Shell) PidAlive(pid string) string {
	return "ps -p " + quote(pid)
}

// PidOnly prints just the pid column for pid, empty when absent
func (s Shell) PidOnly(pid string) string {
	return fmt.Sprintf("ps -p %s -o pid=", quote(pid))
}

// Kill sends SIGTERM to pid
func (s Shell) Kill(pid string) string {
	return s.priv("kill " + quote(pid))
}

// KillForce sends SIGKILL to pid
func (s Shell) KillForce(pid string) string {
	return s.priv("kill -9 " + quote(pid))
}

// Pgrep lists pids whose command line matches program
func (s Shell) Pgrep(program string) string {
	return "pgrep -f " + quote(program)
}

// ProcessList lists processes whose command line mentions program
func (s Shell) ProcessList(program string) string {
	return fmt.Sprintf("ps aux | grep %s | grep -v grep", quote(program))
}

// Pkill signals every process matching program
func (s Shell) Pkill(signal int, program string) string {
	return fmt.Sprintf("pkill -%d -f %s", signal, quote(program))
}

// ServiceActive queries a systemd unit
func (s Shell) ServiceActive(service string) string {
	return "systemctl is-active " + quote(service)
}

// ServiceStart starts a systemd unit
func (s Shell) ServiceStart(service string) string {
	return s.priv("systemctl start " + quote(service))
}

// ConntrackFlush clears the kernel connection tracking table
func (s Shell) ConntrackFlush() string {
	return s.priv("conntrack -F")
}

// InDir runs command from workingDir
func (s Shell) InDir(workingDir, command string) string {
	return fmt.Sprintf("cd %s && %s", quote(workingDir), command)
}

var wrapperWords = map[string]bool{"sudo": true, "env": true, "nohup": true, "exec": true}

// ProgramName derives the program identifier from a launch command, skipping
// wrappers such as sudo and dropping any leading directory
func ProgramName(command string) string {
	for _, word := range strings.Fields(command) {
		if wrapperWords[word] || strings.HasPrefix(word, "-") || strings.Contains(word, "=") {
			continue
		}
		return path.Base(strings.TrimPrefix(word, "./"))
	}
	return ""
}
