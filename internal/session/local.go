package session

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os/exec"
	"sync"
	"time"
)

const defaultWaitDelay = 2 * time.Second

// LocalSession runs commands through the local shell
type LocalSession struct {
	target    Target
	waitDelay time.Duration
	mu        sync.Mutex
	closed    bool
}

// NewLocalSession creates a session for a host that resolves to this machine
func NewLocalSession(host string) *LocalSession {
	return &LocalSession{
		target:    LocalTarget(host),
		waitDelay: defaultWaitDelay,
	}
}

// Target implements Session.Target
func (s *LocalSession) Target() Target {
	return s.target
}

// Run implements Session.Run
func (s *LocalSession) Run(ctx context.Context, command string) (Output, error) {
	if s.isClosed() {
		return Output{}, ErrSessionClosed
	}

	var stdout, stderr bytes.Buffer
	cmd := s.command(ctx, command)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	out := Output{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return out, ctxErr
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			out.ExitCode = exitErr.ExitCode()
			return out, nil
		}
		// The shell exited cleanly but a background child still holds its
		// output open. The command itself is complete.
		if errors.Is(err, exec.ErrWaitDelay) {
			return out, nil
		}
		return out, err
	}
	return out, nil
}

// Stream implements Session.Stream
func (s *LocalSession) Stream(ctx context.Context, command string) (io.ReadCloser, error) {
	if s.isClosed() {
		return nil, ErrSessionClosed
	}

	ctx, cancel := context.WithCancel(ctx)
	cmd := s.command(ctx, command)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, err
	}

	return &localStream{ReadCloser: stdout, cmd: cmd, cancel: cancel}, nil
}

// Close implements Session.Close
func (s *LocalSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *LocalSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *LocalSession) command(ctx context.Context, command string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	setProcessGroup(cmd)
	cmd.Cancel = func() error {
		return killProcessGroup(cmd)
	}
	cmd.WaitDelay = s.waitDelay
	return cmd
}

type localStream struct {
	io.ReadCloser
	cmd    *exec.Cmd
	cancel context.CancelFunc
	once   sync.Once
}

// Close kills the command's process group and reaps it
func (l *localStream) Close() error {
	l.once.Do(func() {
		l.cancel()
		_ = l.cmd.Wait()
	})
	return nil
}
