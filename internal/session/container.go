package session

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
)

// ContainerPrefix marks a host identifier that names a docker container
const ContainerPrefix = "docker://"

// execMarkerEnv tags every process started by one exec so an abandoned
// exec can be killed inside the container
const execMarkerEnv = "EXPRUNNER_EXEC"

const killTimeout = 5 * time.Second

// ContainerSession runs commands inside a docker container through exec
type ContainerSession struct {
	target Target
	docker *client.Client
	mu     sync.Mutex
	closed bool
}

// NewContainerSession creates a session for a container target using the
// docker daemon from the environment
func NewContainerSession(target Target) (*ContainerSession, error) {
	if target.Kind != KindContainer {
		return nil, fmt.Errorf("%s is not a container target", target.Host)
	}

	docker, err := client.NewClientWithOpts(
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}

	return &ContainerSession{target: target, docker: docker}, nil
}

// Target implements Session.Target
func (s *ContainerSession) Target() Target {
	return s.target
}

// Run implements Session.Run
func (s *ContainerSession) Run(ctx context.Context, command string) (Output, error) {
	execID, marker, attach, err := s.start(ctx, command)
	if err != nil {
		return Output{}, err
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	done := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader)
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			return Output{}, fmt.Errorf("read exec output: %w", err)
		}
		out := Output{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
		inspect, err := s.docker.ContainerExecInspect(ctx, execID)
		if err != nil {
			return out, fmt.Errorf("inspect exec: %w", err)
		}
		out.ExitCode = inspect.ExitCode
		return out, nil
	case <-ctx.Done():
		attach.Close()
		s.kill(marker)
		return Output{}, ctx.Err()
	}
}

// Stream implements Session.Stream
func (s *ContainerSession) Stream(ctx context.Context, command string) (io.ReadCloser, error) {
	_, marker, attach, err := s.start(ctx, command)
	if err != nil {
		return nil, err
	}

	pr, pw := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(pw, io.Discard, attach.Reader)
		pw.CloseWithError(err)
	}()

	stream := &containerStream{
		PipeReader: pr,
		closeFn: func() {
			attach.Close()
			s.kill(marker)
		},
		done: make(chan struct{}),
	}
	go func() {
		select {
		case <-ctx.Done():
			stream.Close()
		case <-stream.done:
		}
	}()
	return stream, nil
}

// Close implements Session.Close
func (s *ContainerSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.docker.Close()
}

func (s *ContainerSession) start(ctx context.Context, command string) (string, string, *types.HijackedResponse, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return "", "", nil, ErrSessionClosed
	}

	marker := uuid.New().String()
	created, err := s.docker.ContainerExecCreate(ctx, s.target.Container, container.ExecOptions{
		Cmd:          []string{"sh", "-c", command},
		Env:          []string{execMarkerEnv + "=" + marker},
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return "", "", nil, fmt.Errorf("create exec in %s: %w", s.target.Container, err)
	}

	attach, err := s.docker.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return "", "", nil, fmt.Errorf("attach exec in %s: %w", s.target.Container, err)
	}
	return created.ID, marker, &attach, nil
}

// kill stops every process of an exec tagged with marker. Closing the
// attach connection alone leaves them running in the container.
func (s *ContainerSession) kill(marker string) {
	ctx, cancel := context.WithTimeout(context.Background(), killTimeout)
	defer cancel()

	created, err := s.docker.ContainerExecCreate(ctx, s.target.Container, container.ExecOptions{
		Cmd: []string{"sh", "-c", killScript(marker)},
	})
	if err != nil {
		return
	}
	_ = s.docker.ContainerExecStart(ctx, created.ID, container.ExecStartOptions{Detach: true})
}

// killScript scans /proc for processes whose environment carries marker
func killScript(marker string) string {
	return fmt.Sprintf(
		`for p in /proc/[0-9]*; do tr '\0' '\n' < "$p/environ" 2>/dev/null | grep -qx '%s=%s' && kill -9 "${p#/proc/}" 2>/dev/null; done; true`,
		execMarkerEnv, marker)
}

type containerStream struct {
	*io.PipeReader
	closeFn func()
	once    sync.Once
	done    chan struct{}
}

// Close drops the attach connection, which ends the exec output
func (c *containerStream) Close() error {
	c.once.Do(func() {
		c.closeFn()
		c.PipeReader.Close()
		close(c.done)
	})
	return nil
}
