// Package session provides command execution handles for local, remote
// and container hosts.
package session

import (
	"context"
	"io"
)

// Output is the captured result of a completed command
type Output struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// Session executes commands against one host. A Session is owned by a
// single task and is not safe for concurrent use.
type Session interface {
	// Target returns the resolved host this session talks to
	Target() Target

	// Run executes command and waits for it to finish. A non-zero exit
	// status is not an error. When ctx is done the in-flight command is
	// cancelled and ctx.Err() is returned.
	Run(ctx context.Context, command string) (Output, error)

	// Stream starts command and returns its stdout. Closing the stream,
	// or cancelling ctx, terminates the command.
	Stream(ctx context.Context, command string) (io.ReadCloser, error)

	// Close releases the session
	Close() error
}
