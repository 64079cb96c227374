package executor

import "errors"

var (
	// ErrTimeout is returned when a command does not finish before its deadline
	ErrTimeout = errors.New("timeout exceeded")

	// ErrTransport is returned when issuing or reading a command fails
	ErrTransport = errors.New("transport fault")

	// ErrCanceled is returned when the caller's context ends before the command
	ErrCanceled = errors.New("command canceled")

	// ErrProcessNotFound is returned when an expected pid is absent after launch
	ErrProcessNotFound = errors.New("process not found")

	// ErrStuckProcess marks a process terminated by the stuck heuristic
	ErrStuckProcess = errors.New("process appears stuck")

	// ErrSupervisionCeiling marks a process still alive when supervision gave up
	ErrSupervisionCeiling = errors.New("supervision ceiling reached")
)
