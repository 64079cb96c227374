package scheduler

import "errors"

var (
	// ErrTaskPanicked is recorded when a task panics instead of returning
	ErrTaskPanicked = errors.New("task panicked")

	// ErrTaskCancelled is recorded when a task ends because its context ended
	ErrTaskCancelled = errors.New("task cancelled")
)
