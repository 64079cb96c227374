package model

import (
	"time"
)

// TaskStatus represents the terminal status of a host task
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCanceled  TaskStatus = "canceled"
)

// TaskKind names the operation a host task performs
type TaskKind string

const (
	TaskKindServiceCheck TaskKind = "service_check"
	TaskKindConntrack    TaskKind = "conntrack_flush"
	TaskKindClient       TaskKind = "client"
	TaskKindKeywordWatch TaskKind = "keyword_watch"
	TaskKindGrowthWatch  TaskKind = "growth_watch"
	TaskKindScript       TaskKind = "script"
	TaskKindCleanup      TaskKind = "cleanup"
)

// TaskResult is the outcome of one host-operation task
type TaskResult struct {
	Name   string     `json:"name"`
	Host   string     `json:"host"`
	Kind   TaskKind   `json:"kind"`
	Status TaskStatus `json:"status"`

	// Matched is the number of keywords seen by a keyword watcher
	Matched int `json:"matched,omitempty"`

	// State is the terminal supervision state of a client task
	State SupervisionState `json:"state,omitempty"`

	Output string `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`

	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
}

// Duration returns how long the task ran
func (r TaskResult) Duration() time.Duration {
	if r.CompletedAt.IsZero() || r.StartedAt.IsZero() {
		return 0
	}
	return r.CompletedAt.Sub(r.StartedAt)
}

// Succeeded reports whether the task reached a non-failure terminal status
func (r TaskResult) Succeeded() bool {
	return r.Status == TaskStatusCompleted
}
