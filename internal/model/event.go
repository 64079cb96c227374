package model

import "time"

// EventSeverity represents the severity of an experiment event
type EventSeverity string

const (
	EventSeverityInfo    EventSeverity = "info"
	EventSeverityWarning EventSeverity = "warning"
	EventSeverityError   EventSeverity = "error"
)

// EventType represents the type of experiment event
type EventType string

const (
	EventTypePhaseStarted    EventType = "phase_started"
	EventTypePhaseFinished   EventType = "phase_finished"
	EventTypeTaskFinished    EventType = "task_finished"
	EventTypeRunFinished     EventType = "run_finished"
	EventTypeIterationMarker EventType = "iteration"
)

// Event is published on the event bus while an experiment runs
type Event struct {
	ID         string                 `json:"id"`
	RunID      string                 `json:"run_id"`
	Experiment string                 `json:"experiment"`
	Type       EventType              `json:"type"`
	Severity   EventSeverity          `json:"severity"`
	Phase      string                 `json:"phase,omitempty"`
	Iteration  int                    `json:"iteration,omitempty"`
	Message    string                 `json:"message"`
	Task       *TaskResult            `json:"task,omitempty"`
	Data       map[string]interface{} `json:"data,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
}
