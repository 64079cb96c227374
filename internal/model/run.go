package model

import "time"

// Phase names a stage of the experiment
type Phase string

const (
	PhasePrerequisite Phase = "prerequisite"
	PhaseSetup        Phase = "setup"
	PhaseIteration    Phase = "iteration"
	PhaseTeardown     Phase = "teardown"
)

// RunSummary aggregates the final outcome of one experiment run
type RunSummary struct {
	RunID      string     `json:"run_id"`
	Experiment string     `json:"experiment"`
	Matches    int        `json:"matches"`
	Iterations int        `json:"iterations"`
	Failures   int        `json:"failures"`
	Status     TaskStatus `json:"status"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt time.Time  `json:"finished_at"`
}
