package model

import "time"

// SupervisionState is the state of a supervised remote process
type SupervisionState string

const (
	SupervisionRunning   SupervisionState = "running"
	SupervisionCompleted SupervisionState = "completed"
	SupervisionStuck     SupervisionState = "stuck"
	SupervisionTimedOut  SupervisionState = "timed_out"
)

// Terminal reports whether no further transition is possible
func (s SupervisionState) Terminal() bool {
	return s != SupervisionRunning && s != ""
}

// SupervisionReport describes how the supervision of one process ended
type SupervisionReport struct {
	Program string           `json:"program"`
	PID     string           `json:"pid"`
	State   SupervisionState `json:"state"`
	LogPath string           `json:"log_path"`

	// FinalOutput is the captured log content once the process ended or was killed
	FinalOutput string `json:"final_output,omitempty"`

	// Killed is set when the supervisor terminated the process itself
	Killed bool `json:"killed"`

	Checks  int           `json:"checks"`
	Elapsed time.Duration `json:"elapsed"`

	// Cause holds the stuck verdict or timeout reason, never an abort condition
	Cause error `json:"-"`
}
