package model

import "time"

// CommandOutcome is produced once per bounded command invocation
type CommandOutcome struct {
	Host    string `json:"host"`
	Command string `json:"command"`

	Succeeded bool `json:"succeeded"`

	// Output is stdout, or stderr when stdout is empty
	Output   string `json:"output"`
	Stdout   string `json:"stdout,omitempty"`
	Stderr   string `json:"stderr,omitempty"`
	ExitCode int    `json:"exit_code"`

	// Err is nil when Succeeded is true
	Err error `json:"-"`

	Duration time.Duration `json:"duration"`
}

// ErrorText returns the textual description of the failure, if any
func (o CommandOutcome) ErrorText() string {
	if o.Err == nil {
		return ""
	}
	return o.Err.Error()
}
