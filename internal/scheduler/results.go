package scheduler

import (
	"go.uber.org/multierr"

	"github.com/t77yq/exprunner/internal/model"
)

// Result is the outcome of one job together with the error that ended it
type Result struct {
	model.TaskResult
	Err error
}

// Results holds one entry per job, in job order
type Results []Result

// ByName indexes the results by task name
func (r Results) ByName() map[string]Result {
	m := make(map[string]Result, len(r))
	for _, res := range r {
		m[res.Name] = res
	}
	return m
}

// SumMatched adds up the keyword matches of every task
func (r Results) SumMatched() int {
	total := 0
	for _, res := range r {
		total += res.Matched
	}
	return total
}

// Failed returns the results that ended with an error
func (r Results) Failed() Results {
	var failed Results
	for _, res := range r {
		if res.Err != nil {
			failed = append(failed, res)
		}
	}
	return failed
}

// Err combines the errors of every failed task, nil when none failed
func (r Results) Err() error {
	var err error
	for _, res := range r {
		err = multierr.Append(err, res.Err)
	}
	return err
}
