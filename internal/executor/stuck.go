package executor

import "time"

// StuckDetector counts consecutive unchanged tail snapshots. The previous
// snapshot starts out empty, so an empty log counts as unchanged.
type StuckDetector struct {
	threshold int
	last      Snapshot
	count     int
}

// NewStuckDetector creates a detector that fires after threshold unchanged snapshots
func NewStuckDetector(threshold int) *StuckDetector {
	if threshold < 1 {
		threshold = 1
	}
	return &StuckDetector{threshold: threshold, last: Snapshot{}}
}

// Observe records a snapshot and reports whether the process is now stuck
func (d *StuckDetector) Observe(s Snapshot) bool {
	if s.Equal(d.last) {
		d.count++
	} else {
		d.last = append(Snapshot(nil), s...)
		d.count = 0
	}
	return d.count >= d.threshold
}

// Count returns the current number of consecutive unchanged snapshots
func (d *StuckDetector) Count() int {
	return d.count
}

// Milestones fires once per elapsed interval, for coarse progress reports
type Milestones struct {
	every    time.Duration
	reported map[int64]bool
}

// NewMilestones creates a reporter firing every interval of elapsed time
func NewMilestones(every time.Duration) *Milestones {
	if every <= 0 {
		every = 10 * time.Second
	}
	return &Milestones{every: every, reported: make(map[int64]bool)}
}

// Due reports whether elapsed entered a step not reported before. The
// first interval never fires.
func (m *Milestones) Due(elapsed time.Duration) bool {
	step := int64(elapsed / m.every)
	if step == 0 || m.reported[step] {
		return false
	}
	m.reported[step] = true
	return true
}
