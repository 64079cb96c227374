// Package monitor watches remote log files for keyword evidence and growth.
package monitor

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// ErrNoKeywords is returned when an expression contains no quoted literal
var ErrNoKeywords = errors.New("expression has no quoted keywords")

var quotedLiteral = regexp.MustCompile(`'([^']*)'`)

// KeywordSet is a sorted set of distinct keyword literals
type KeywordSet []string

// ParseKeywords extracts the single-quoted literals of an expression such as
// "'connt1' AND 'connt2'". Operators between the literals are ignored: every
// keyword is required.
func ParseKeywords(expr string) (KeywordSet, error) {
	seen := make(map[string]bool)
	var set KeywordSet
	for _, m := range quotedLiteral.FindAllStringSubmatch(expr, -1) {
		kw := m[1]
		if kw == "" || seen[kw] {
			continue
		}
		seen[kw] = true
		set = append(set, kw)
	}
	if len(set) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrNoKeywords, expr)
	}
	sort.Strings(set)
	return set, nil
}

// MatchState records which keywords have been seen. Marks never revert.
type MatchState struct {
	keywords KeywordSet
	matched  map[string]bool
}

// NewMatchState creates a state with every keyword unmatched
func NewMatchState(keywords KeywordSet) *MatchState {
	return &MatchState{
		keywords: keywords,
		matched:  make(map[string]bool, len(keywords)),
	}
}

// Mark checks line against the keywords still pending and returns the ones
// it matched for the first time
func (m *MatchState) Mark(line string) []string {
	var hits []string
	for _, kw := range m.keywords {
		if m.matched[kw] {
			continue
		}
		if strings.Contains(line, kw) {
			m.matched[kw] = true
			hits = append(hits, kw)
		}
	}
	return hits
}

// Matched reports whether kw has been seen
func (m *MatchState) Matched(kw string) bool {
	return m.matched[kw]
}

// Count returns the number of matched keywords
func (m *MatchState) Count() int {
	return len(m.matched)
}

// Satisfied reports whether every keyword has been seen
func (m *MatchState) Satisfied() bool {
	return len(m.matched) == len(m.keywords)
}

// Pending returns the keywords not yet seen, in order
func (m *MatchState) Pending() []string {
	var pending []string
	for _, kw := range m.keywords {
		if !m.matched[kw] {
			pending = append(pending, kw)
		}
	}
	return pending
}
