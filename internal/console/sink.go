// Package console writes host-tagged, severity-coloured progress lines.
package console

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/fatih/color"
)

// Severity selects the colour of a console line
type Severity int

const (
	SeverityPlain Severity = iota
	SeverityInfo
	SeveritySuccess
	SeverityWarn
	SeverityError
)

// Sink serializes console output from concurrent tasks
type Sink struct {
	mu     sync.Mutex
	out    io.Writer
	colors map[Severity]*color.Color
}

// New creates a sink writing to out. Colour is applied only when enabled.
func New(out io.Writer, enableColor bool) *Sink {
	s := &Sink{
		out: out,
		colors: map[Severity]*color.Color{
			SeverityInfo:    color.New(color.FgBlue),
			SeveritySuccess: color.New(color.FgGreen),
			SeverityWarn:    color.New(color.FgYellow),
			SeverityError:   color.New(color.FgRed),
		},
	}
	for _, c := range s.colors {
		if enableColor {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
	return s
}

// Printf writes one line tagged with host; an empty host omits the tag
func (s *Sink) Printf(sev Severity, host, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	if host != "" {
		msg = "[" + host + "] " + msg
	}
	msg = strings.TrimRight(msg, "\n")

	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.colors[sev]; ok {
		c.Fprintln(s.out, msg)
		return
	}
	fmt.Fprintln(s.out, msg)
}

// Info writes a blue lifecycle line
func (s *Sink) Info(host, format string, args ...interface{}) {
	s.Printf(SeverityInfo, host, format, args...)
}

// Success writes a green line
func (s *Sink) Success(host, format string, args ...interface{}) {
	s.Printf(SeveritySuccess, host, format, args...)
}

// Warn writes a yellow line
func (s *Sink) Warn(host, format string, args ...interface{}) {
	s.Printf(SeverityWarn, host, format, args...)
}

// Error writes a red line
func (s *Sink) Error(host, format string, args ...interface{}) {
	s.Printf(SeverityError, host, format, args...)
}

// Log echoes a raw line from a watched file
func (s *Sink) Log(host, source, line string) {
	s.Printf(SeverityPlain, host, "LOG (%s): %s", source, line)
}
