package testutil

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/t77yq/exprunner/internal/session"
)

// Response is the scripted reply to a command issued against a FakeSession
type Response struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Err      error

	// Delay postpones the reply; Block waits until the context ends
	Delay time.Duration
	Block bool
	Panic bool
}

type route struct {
	match     string
	responses []Response
	calls     int
}

type streamRoute struct {
	match   string
	factory func(ctx context.Context) io.ReadCloser
}

// FakeSession is a scripted session. Commands are matched by substring
// against routes in registration order; unmatched commands succeed empty.
type FakeSession struct {
	mu        sync.Mutex
	target    session.Target
	routes    []*route
	streams   []streamRoute
	commands  []string
	cancelled int
	closed    int
}

// NewFakeSession creates a scripted session for a local-looking host
func NewFakeSession(host string) *FakeSession {
	return &FakeSession{target: session.LocalTarget(host)}
}

// WithTarget overrides the reported target
func (f *FakeSession) WithTarget(target session.Target) *FakeSession {
	f.target = target
	return f
}

// On scripts the replies for commands containing match. Successive calls
// consume the responses in order; the last one repeats.
func (f *FakeSession) On(match string, responses ...Response) *FakeSession {
	if len(responses) == 0 {
		responses = []Response{{}}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routes = append(f.routes, &route{match: match, responses: responses})
	return f
}

// OnStream scripts the stream returned for commands containing match
func (f *FakeSession) OnStream(match string, factory func(ctx context.Context) io.ReadCloser) *FakeSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.streams = append(f.streams, streamRoute{match: match, factory: factory})
	return f
}

// Target implements session.Session
func (f *FakeSession) Target() session.Target {
	return f.target
}

// Run implements session.Session
func (f *FakeSession) Run(ctx context.Context, command string) (session.Output, error) {
	resp := f.respond(command)

	if resp.Panic {
		panic("scripted panic: " + command)
	}
	if resp.Block {
		<-ctx.Done()
		f.mu.Lock()
		f.cancelled++
		f.mu.Unlock()
		return session.Output{}, ctx.Err()
	}
	if resp.Delay > 0 {
		select {
		case <-time.After(resp.Delay):
		case <-ctx.Done():
			f.mu.Lock()
			f.cancelled++
			f.mu.Unlock()
			return session.Output{}, ctx.Err()
		}
	}

	return session.Output{
		Stdout:   []byte(resp.Stdout),
		Stderr:   []byte(resp.Stderr),
		ExitCode: resp.ExitCode,
	}, resp.Err
}

// Stream implements session.Session
func (f *FakeSession) Stream(ctx context.Context, command string) (io.ReadCloser, error) {
	f.mu.Lock()
	f.commands = append(f.commands, command)
	var factory func(context.Context) io.ReadCloser
	for _, s := range f.streams {
		if strings.Contains(command, s.match) {
			factory = s.factory
			break
		}
	}
	f.mu.Unlock()

	if factory == nil {
		return nil, fmt.Errorf("no stream scripted for %q", command)
	}
	return factory(ctx), nil
}

// Close implements session.Session
func (f *FakeSession) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

// Commands returns every command issued so far
func (f *FakeSession) Commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.commands...)
}

// Count returns how many issued commands contain match
func (f *FakeSession) Count(match string) int {
	n := 0
	for _, c := range f.Commands() {
		if strings.Contains(c, match) {
			n++
		}
	}
	return n
}

// Cancelled returns how many in-flight commands were cancelled by their context
func (f *FakeSession) Cancelled() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelled
}

// Closed returns how many times Close was called
func (f *FakeSession) Closed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *FakeSession) respond(command string) Response {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, command)

	for _, r := range f.routes {
		if !strings.Contains(command, r.match) {
			continue
		}
		i := r.calls
		if i >= len(r.responses) {
			i = len(r.responses) - 1
		}
		r.calls++
		return r.responses[i]
	}
	return Response{}
}

// TimedLine is a line emitted by a ScriptedStream after a delay from open
type TimedLine struct {
	After time.Duration
	Text  string
}

// ScriptedStream emits timed lines and then stays open until closed
type ScriptedStream struct {
	pr     *io.PipeReader
	pw     *io.PipeWriter
	once   sync.Once
	closed chan struct{}
}

// NewScriptedStream starts emitting lines relative to now
func NewScriptedStream(lines ...TimedLine) *ScriptedStream {
	pr, pw := io.Pipe()
	s := &ScriptedStream{pr: pr, pw: pw, closed: make(chan struct{})}

	go func() {
		start := time.Now()
		for _, l := range lines {
			wait := l.After - time.Since(start)
			if wait > 0 {
				select {
				case <-time.After(wait):
				case <-s.closed:
					return
				}
			}
			if _, err := io.WriteString(pw, l.Text+"\n"); err != nil {
				return
			}
		}
	}()
	return s
}

// Read implements io.Reader
func (s *ScriptedStream) Read(p []byte) (int, error) {
	return s.pr.Read(p)
}

// Close implements io.Closer
func (s *ScriptedStream) Close() error {
	s.once.Do(func() {
		close(s.closed)
		s.pw.CloseWithError(io.EOF)
		s.pr.Close()
	})
	return nil
}

// IsClosed reports whether Close was called
func (s *ScriptedStream) IsClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// ErrUnknownHost is returned by FakeProvider for unregistered hosts
var ErrUnknownHost = errors.New("unknown fake host")

// FakeProvider hands out scripted sessions per host
type FakeProvider struct {
	mu        sync.Mutex
	factories map[string]func() *FakeSession
	failures  map[string]error
	opened    []*FakeSession
}

// NewFakeProvider creates an empty provider
func NewFakeProvider() *FakeProvider {
	return &FakeProvider{
		factories: make(map[string]func() *FakeSession),
		failures:  make(map[string]error),
	}
}

// Register makes every Open(host) return a new session built by factory
func (p *FakeProvider) Register(host string, factory func() *FakeSession) *FakeProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.factories[host] = factory
	return p
}

// Fail makes Open(host) return err
func (p *FakeProvider) Fail(host string, err error) *FakeProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures[host] = err
	return p
}

// Open implements session.Provider
func (p *FakeProvider) Open(ctx context.Context, host string) (session.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err, ok := p.failures[host]; ok {
		return nil, err
	}
	factory, ok := p.factories[host]
	if !ok {
		return nil, &session.ResolutionError{Host: host, Err: ErrUnknownHost}
	}
	sess := factory()
	p.opened = append(p.opened, sess)
	return sess, nil
}

// Opened returns every session handed out so far
func (p *FakeProvider) Opened() []*FakeSession {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*FakeSession(nil), p.opened...)
}

// AllClosed reports whether every opened session was closed exactly once
func (p *FakeProvider) AllClosed() bool {
	for _, s := range p.Opened() {
		if s.Closed() != 1 {
			return false
		}
	}
	return true
}
