package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/t77yq/exprunner/internal/session"
	"github.com/t77yq/exprunner/internal/testutil"
)

func TestRunner_LocalCommand(t *testing.T) {
	runner := NewRunner(zaptest.NewLogger(t))
	sess := session.NewLocalSession("local")
	defer sess.Close()

	outcome := runner.Run(context.Background(), sess, "echo hello", time.Second)
	require.True(t, outcome.Succeeded)
	assert.Equal(t, "hello", outcome.Output)
	assert.Equal(t, "local", outcome.Host)
	assert.Equal(t, 0, outcome.ExitCode)
	assert.NoError(t, outcome.Err)
}

func TestRunner_LogsOneLinePerCommand(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	runner := NewRunner(zap.New(core))
	sess := testutil.NewFakeSession("h1").
		On("uptime", testutil.Response{Stdout: "up 3 days"}).
		On("sleep", testutil.Response{Block: true})

	runner.Run(context.Background(), sess, "uptime", time.Second)
	runner.Run(context.Background(), sess, "sleep 60", 20*time.Millisecond)

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, zapcore.InfoLevel, entries[0].Level)
	assert.Equal(t, "Command completed", entries[0].Message)
	assert.Equal(t, "uptime", entries[0].ContextMap()["command"])
	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
	assert.Equal(t, "Timeout exceeded", entries[1].Message)
}

func TestRunner_StderrFallback(t *testing.T) {
	runner := NewRunner(zaptest.NewLogger(t))
	sess := session.NewLocalSession("local")
	defer sess.Close()

	outcome := runner.Run(context.Background(), sess, "echo oops 1>&2; exit 3", time.Second)
	require.True(t, outcome.Succeeded)
	assert.Equal(t, 3, outcome.ExitCode)
	assert.Equal(t, "oops", outcome.Output)
	assert.Empty(t, outcome.Stdout)
}

func TestRunner_Timeout(t *testing.T) {
	runner := NewRunner(zaptest.NewLogger(t))
	sess := testutil.NewFakeSession("h1").On("sleep", testutil.Response{Block: true})

	start := time.Now()
	outcome := runner.Run(context.Background(), sess, "sleep 60", 50*time.Millisecond)

	require.False(t, outcome.Succeeded)
	assert.True(t, errors.Is(outcome.Err, ErrTimeout))
	assert.Contains(t, outcome.Output, "sleep 60")
	assert.Equal(t, 1, sess.Cancelled())
	assert.Less(t, time.Since(start), time.Second)
}

func TestRunner_LocalTimeoutKillsCommand(t *testing.T) {
	runner := NewRunner(zaptest.NewLogger(t))
	sess := session.NewLocalSession("local")
	defer sess.Close()

	start := time.Now()
	outcome := runner.Run(context.Background(), sess, "sleep 5", 100*time.Millisecond)

	require.False(t, outcome.Succeeded)
	assert.ErrorIs(t, outcome.Err, ErrTimeout)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestRunner_Canceled(t *testing.T) {
	runner := NewRunner(zaptest.NewLogger(t))
	sess := testutil.NewFakeSession("h1").On("sleep", testutil.Response{Block: true})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	outcome := runner.Run(ctx, sess, "sleep 60", time.Second)
	require.False(t, outcome.Succeeded)
	assert.ErrorIs(t, outcome.Err, ErrCanceled)
}

func TestRunner_TransportFaults(t *testing.T) {
	runner := NewRunner(zaptest.NewLogger(t))
	sess := testutil.NewFakeSession("h1").
		On("boom", testutil.Response{Panic: true}).
		On("broken", testutil.Response{Err: errors.New("broken pipe")})

	outcome := runner.Run(context.Background(), sess, "boom", time.Second)
	require.False(t, outcome.Succeeded)
	assert.ErrorIs(t, outcome.Err, ErrTransport)
	assert.Contains(t, outcome.Output, "session panic")

	outcome = runner.Run(context.Background(), sess, "broken", time.Second)
	require.False(t, outcome.Succeeded)
	assert.ErrorIs(t, outcome.Err, ErrTransport)
	assert.Equal(t, "broken pipe", outcome.Output)
}

func TestRunner_DefaultDeadline(t *testing.T) {
	runner := NewRunner(zaptest.NewLogger(t))
	sess := testutil.NewFakeSession("h1").On("uptime", testutil.Response{Stdout: " up 3 days \n"})

	outcome := runner.Run(context.Background(), sess, "uptime", 0)
	require.True(t, outcome.Succeeded)
	assert.Equal(t, "up 3 days", outcome.Output)
}
