package executor

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/exprunner/internal/console"
	"github.com/t77yq/exprunner/internal/model"
	"github.com/t77yq/exprunner/internal/session"
	"github.com/t77yq/exprunner/internal/testutil"
)

const (
	alivePs = "  PID TTY          TIME CMD\n 4242 ?        00:00:01 client"
	deadPs  = "  PID TTY          TIME CMD"
)

func remoteFake(host string) *testutil.FakeSession {
	target := session.RemoteTarget(host, &session.RemoteParams{Alias: host, Address: host})
	return testutil.NewFakeSession(host).WithTarget(target)
}

func testSupervisor(t *testing.T, out *bytes.Buffer, mutate func(*SupervisorConfig)) *Supervisor {
	t.Helper()
	logger := zaptest.NewLogger(t)

	config := DefaultSupervisorConfig()
	config.CheckInterval = 10 * time.Millisecond
	config.Ceiling = 2 * time.Second
	config.StuckChecks = 3
	config.CommandTimeout = time.Second
	config.RunDir = "/tmp/exp"
	if mutate != nil {
		mutate(&config)
	}

	return NewSupervisor(NewRunner(logger), Shell{}, console.New(out, false), config, logger)
}

var clientSpec = ClientSpec{Name: "client", Host: "h1", Command: "./client -c 10", WorkingDir: "/opt/exp"}

func TestSupervisor_Completed(t *testing.T) {
	var out bytes.Buffer
	sess := remoteFake("h1").
		On("nohup").
		On("cat /tmp/exp/client.pid", testutil.Response{Stdout: "4242\n"}).
		On("ps -p 4242",
			testutil.Response{Stdout: alivePs},
			testutil.Response{Stdout: deadPs, ExitCode: 1}).
		On("tail -n", testutil.Response{Stdout: "step 1"}, testutil.Response{Stdout: "step 2"}).
		On("cat /tmp/exp/client.log", testutil.Response{Stdout: "all done"})

	report, err := testSupervisor(t, &out, nil).Supervise(context.Background(), sess, clientSpec)
	require.NoError(t, err)

	assert.Equal(t, model.SupervisionCompleted, report.State)
	assert.Equal(t, "4242", report.PID)
	assert.Equal(t, "client", report.Program)
	assert.Equal(t, "/tmp/exp/client.log", report.LogPath)
	assert.Equal(t, "all done", report.FinalOutput)
	assert.Equal(t, 2, report.Checks)
	assert.False(t, report.Killed)
	assert.Nil(t, report.Cause)
	assert.Equal(t, 1, sess.Count("cd /opt/exp && nohup ./client -c 10 > /tmp/exp/client.log"))
	assert.Contains(t, out.String(), "[h1] client completed successfully.")
	assert.Contains(t, out.String(), "all done")
}

func TestSupervisor_Stuck(t *testing.T) {
	var out bytes.Buffer
	sess := remoteFake("h1").
		On("nohup").
		On("cat /tmp/exp/client.pid", testutil.Response{Stdout: "4242"}).
		On("ps -p 4242", testutil.Response{Stdout: alivePs}).
		On("tail -n", testutil.Response{Stdout: "waiting for peer"}).
		On("cat /tmp/exp/client.log", testutil.Response{Stdout: "waiting for peer"})

	report, err := testSupervisor(t, &out, nil).Supervise(context.Background(), sess, clientSpec)
	require.NoError(t, err)

	assert.Equal(t, model.SupervisionStuck, report.State)
	assert.True(t, report.Killed)
	assert.True(t, errors.Is(report.Cause, ErrStuckProcess))
	// first sample differs from the empty initial snapshot, then three unchanged
	assert.Equal(t, 4, report.Checks)
	assert.Equal(t, 1, sess.Count("kill 4242"))
	assert.Contains(t, out.String(), "appears stuck")
}

func TestSupervisor_StuckCheckDisabled(t *testing.T) {
	var out bytes.Buffer
	sess := remoteFake("h1").
		On("nohup").
		On("cat /tmp/exp/client.pid", testutil.Response{Stdout: "4242"}).
		On("ps -p 4242",
			testutil.Response{Stdout: alivePs},
			testutil.Response{Stdout: alivePs},
			testutil.Response{Stdout: alivePs},
			testutil.Response{Stdout: alivePs},
			testutil.Response{Stdout: alivePs},
			testutil.Response{Stdout: deadPs, ExitCode: 1})

	report, err := testSupervisor(t, &out, func(c *SupervisorConfig) { c.CheckStuck = false }).
		Supervise(context.Background(), sess, clientSpec)
	require.NoError(t, err)

	assert.Equal(t, model.SupervisionCompleted, report.State)
	assert.Equal(t, 6, report.Checks)
	assert.Zero(t, sess.Count("tail -n"))
}

func TestSupervisor_ProcessNotFound(t *testing.T) {
	var out bytes.Buffer
	sess := remoteFake("h1").
		On("nohup").
		On("cat /tmp/exp/client.pid", testutil.Response{Stderr: "cat: /tmp/exp/client.pid: No such file or directory", ExitCode: 1})

	report, err := testSupervisor(t, &out, nil).Supervise(context.Background(), sess, clientSpec)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProcessNotFound)
	assert.Empty(t, report.PID)
	assert.Zero(t, sess.Count("ps -p"))
}

func TestSupervisor_TimedOut(t *testing.T) {
	tests := []struct {
		name   string
		policy TimeoutPolicy
		killed bool
	}{
		{"leave", TimeoutLeave, false},
		{"kill", TimeoutKill, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			sess := remoteFake("h1").
				On("nohup").
				On("cat /tmp/exp/client.pid", testutil.Response{Stdout: "4242"}).
				On("ps -p 4242", testutil.Response{Stdout: alivePs})

			supervisor := testSupervisor(t, &out, func(c *SupervisorConfig) {
				c.CheckStuck = false
				c.Ceiling = 50 * time.Millisecond
				c.TimeoutPolicy = tt.policy
			})

			report, err := supervisor.Supervise(context.Background(), sess, clientSpec)
			require.NoError(t, err)

			assert.Equal(t, model.SupervisionTimedOut, report.State)
			assert.ErrorIs(t, report.Cause, ErrSupervisionCeiling)
			assert.Equal(t, tt.killed, report.Killed)
			assert.GreaterOrEqual(t, report.Elapsed, 50*time.Millisecond)
			if tt.killed {
				assert.Equal(t, 1, sess.Count("kill 4242"))
			} else {
				assert.Zero(t, sess.Count("kill 4242"))
			}
		})
	}
}

func TestSupervisor_ProbeErrorKeepsPolling(t *testing.T) {
	var out bytes.Buffer
	sess := remoteFake("h1").
		On("nohup").
		On("cat /tmp/exp/client.pid", testutil.Response{Stdout: "4242"}).
		On("ps -p 4242",
			testutil.Response{Err: errors.New("channel closed")},
			testutil.Response{Stdout: deadPs, ExitCode: 1})

	report, err := testSupervisor(t, &out, func(c *SupervisorConfig) { c.CheckStuck = false }).
		Supervise(context.Background(), sess, clientSpec)
	require.NoError(t, err)

	assert.Equal(t, model.SupervisionCompleted, report.State)
	assert.Equal(t, 2, report.Checks)
}

func TestSupervisor_ContextCanceled(t *testing.T) {
	var out bytes.Buffer
	sess := remoteFake("h1").
		On("nohup").
		On("cat /tmp/exp/client.pid", testutil.Response{Stdout: "4242"}).
		On("ps -p 4242", testutil.Response{Stdout: alivePs})

	ctx, cancel := context.WithTimeout(context.Background(), 40*time.Millisecond)
	defer cancel()

	report, err := testSupervisor(t, &out, func(c *SupervisorConfig) { c.CheckStuck = false }).
		Supervise(ctx, sess, clientSpec)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, model.SupervisionRunning, report.State)
}
