package scheduler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
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

var hosts = []string{"h1", "h2", "h3", "h4", "h5"}

func fakeProvider() *testutil.FakeProvider {
	provider := testutil.NewFakeProvider()
	for _, h := range hosts {
		h := h
		provider.Register(h, func() *testutil.FakeSession {
			return testutil.NewFakeSession(h).On("hostname", testutil.Response{Stdout: h})
		})
	}
	return provider
}

func testBatch(t *testing.T, provider session.Provider) *Batch {
	t.Helper()
	var out bytes.Buffer
	return NewBatch(provider, console.New(&out, false), zaptest.NewLogger(t))
}

func TestBatch_FaultsDoNotBlockSiblings(t *testing.T) {
	provider := fakeProvider()
	batch := testBatch(t, provider)

	jobs := Fanout(hosts, func(host string) Job {
		return Job{
			Name: "Check-" + host,
			Host: host,
			Kind: model.TaskKindServiceCheck,
			Run: func(ctx context.Context, sess session.Session) (model.TaskResult, error) {
				switch host {
				case "h3":
					panic("lost connection")
				case "h4":
					return model.TaskResult{Output: "partial"}, errors.New("service failed to start")
				}
				out, err := sess.Run(ctx, "hostname")
				return model.TaskResult{Output: string(out.Stdout)}, err
			},
		}
	})

	results := batch.RunAll(context.Background(), jobs)

	require.Len(t, results, 5)
	for i, res := range results {
		assert.Equal(t, hosts[i], res.Host)
		assert.Equal(t, "Check-"+hosts[i], res.Name)
		assert.Equal(t, model.TaskKindServiceCheck, res.Kind)
		assert.False(t, res.CompletedAt.IsZero())
	}

	assert.Equal(t, model.TaskStatusCompleted, results[0].Status)
	assert.Equal(t, "h1", results[0].Output)
	assert.Equal(t, model.TaskStatusFailed, results[2].Status)
	assert.ErrorIs(t, results[2].Err, ErrTaskPanicked)
	assert.Equal(t, model.TaskStatusFailed, results[3].Status)
	assert.Equal(t, "partial", results[3].Output)
	assert.Equal(t, model.TaskStatusCompleted, results[4].Status)

	assert.Len(t, results.Failed(), 2)
	assert.ErrorIs(t, results.Err(), ErrTaskPanicked)
	assert.Len(t, results.ByName(), 5)

	assert.Len(t, provider.Opened(), 5)
	assert.True(t, provider.AllClosed())
}

func TestBatch_ProviderFailure(t *testing.T) {
	resolution := &session.ResolutionError{Host: "h2", Err: session.ErrHostNotConfigured}
	provider := fakeProvider().Fail("h2", resolution)
	batch := testBatch(t, provider)

	ran := make(chan string, len(hosts))
	jobs := Fanout(hosts, func(host string) Job {
		return Job{
			Name: "Flush-" + host,
			Host: host,
			Kind: model.TaskKindConntrack,
			Run: func(ctx context.Context, sess session.Session) (model.TaskResult, error) {
				ran <- host
				return model.TaskResult{}, nil
			},
		}
	})

	results := batch.RunAll(context.Background(), jobs)
	close(ran)

	require.Len(t, results, 5)
	assert.ErrorIs(t, results[1].Err, session.ErrConnectionResolution)
	assert.ErrorIs(t, results[1].Err, session.ErrHostNotConfigured)
	assert.Len(t, ran, 4)
	assert.Len(t, provider.Opened(), 4)
	assert.True(t, provider.AllClosed())
}

func TestBatch_ResultsKeepJobOrder(t *testing.T) {
	batch := testBatch(t, fakeProvider())

	var jobs []Job
	for i, host := range hosts {
		delay := time.Duration(len(hosts)-i) * 10 * time.Millisecond
		jobs = append(jobs, Job{
			Name: fmt.Sprintf("Monitor-%d", i),
			Host: host,
			Kind: model.TaskKindKeywordWatch,
			Run: func(ctx context.Context, sess session.Session) (model.TaskResult, error) {
				time.Sleep(delay)
				return model.TaskResult{Matched: 1}, nil
			},
		})
	}

	results := batch.RunAll(context.Background(), jobs)
	for i, res := range results {
		assert.Equal(t, fmt.Sprintf("Monitor-%d", i), res.Name)
	}
	assert.Equal(t, 5, results.SumMatched())
	assert.NoError(t, results.Err())
}

func TestBatch_StartAndWait(t *testing.T) {
	batch := testBatch(t, fakeProvider())
	release := make(chan struct{})

	pending := batch.Start(context.Background(), []Job{{
		Name: "Monitor-ptp",
		Host: "h1",
		Kind: model.TaskKindKeywordWatch,
		Run: func(ctx context.Context, sess session.Session) (model.TaskResult, error) {
			<-release
			return model.TaskResult{Matched: 2}, nil
		},
	}})

	close(release)
	results := pending.Wait()
	require.Len(t, results, 1)
	assert.Equal(t, 2, results.SumMatched())
}

func TestBatch_Cancelled(t *testing.T) {
	provider := fakeProvider()
	batch := testBatch(t, provider)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results := batch.RunAll(ctx, []Job{{
		Name: "Growth-h1",
		Host: "h1",
		Kind: model.TaskKindGrowthWatch,
		Run: func(ctx context.Context, sess session.Session) (model.TaskResult, error) {
			<-ctx.Done()
			return model.TaskResult{}, ctx.Err()
		},
	}})

	require.Len(t, results, 1)
	assert.Equal(t, model.TaskStatusCanceled, results[0].Status)
	assert.ErrorIs(t, results[0].Err, ErrTaskCancelled)
	assert.True(t, provider.AllClosed())
}
