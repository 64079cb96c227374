package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/exprunner/internal/model"
	"github.com/t77yq/exprunner/internal/storage"
)

func seedHistory(t *testing.T, path string) *model.RunSummary {
	t.Helper()
	history, err := storage.NewSQLiteRunHistory(zaptest.NewLogger(t), path)
	require.NoError(t, err)
	defer history.Close()

	ctx := context.Background()
	started := time.Now().Add(-10 * time.Minute)
	run := &model.RunSummary{
		Experiment: "baseline",
		Status:     model.TaskStatusRunning,
		StartedAt:  started,
	}
	require.NoError(t, history.StartRun(ctx, run))

	for _, task := range []model.TaskResult{
		{Name: "Monitor-conntrack", Host: "convsrc2", Kind: model.TaskKindKeywordWatch, Status: model.TaskStatusCompleted, Matched: 2},
		{Name: "Monitor-ptp", Host: "convsrc2", Kind: model.TaskKindKeywordWatch, Status: model.TaskStatusFailed},
		{Name: "Client-tcp-convsrc1", Host: "convsrc1", Kind: model.TaskKindClient, Status: model.TaskStatusCompleted},
	} {
		task.StartedAt = started.Add(time.Minute)
		task.CompletedAt = task.StartedAt.Add(2 * time.Second)
		require.NoError(t, history.Store(ctx, &storage.TaskRecord{RunID: run.RunID, Phase: model.PhasePrerequisite, Task: task}))
	}

	run.Status = model.TaskStatusCompleted
	run.Matches = 2
	run.Iterations = 5
	run.Failures = 1
	run.FinishedAt = started.Add(5 * time.Minute)
	require.NoError(t, history.FinishRun(ctx, run))
	return run
}

func openTestHistory(t *testing.T) (*storage.SQLiteRunHistory, *model.RunSummary) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "runs.db")
	run := seedHistory(t, path)

	history, err := storage.NewSQLiteRunHistory(zaptest.NewLogger(t), path)
	require.NoError(t, err)
	t.Cleanup(func() { history.Close() })
	return history, run
}

func TestShowRun(t *testing.T) {
	history, run := openTestHistory(t)

	var out bytes.Buffer
	require.NoError(t, showRun(context.Background(), &out, history, run.RunID))

	text := out.String()
	assert.Contains(t, text, run.RunID)
	assert.Contains(t, text, "baseline")
	assert.Contains(t, text, "completed")
	assert.Contains(t, text, "3 (1 failed)")
	assert.Contains(t, text, "(5m0s)")

	err := showRun(context.Background(), &out, history, "missing")
	require.ErrorContains(t, err, "run missing not found")
}

func TestListTasks(t *testing.T) {
	history, run := openTestHistory(t)
	ctx := context.Background()

	var out bytes.Buffer
	require.NoError(t, listTasks(ctx, &out, history, taskFilters(run.RunID, "", "convsrc2", ""), 0, 50))
	text := out.String()
	assert.Contains(t, text, "Monitor-conntrack")
	assert.Contains(t, text, "Monitor-ptp")
	assert.NotContains(t, text, "Client-tcp-convsrc1")
	assert.Contains(t, text, "2 of 2 tasks")

	out.Reset()
	require.NoError(t, listTasks(ctx, &out, history, taskFilters("", "", "", ""), 0, 1))
	assert.Contains(t, out.String(), "1 of 3 tasks")
}

func TestTaskFilters(t *testing.T) {
	assert.Empty(t, taskFilters("", "", "", ""))
	assert.Equal(t, map[string]interface{}{"run_id": "r1", "status": "failed"}, taskFilters("r1", "", "", "failed"))
}

func TestPruneHistory(t *testing.T) {
	history, run := openTestHistory(t)
	ctx := context.Background()

	var out bytes.Buffer
	require.NoError(t, pruneHistory(ctx, &out, history, time.Now().Add(-time.Hour)))
	assert.Contains(t, out.String(), "Pruned 0 task results")

	out.Reset()
	require.NoError(t, pruneHistory(ctx, &out, history, time.Now()))
	assert.Contains(t, out.String(), "Pruned 3 task results")
	assert.Contains(t, out.String(), "0 left")

	gone, err := history.GetRun(ctx, run.RunID)
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func TestHistoryCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runs.db")
	run := seedHistory(t, path)
	t.Setenv("EXPRUNNER_HISTORY_PATH", path)

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"history", "show", run.RunID})
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	})

	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "Experiment:")
	assert.Contains(t, out.String(), "baseline")
}
