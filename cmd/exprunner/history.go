package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/t77yq/exprunner/internal/config"
	"github.com/t77yq/exprunner/internal/model"
	"github.com/t77yq/exprunner/internal/storage"
)

var (
	taskRun        string
	taskPhase      string
	taskHost       string
	taskStatus     string
	taskOffset     int
	taskLimit      int
	pruneOlderThan time.Duration
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Inspect recorded experiment runs",
}

var historyShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show the outcome of one run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withHistory(func(ctx context.Context, history storage.RunHistory) error {
			return showRun(ctx, cmd.OutOrStdout(), history, args[0])
		})
	},
}

var historyTasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "List recorded task results, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		filters := taskFilters(taskRun, taskPhase, taskHost, taskStatus)
		return withHistory(func(ctx context.Context, history storage.RunHistory) error {
			return listTasks(ctx, cmd.OutOrStdout(), history, filters, taskOffset, taskLimit)
		})
	},
}

var historyPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete runs and task results older than a cutoff",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		before := time.Now().Add(-pruneOlderThan)
		return withHistory(func(ctx context.Context, history storage.RunHistory) error {
			return pruneHistory(ctx, cmd.OutOrStdout(), history, before)
		})
	},
}

func init() {
	historyTasksCmd.Flags().StringVar(&taskRun, "run", "", "Only tasks of this run ID")
	historyTasksCmd.Flags().StringVar(&taskPhase, "phase", "", "Only tasks of this phase")
	historyTasksCmd.Flags().StringVar(&taskHost, "host", "", "Only tasks on this host")
	historyTasksCmd.Flags().StringVar(&taskStatus, "status", "", "Only tasks with this status")
	historyTasksCmd.Flags().IntVar(&taskOffset, "offset", 0, "Skip this many tasks")
	historyTasksCmd.Flags().IntVar(&taskLimit, "limit", 50, "Print at most this many tasks")
	historyPruneCmd.Flags().DurationVar(&pruneOlderThan, "older-than", 30*24*time.Hour, "Delete runs started longer ago than this")

	historyCmd.AddCommand(historyShowCmd, historyTasksCmd, historyPruneCmd)
	rootCmd.AddCommand(historyCmd)
}

func withHistory(fn func(context.Context, storage.RunHistory) error) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	logger, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Sync()

	history, err := storage.NewSQLiteRunHistory(logger, cfg.History.Path)
	if err != nil {
		return fmt.Errorf("failed to open run history %s: %w", cfg.History.Path, err)
	}
	defer history.Close()

	return fn(context.Background(), history)
}

func taskFilters(run, phase, host, status string) map[string]interface{} {
	filters := make(map[string]interface{})
	for column, value := range map[string]string{
		"run_id": run,
		"phase":  phase,
		"host":   host,
		"status": status,
	} {
		if value != "" {
			filters[column] = value
		}
	}
	return filters
}

func showRun(ctx context.Context, w io.Writer, history storage.RunHistory, runID string) error {
	run, err := history.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run == nil {
		return fmt.Errorf("run %s not found", runID)
	}

	tasks, err := history.Count(ctx, taskFilters(runID, "", "", ""))
	if err != nil {
		return err
	}
	failed, err := history.Count(ctx, taskFilters(runID, "", "", string(model.TaskStatusFailed)))
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Run:\t%s\n", run.RunID)
	fmt.Fprintf(tw, "Experiment:\t%s\n", run.Experiment)
	fmt.Fprintf(tw, "Status:\t%s\n", run.Status)
	fmt.Fprintf(tw, "Started:\t%s\n", run.StartedAt.Format(time.DateTime))
	if !run.FinishedAt.IsZero() {
		fmt.Fprintf(tw, "Finished:\t%s (%s)\n", run.FinishedAt.Format(time.DateTime), run.FinishedAt.Sub(run.StartedAt).Round(time.Second))
	}
	fmt.Fprintf(tw, "Matches:\t%d\n", run.Matches)
	fmt.Fprintf(tw, "Iterations:\t%d\n", run.Iterations)
	fmt.Fprintf(tw, "Tasks:\t%d (%d failed)\n", tasks, failed)
	if run.Error != "" {
		fmt.Fprintf(tw, "Error:\t%s\n", run.Error)
	}
	return tw.Flush()
}

func listTasks(ctx context.Context, w io.Writer, history storage.RunHistory, filters map[string]interface{}, offset, limit int) error {
	total, err := history.Count(ctx, filters)
	if err != nil {
		return err
	}
	records, err := history.List(ctx, filters, offset, limit)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STARTED\tRUN\tPHASE\tITER\tHOST\tTASK\tSTATUS\tMATCHED\tDURATION")
	for _, r := range records {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\t%s\t%d\t%s\n",
			r.Task.StartedAt.Format(time.DateTime),
			shortID(r.RunID),
			r.Phase,
			r.Iteration,
			r.Task.Host,
			r.Task.Name,
			r.Task.Status,
			r.Task.Matched,
			r.Duration.Round(time.Millisecond))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "%d of %d tasks\n", len(records), total)
	return err
}

func pruneHistory(ctx context.Context, w io.Writer, history storage.RunHistory, before time.Time) error {
	all := map[string]interface{}{}
	kept, err := history.Count(ctx, all)
	if err != nil {
		return err
	}
	if err := history.DeleteBefore(ctx, before); err != nil {
		return err
	}
	left, err := history.Count(ctx, all)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "Pruned %d task results started before %s, %d left\n", kept-left, before.Format(time.DateTime), left)
	return err
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
