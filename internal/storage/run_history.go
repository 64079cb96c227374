package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/t77yq/exprunner/internal/model"
)

// ErrUnknownFilter is returned when a filter names a column that cannot be filtered on
var ErrUnknownFilter = errors.New("unknown filter")

// TaskRecord is one stored host task of a run
type TaskRecord struct {
	ID        string      `json:"id"`
	RunID     string      `json:"run_id"`
	Phase     model.Phase `json:"phase"`
	Iteration int         `json:"iteration,omitempty"`

	Task     model.TaskResult `json:"task"`
	Duration time.Duration    `json:"duration,omitempty"`
	Metadata json.RawMessage  `json:"metadata,omitempty"`
}

// RunHistory defines the interface for experiment run storage
type RunHistory interface {
	// StartRun records a new run
	StartRun(ctx context.Context, run *model.RunSummary) error

	// FinishRun stores the final outcome of a run
	FinishRun(ctx context.Context, run *model.RunSummary) error

	// GetRun retrieves a run by ID, nil when absent
	GetRun(ctx context.Context, runID string) (*model.RunSummary, error)

	// Store stores a task record
	Store(ctx context.Context, record *TaskRecord) error

	// List retrieves task records with pagination and filters
	List(ctx context.Context, filters map[string]interface{}, offset, limit int) ([]*TaskRecord, error)

	// Count returns the number of task records matching the filters
	Count(ctx context.Context, filters map[string]interface{}) (int, error)

	// DeleteBefore deletes runs and task records started before the given time
	DeleteBefore(ctx context.Context, before time.Time) error

	Close() error
}

// filterColumns are the task_history columns List and Count accept
var filterColumns = map[string]bool{
	"run_id":    true,
	"phase":     true,
	"iteration": true,
	"name":      true,
	"host":      true,
	"kind":      true,
	"status":    true,
}

// SQLiteRunHistory implements RunHistory using SQLite
type SQLiteRunHistory struct {
	logger *zap.Logger
	db     *sql.DB
}

// NewSQLiteRunHistory opens or creates the history database at dbPath
func NewSQLiteRunHistory(logger *zap.Logger, dbPath string) (*SQLiteRunHistory, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	storage := &SQLiteRunHistory{
		logger: logger.Named("history"),
		db:     db,
	}

	if err := storage.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	return storage, nil
}

// initialize creates the necessary tables if they don't exist
func (s *SQLiteRunHistory) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			experiment TEXT NOT NULL,
			status TEXT NOT NULL,
			matches INTEGER NOT NULL DEFAULT 0,
			iterations INTEGER NOT NULL DEFAULT 0,
			failures INTEGER NOT NULL DEFAULT 0,
			error TEXT,
			started_at DATETIME NOT NULL,
			finished_at DATETIME
		);
		CREATE TABLE IF NOT EXISTS task_history (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			phase TEXT NOT NULL,
			iteration INTEGER NOT NULL DEFAULT 0,
			name TEXT NOT NULL,
			host TEXT NOT NULL,
			kind TEXT NOT NULL,
			status TEXT NOT NULL,
			matched INTEGER NOT NULL DEFAULT 0,
			state TEXT,
			output TEXT,
			error TEXT,
			started_at DATETIME NOT NULL,
			completed_at DATETIME,
			duration INTEGER,
			metadata TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_task_history_run_id ON task_history(run_id);
		CREATE INDEX IF NOT EXISTS idx_task_history_name ON task_history(name);
		CREATE INDEX IF NOT EXISTS idx_task_history_status ON task_history(status);
		CREATE INDEX IF NOT EXISTS idx_task_history_started_at ON task_history(started_at);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	return nil
}

// StartRun implements RunHistory.StartRun
func (s *SQLiteRunHistory) StartRun(ctx context.Context, run *model.RunSummary) error {
	if run.RunID == "" {
		run.RunID = uuid.New().String()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, experiment, status, started_at)
		VALUES (?, ?, ?, ?)`,
		run.RunID,
		run.Experiment,
		run.Status,
		run.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to store run: %w", err)
	}
	return nil
}

// FinishRun implements RunHistory.FinishRun
func (s *SQLiteRunHistory) FinishRun(ctx context.Context, run *model.RunSummary) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE runs SET
			status = ?,
			matches = ?,
			iterations = ?,
			failures = ?,
			error = ?,
			finished_at = ?
		WHERE run_id = ?`,
		run.Status,
		run.Matches,
		run.Iterations,
		run.Failures,
		sql.NullString{String: run.Error, Valid: run.Error != ""},
		sql.NullTime{Time: run.FinishedAt, Valid: !run.FinishedAt.IsZero()},
		run.RunID,
	)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	return nil
}

// GetRun implements RunHistory.GetRun
func (s *SQLiteRunHistory) GetRun(ctx context.Context, runID string) (*model.RunSummary, error) {
	var run model.RunSummary
	var errorStr sql.NullString
	var finishedAt sql.NullTime

	err := s.db.QueryRowContext(ctx, `
		SELECT run_id, experiment, status, matches, iterations, failures, error, started_at, finished_at
		FROM runs
		WHERE run_id = ?`, runID).Scan(
		&run.RunID,
		&run.Experiment,
		&run.Status,
		&run.Matches,
		&run.Iterations,
		&run.Failures,
		&errorStr,
		&run.StartedAt,
		&finishedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan run: %w", err)
	}

	if errorStr.Valid {
		run.Error = errorStr.String
	}
	if finishedAt.Valid {
		run.FinishedAt = finishedAt.Time
	}
	return &run, nil
}

// Store implements RunHistory.Store
func (s *SQLiteRunHistory) Store(ctx context.Context, record *TaskRecord) error {
	if record.ID == "" {
		record.ID = uuid.New().String()
	}
	if record.Duration == 0 {
		record.Duration = record.Task.Duration()
	}
	task := record.Task

	var metadataStr string
	if len(record.Metadata) > 0 {
		metadataStr = string(record.Metadata)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_history (
			id, run_id, phase, iteration, name, host, kind, status, matched,
			state, output, error, started_at, completed_at, duration, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID,
		record.RunID,
		record.Phase,
		record.Iteration,
		task.Name,
		task.Host,
		task.Kind,
		task.Status,
		task.Matched,
		sql.NullString{String: string(task.State), Valid: task.State != ""},
		sql.NullString{String: task.Output, Valid: task.Output != ""},
		sql.NullString{String: task.Error, Valid: task.Error != ""},
		task.StartedAt,
		sql.NullTime{Time: task.CompletedAt, Valid: !task.CompletedAt.IsZero()},
		sql.NullInt64{Int64: int64(record.Duration), Valid: record.Duration != 0},
		sql.NullString{String: metadataStr, Valid: len(metadataStr) > 0},
	)
	if err != nil {
		return fmt.Errorf("failed to store task history: %w", err)
	}
	return nil
}

// List implements RunHistory.List
func (s *SQLiteRunHistory) List(ctx context.Context, filters map[string]interface{}, offset, limit int) ([]*TaskRecord, error) {
	where, args, err := whereClause(filters)
	if err != nil {
		return nil, err
	}

	query := `SELECT id, run_id, phase, iteration, name, host, kind, status, matched,
		state, output, error, started_at, completed_at, duration, metadata
		FROM task_history` + where + " ORDER BY started_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list task history: %w", err)
	}
	defer rows.Close()

	var records []*TaskRecord
	for rows.Next() {
		record := &TaskRecord{}
		var state, output, errorStr, metadata sql.NullString
		var completedAt sql.NullTime
		var durationNanos sql.NullInt64

		err := rows.Scan(
			&record.ID,
			&record.RunID,
			&record.Phase,
			&record.Iteration,
			&record.Task.Name,
			&record.Task.Host,
			&record.Task.Kind,
			&record.Task.Status,
			&record.Task.Matched,
			&state,
			&output,
			&errorStr,
			&record.Task.StartedAt,
			&completedAt,
			&durationNanos,
			&metadata,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task history: %w", err)
		}

		if state.Valid {
			record.Task.State = model.SupervisionState(state.String)
		}
		if output.Valid {
			record.Task.Output = output.String
		}
		if errorStr.Valid {
			record.Task.Error = errorStr.String
		}
		if completedAt.Valid {
			record.Task.CompletedAt = completedAt.Time
		}
		if durationNanos.Valid {
			record.Duration = time.Duration(durationNanos.Int64)
		}
		if metadata.Valid && metadata.String != "" {
			record.Metadata = json.RawMessage(metadata.String)
		}

		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}

	return records, nil
}

// Count implements RunHistory.Count
func (s *SQLiteRunHistory) Count(ctx context.Context, filters map[string]interface{}) (int, error) {
	where, args, err := whereClause(filters)
	if err != nil {
		return 0, err
	}

	var count int
	err = s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM task_history"+where, args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count task history: %w", err)
	}
	return count, nil
}

// DeleteBefore implements RunHistory.DeleteBefore
func (s *SQLiteRunHistory) DeleteBefore(ctx context.Context, before time.Time) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM task_history WHERE started_at < ?", before)
	if err != nil {
		return fmt.Errorf("failed to delete task history: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, "DELETE FROM runs WHERE started_at < ?", before); err != nil {
		return fmt.Errorf("failed to delete runs: %w", err)
	}

	s.logger.Info("Deleted old task history records",
		zap.Time("before", before),
		zap.Int64("deleted", affected))

	return nil
}

// Close closes the database connection
func (s *SQLiteRunHistory) Close() error {
	return s.db.Close()
}

// whereClause builds a deterministic WHERE clause from allowed columns
func whereClause(filters map[string]interface{}) (string, []interface{}, error) {
	if len(filters) == 0 {
		return "", nil, nil
	}

	keys := make([]string, 0, len(filters))
	for key := range filters {
		if !filterColumns[key] {
			return "", nil, fmt.Errorf("%w: %s", ErrUnknownFilter, key)
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)

	conds := make([]string, 0, len(keys))
	args := make([]interface{}, 0, len(keys))
	for _, key := range keys {
		conds = append(conds, key+" = ?")
		args = append(args, filters[key])
	}
	return " WHERE " + strings.Join(conds, " AND "), args, nil
}
