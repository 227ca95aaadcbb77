// Package taskconfig persists the recurring-task registry. One row per
// task holds the cron schedule, the prompt, and the circuit-breaker
// state. Status fields (last_run_*, consecutive_failures, the breaker's
// enabled flip) are written only through the Record* methods; schedule
// and prompt fields change only through Create and Update.
package taskconfig

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/robfig/cron/v3"
)

// Run status values for LastRunStatus.
const (
	StatusSuccess = "success"
	StatusError   = "error"
	StatusSkipped = "skipped"
)

// DefaultMaxRetries is the consecutive-failure threshold applied when a
// task is created without an explicit value.
const DefaultMaxRetries = 3

var (
	// ErrNotFound is returned when a task name is not in the store.
	ErrNotFound = errors.New("taskconfig: task not found")

	// ErrDuplicate is returned by Create for an existing task name.
	ErrDuplicate = errors.New("taskconfig: task already exists")

	// nameRE constrains task names to lowercase letters, digits, and
	// underscores so they are safe in prompts, logs, and email subjects.
	nameRE = regexp.MustCompile(`^[a-z0-9_]+$`)

	// cronParser accepts standard 5-field cron expressions. The
	// scheduler uses the same parser, so anything this store accepts
	// is schedulable.
	cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
)

// TaskConfig is one recurring task.
type TaskConfig struct {
	TaskName            string
	Description         string
	CronSchedule        string
	PromptTemplate      string
	Model               string
	Enabled             bool
	MaxRetries          int
	ConsecutiveFailures int
	LastRunAt           time.Time // zero if never run
	LastRunStatus       string    // success, error, skipped; empty if never run
	LastError           string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// ValidateName reports whether a task name is acceptable.
func ValidateName(name string) error {
	if !nameRE.MatchString(name) {
		return fmt.Errorf("invalid task name %q: must match [a-z0-9_]+", name)
	}
	return nil
}

// ValidateCron reports whether a 5-field cron expression parses.
func ValidateCron(expr string) error {
	if _, err := cronParser.Parse(expr); err != nil {
		return fmt.Errorf("invalid cron schedule %q: %w", expr, err)
	}
	return nil
}

// Store is a SQLite-backed task registry.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) the task store at the given database path.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open task database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate task schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS task_configs (
		task_name            TEXT PRIMARY KEY,
		description          TEXT NOT NULL DEFAULT '',
		cron_schedule        TEXT NOT NULL,
		prompt_template      TEXT NOT NULL,
		model                TEXT NOT NULL DEFAULT '',
		enabled              INTEGER NOT NULL DEFAULT 1,
		max_retries          INTEGER NOT NULL DEFAULT 3,
		consecutive_failures INTEGER NOT NULL DEFAULT 0,
		last_run_at          TEXT,
		last_run_status      TEXT,
		last_error           TEXT,
		created_at           TEXT NOT NULL,
		updated_at           TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_task_enabled ON task_configs(enabled);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Create inserts a new task. The name and cron schedule are validated
// first; duplicates return ErrDuplicate.
func (s *Store) Create(ctx context.Context, tc TaskConfig) error {
	if err := ValidateName(tc.TaskName); err != nil {
		return err
	}
	if err := ValidateCron(tc.CronSchedule); err != nil {
		return err
	}
	if tc.PromptTemplate == "" {
		return fmt.Errorf("task %q: prompt template must not be empty", tc.TaskName)
	}
	if tc.MaxRetries <= 0 {
		tc.MaxRetries = DefaultMaxRetries
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO task_configs
			(task_name, description, cron_schedule, prompt_template, model,
			 enabled, max_retries, consecutive_failures, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		tc.TaskName, tc.Description, tc.CronSchedule, tc.PromptTemplate, tc.Model,
		boolToInt(tc.Enabled), tc.MaxRetries, now, now,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("%w: %s", ErrDuplicate, tc.TaskName)
		}
		return fmt.Errorf("insert task %q: %w", tc.TaskName, err)
	}
	return nil
}

// Update describes a partial change to a task's definition. Nil fields
// are left untouched.
type Update struct {
	Description    *string
	CronSchedule   *string
	PromptTemplate *string
	Model          *string
	Enabled        *bool
	MaxRetries     *int
}

// Update applies a partial update to an existing task. Unknown names
// return ErrNotFound; a new cron schedule is validated before it is
// written.
func (s *Store) Update(ctx context.Context, name string, u Update) error {
	if u.CronSchedule != nil {
		if err := ValidateCron(*u.CronSchedule); err != nil {
			return err
		}
	}

	var sets []string
	var args []any
	set := func(column string, value any) {
		sets = append(sets, column+" = ?")
		args = append(args, value)
	}

	if u.Description != nil {
		set("description", *u.Description)
	}
	if u.CronSchedule != nil {
		set("cron_schedule", *u.CronSchedule)
	}
	if u.PromptTemplate != nil {
		set("prompt_template", *u.PromptTemplate)
	}
	if u.Model != nil {
		set("model", *u.Model)
	}
	if u.Enabled != nil {
		set("enabled", boolToInt(*u.Enabled))
		if *u.Enabled {
			// Re-enabling clears breaker state so the task gets a
			// fresh run of retries.
			set("consecutive_failures", 0)
		}
	}
	if u.MaxRetries != nil {
		if *u.MaxRetries <= 0 {
			return fmt.Errorf("task %q: max_retries must be positive", name)
		}
		set("max_retries", *u.MaxRetries)
	}
	if len(sets) == 0 {
		return fmt.Errorf("task %q: no fields to update", name)
	}
	set("updated_at", time.Now().UTC().Format(time.RFC3339Nano))
	args = append(args, name)

	res, err := s.db.ExecContext(ctx,
		"UPDATE task_configs SET "+strings.Join(sets, ", ")+" WHERE task_name = ?",
		args...)
	if err != nil {
		return fmt.Errorf("update task %q: %w", name, err)
	}
	return requireRow(res, name)
}

// Get returns a single task, or ErrNotFound.
func (s *Store) Get(ctx context.Context, name string) (*TaskConfig, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` WHERE task_name = ?`, name)
	tc, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("get task %q: %w", name, err)
	}
	return tc, nil
}

// ListEnabled returns all enabled tasks ordered by name. This is the
// scheduler's reconciliation query.
func (s *Store) ListEnabled(ctx context.Context) ([]TaskConfig, error) {
	return s.list(ctx, selectColumns+` WHERE enabled = 1 ORDER BY task_name`)
}

// All returns every task ordered by name, disabled ones included.
func (s *Store) All(ctx context.Context) ([]TaskConfig, error) {
	return s.list(ctx, selectColumns+` ORDER BY task_name`)
}

func (s *Store) list(ctx context.Context, query string) ([]TaskConfig, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []TaskConfig
	for rows.Next() {
		tc, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, *tc)
	}
	return tasks, rows.Err()
}

// RecordSuccess marks a successful run: status success, error cleared,
// failure counter reset to zero.
func (s *Store) RecordSuccess(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE task_configs SET
			last_run_at = ?, last_run_status = ?, last_error = NULL,
			consecutive_failures = 0, updated_at = ?
		 WHERE task_name = ?`,
		nowString(), StatusSuccess, nowString(), name)
	if err != nil {
		return fmt.Errorf("record success for %q: %w", name, err)
	}
	return requireRow(res, name)
}

// RecordSkipped marks a run that was short-circuited without calling
// the model (breaker already tripped but the timer fired anyway).
func (s *Store) RecordSkipped(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE task_configs SET
			last_run_at = ?, last_run_status = ?, updated_at = ?
		 WHERE task_name = ?`,
		nowString(), StatusSkipped, nowString(), name)
	if err != nil {
		return fmt.Errorf("record skip for %q: %w", name, err)
	}
	return requireRow(res, name)
}

// RecordError records a failed run without touching the breaker
// counter. Used for housekeeping tasks (the digest sender) where
// repeated failures should not disable the task.
func (s *Store) RecordError(ctx context.Context, name, errMsg string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE task_configs SET
			last_run_at = ?, last_run_status = ?, last_error = ?, updated_at = ?
		 WHERE task_name = ?`,
		nowString(), StatusError, errMsg, nowString(), name)
	if err != nil {
		return fmt.Errorf("record error for %q: %w", name, err)
	}
	return requireRow(res, name)
}

// RecordFailure increments the consecutive-failure counter and records
// the error. If the new count reaches max_retries the task is disabled
// in the same transaction and tripped is true; the caller then raises
// the escalation. The returned failures value is the post-increment
// count.
func (s *Store) RecordFailure(ctx context.Context, name, errMsg string) (failures int, tripped bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, fmt.Errorf("record failure for %q: %w", name, err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE task_configs SET
			last_run_at = ?, last_run_status = ?, last_error = ?,
			consecutive_failures = consecutive_failures + 1, updated_at = ?
		 WHERE task_name = ?`,
		nowString(), StatusError, errMsg, nowString(), name)
	if err != nil {
		return 0, false, fmt.Errorf("record failure for %q: %w", name, err)
	}
	if err := requireRow(res, name); err != nil {
		return 0, false, err
	}

	var maxRetries int
	row := tx.QueryRowContext(ctx,
		`SELECT consecutive_failures, max_retries FROM task_configs WHERE task_name = ?`, name)
	if err := row.Scan(&failures, &maxRetries); err != nil {
		return 0, false, fmt.Errorf("read failure count for %q: %w", name, err)
	}

	if failures >= maxRetries {
		if _, err := tx.ExecContext(ctx,
			`UPDATE task_configs SET enabled = 0, updated_at = ? WHERE task_name = ?`,
			nowString(), name); err != nil {
			return 0, false, fmt.Errorf("disable task %q: %w", name, err)
		}
		tripped = true
	}

	if err := tx.Commit(); err != nil {
		return 0, false, fmt.Errorf("record failure for %q: %w", name, err)
	}
	return failures, tripped, nil
}

const selectColumns = `SELECT task_name, description, cron_schedule, prompt_template, model,
	enabled, max_retries, consecutive_failures, last_run_at, last_run_status, last_error,
	created_at, updated_at FROM task_configs`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*TaskConfig, error) {
	var tc TaskConfig
	var enabled int
	var lastRunAt, lastRunStatus, lastError sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(&tc.TaskName, &tc.Description, &tc.CronSchedule, &tc.PromptTemplate,
		&tc.Model, &enabled, &tc.MaxRetries, &tc.ConsecutiveFailures,
		&lastRunAt, &lastRunStatus, &lastError, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	tc.Enabled = enabled != 0
	tc.LastRunStatus = lastRunStatus.String
	tc.LastError = lastError.String
	if lastRunAt.Valid {
		tc.LastRunAt = parseTime(lastRunAt.String)
	}
	tc.CreatedAt = parseTime(createdAt)
	tc.UpdatedAt = parseTime(updatedAt)
	return &tc, nil
}

func requireRow(res sql.Result, name string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return nil
}

func nowString() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
