// Package report persists task execution reports and ad-hoc reports
// written by the agent. Rows are write-once apart from the
// acknowledged flag.
package report

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Severity values for Report.Severity.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// ErrNotFound is returned when a report ID does not exist.
var ErrNotFound = errors.New("report: not found")

// Report is one task execution result or ad-hoc report.
type Report struct {
	ID           string
	TaskName     string // empty for ad-hoc reports
	Content      string
	Summary      string
	Severity     string // info, warning, critical
	ModelUsed    string
	TokensIn     int
	TokensOut    int
	CostEstimate float64
	Acknowledged bool
	CreatedAt    time.Time
}

// Store is a SQLite-backed report store.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) the report store at the given database
// path.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open report database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate report schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS reports (
		id            TEXT PRIMARY KEY,
		task_name     TEXT,
		content       TEXT NOT NULL,
		summary       TEXT NOT NULL DEFAULT '',
		severity      TEXT NOT NULL DEFAULT 'info',
		model_used    TEXT NOT NULL DEFAULT '',
		tokens_in     INTEGER NOT NULL DEFAULT 0,
		tokens_out    INTEGER NOT NULL DEFAULT 0,
		cost_estimate REAL NOT NULL DEFAULT 0,
		acknowledged  INTEGER NOT NULL DEFAULT 0,
		created_at    TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_reports_task ON reports(task_name);
	CREATE INDEX IF NOT EXISTS idx_reports_created ON reports(created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Insert persists a report. If r.ID is empty a UUIDv7 is generated; if
// r.CreatedAt is zero the current time is used. The stored ID is
// returned.
func (s *Store) Insert(ctx context.Context, r Report) (string, error) {
	if r.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return "", fmt.Errorf("generate report ID: %w", err)
		}
		r.ID = id.String()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	if r.Severity == "" {
		r.Severity = SeverityInfo
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO reports
			(id, task_name, content, summary, severity, model_used,
			 tokens_in, tokens_out, cost_estimate, acknowledged, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, nullable(r.TaskName), r.Content, r.Summary, r.Severity, r.ModelUsed,
		r.TokensIn, r.TokensOut, r.CostEstimate, boolToInt(r.Acknowledged),
		r.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return "", fmt.Errorf("insert report: %w", err)
	}
	return r.ID, nil
}

// ExistsOnDay reports whether an automatic report for taskName already
// exists on the calendar day containing now, in now's location. The
// scheduler uses this to deduplicate overlapping triggers.
func (s *Store) ExistsOnDay(ctx context.Context, taskName string, now time.Time) (bool, error) {
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	dayEnd := dayStart.Add(24 * time.Hour)

	var count int
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM reports
		 WHERE task_name = ? AND created_at >= ? AND created_at < ?`,
		taskName,
		dayStart.UTC().Format(time.RFC3339Nano),
		dayEnd.UTC().Format(time.RFC3339Nano),
	)
	if err := row.Scan(&count); err != nil {
		return false, fmt.Errorf("check reports for %q: %w", taskName, err)
	}
	return count > 0, nil
}

// LatestForTask returns the most recent report for a task, or nil if
// the task has never produced one.
func (s *Store) LatestForTask(ctx context.Context, taskName string) (*Report, error) {
	row := s.db.QueryRowContext(ctx,
		selectColumns+` WHERE task_name = ? ORDER BY created_at DESC LIMIT 1`, taskName)

	r, err := scanReport(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest report for %q: %w", taskName, err)
	}
	return r, nil
}

// Recent returns the newest reports, most recent first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Report, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		selectColumns+` ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list reports: %w", err)
	}
	defer rows.Close()
	return collectReports(rows)
}

// Search returns reports whose content or summary contains the query
// string, most recent first.
func (s *Store) Search(ctx context.Context, query string, limit int) ([]Report, error) {
	if limit <= 0 {
		limit = 20
	}
	pattern := "%" + query + "%"
	rows, err := s.db.QueryContext(ctx,
		selectColumns+` WHERE content LIKE ? OR summary LIKE ?
		 ORDER BY created_at DESC LIMIT ?`,
		pattern, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("search reports: %w", err)
	}
	defer rows.Close()
	return collectReports(rows)
}

// Acknowledge sets the acknowledged flag on a report.
func (s *Store) Acknowledge(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE reports SET acknowledged = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("acknowledge report %q: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

const selectColumns = `SELECT id, task_name, content, summary, severity, model_used,
	tokens_in, tokens_out, cost_estimate, acknowledged, created_at FROM reports`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReport(row rowScanner) (*Report, error) {
	var r Report
	var taskName sql.NullString
	var acknowledged int
	var createdAt string

	err := row.Scan(&r.ID, &taskName, &r.Content, &r.Summary, &r.Severity,
		&r.ModelUsed, &r.TokensIn, &r.TokensOut, &r.CostEstimate,
		&acknowledged, &createdAt)
	if err != nil {
		return nil, err
	}

	r.TaskName = taskName.String
	r.Acknowledged = acknowledged != 0
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		r.CreatedAt = t
	}
	return &r, nil
}

func collectReports(rows *sql.Rows) ([]Report, error) {
	var reports []Report
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, fmt.Errorf("scan report: %w", err)
		}
		reports = append(reports, *r)
	}
	return reports, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
