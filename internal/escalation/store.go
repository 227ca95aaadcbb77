// Package escalation persists human-attention flags. Escalations come
// from two producers with different severity vocabularies: chat tools
// speak critical/high/medium/low and the scheduled-task tool speaks
// info/warning/critical. The store's canonical enum is
// critical/high/medium/low; NormalizeSeverity maps the narrower
// vocabulary in at the boundary.
package escalation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Canonical severity values, highest urgency first.
const (
	SeverityCritical = "critical"
	SeverityHigh     = "high"
	SeverityMedium   = "medium"
	SeverityLow      = "low"
)

// ErrNotFound is returned when an escalation ID does not exist.
var ErrNotFound = errors.New("escalation: not found")

// NormalizeSeverity maps any accepted severity spelling to the
// canonical enum. The narrow tool vocabulary maps info→low,
// warning→medium, critical→critical. Unknown values default to medium
// so a malformed tool call still surfaces somewhere visible.
func NormalizeSeverity(s string) string {
	switch s {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow:
		return s
	case "info":
		return SeverityLow
	case "warning":
		return SeverityMedium
	default:
		return SeverityMedium
	}
}

// Escalation is one durable request for human attention.
type Escalation struct {
	ID           string
	Title        string
	Description  string
	Severity     string // canonical: critical, high, medium, low
	SourceTask   string // empty unless raised by or about a scheduled task
	Acknowledged bool
	Resolved     bool
	CreatedAt    time.Time
}

// Store is a SQLite-backed escalation store.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) the escalation store at the given
// database path.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open escalation database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate escalation schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS escalations (
		id           TEXT PRIMARY KEY,
		title        TEXT NOT NULL,
		description  TEXT NOT NULL DEFAULT '',
		severity     TEXT NOT NULL,
		source_task  TEXT,
		acknowledged INTEGER NOT NULL DEFAULT 0,
		resolved     INTEGER NOT NULL DEFAULT 0,
		created_at   TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_escalations_resolved ON escalations(resolved);
	CREATE INDEX IF NOT EXISTS idx_escalations_source ON escalations(source_task);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Insert persists an escalation. Severity is normalized to the
// canonical enum; empty IDs get a UUIDv7. The stored ID is returned.
func (s *Store) Insert(ctx context.Context, e Escalation) (string, error) {
	if e.Title == "" {
		return "", fmt.Errorf("escalation title must not be empty")
	}
	if e.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return "", fmt.Errorf("generate escalation ID: %w", err)
		}
		e.ID = id.String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	e.Severity = NormalizeSeverity(e.Severity)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO escalations
			(id, title, description, severity, source_task, acknowledged, resolved, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Title, e.Description, e.Severity, nullable(e.SourceTask),
		boolToInt(e.Acknowledged), boolToInt(e.Resolved),
		e.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return "", fmt.Errorf("insert escalation: %w", err)
	}
	return e.ID, nil
}

// ListOpen returns unresolved escalations, newest first.
func (s *Store) ListOpen(ctx context.Context, limit int) ([]Escalation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		selectColumns+` WHERE resolved = 0 ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list escalations: %w", err)
	}
	defer rows.Close()
	return collect(rows)
}

// CountOpenForTask returns the number of unresolved escalations whose
// source_task matches. The scheduler uses this to avoid piling
// duplicate breaker escalations onto an already-flagged task.
func (s *Store) CountOpenForTask(ctx context.Context, taskName string) (int, error) {
	var n int
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM escalations WHERE source_task = ? AND resolved = 0`, taskName)
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("count escalations for %q: %w", taskName, err)
	}
	return n, nil
}

// Acknowledge marks an escalation as seen without resolving it.
func (s *Store) Acknowledge(ctx context.Context, id string) error {
	return s.setFlag(ctx, id, "acknowledged")
}

// Resolve closes an escalation. Resolved escalations are never
// reopened by the system; a recurrence creates a new row.
func (s *Store) Resolve(ctx context.Context, id string) error {
	return s.setFlag(ctx, id, "resolved")
}

func (s *Store) setFlag(ctx context.Context, id, column string) error {
	// column is one of two compile-time constants, never user input.
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE escalations SET %s = 1 WHERE id = ?`, column), id)
	if err != nil {
		return fmt.Errorf("%s escalation %q: %w", column, id, err)
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

const selectColumns = `SELECT id, title, description, severity, source_task,
	acknowledged, resolved, created_at FROM escalations`

func collect(rows *sql.Rows) ([]Escalation, error) {
	var escalations []Escalation
	for rows.Next() {
		var e Escalation
		var sourceTask sql.NullString
		var acknowledged, resolved int
		var createdAt string

		err := rows.Scan(&e.ID, &e.Title, &e.Description, &e.Severity,
			&sourceTask, &acknowledged, &resolved, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("scan escalation: %w", err)
		}
		e.SourceTask = sourceTask.String
		e.Acknowledged = acknowledged != 0
		e.Resolved = resolved != 0
		if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			e.CreatedAt = t
		}
		escalations = append(escalations, e)
	}
	return escalations, rows.Err()
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
