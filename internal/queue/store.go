// Package queue persists cross-mode work handoffs: a voice session can
// queue work for a later text session, a scheduled task can queue
// followups for the operator's next chat. Items drain oldest-first
// within each priority band, P0 before P3.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Status values for Item.Status.
const (
	StatusPending    = "pending"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusCancelled  = "cancelled"
)

// Valid priorities, highest first. The lexical order of the strings
// matches the urgency order, which the list query relies on.
var priorities = map[string]bool{"P0": true, "P1": true, "P2": true, "P3": true}

// ErrNotFound is returned when a queue item ID does not exist.
var ErrNotFound = errors.New("queue: item not found")

// Item is one queued piece of work.
type Item struct {
	ID             string
	RequestSummary string
	FullContext    string
	RequiredTools  []string
	Priority       string // P0 (highest) through P3
	TargetMode     string // which conversation mode should pick this up
	Status         string
	QueuedAt       time.Time
	CompletedAt    time.Time // zero until terminal
	ResultSummary  string
	ResultDetail   string
	ErrorMessage   string
}

// Store is a SQLite-backed work queue.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) the queue store at the given database
// path.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open queue database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate queue schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS queue_items (
		id              TEXT PRIMARY KEY,
		request_summary TEXT NOT NULL,
		full_context    TEXT NOT NULL DEFAULT '',
		required_tools  TEXT NOT NULL DEFAULT '[]',
		priority        TEXT NOT NULL DEFAULT 'P2',
		target_mode     TEXT NOT NULL DEFAULT '',
		status          TEXT NOT NULL DEFAULT 'pending',
		queued_at       TEXT NOT NULL,
		completed_at    TEXT,
		result_summary  TEXT NOT NULL DEFAULT '',
		result_detail   TEXT NOT NULL DEFAULT '',
		error_message   TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_queue_status ON queue_items(status);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Enqueue inserts a pending item. An empty priority defaults to P2;
// unknown priorities are rejected. The stored ID is returned.
func (s *Store) Enqueue(ctx context.Context, item Item) (string, error) {
	if item.RequestSummary == "" {
		return "", fmt.Errorf("queue item summary must not be empty")
	}
	if item.Priority == "" {
		item.Priority = "P2"
	}
	if !priorities[item.Priority] {
		return "", fmt.Errorf("invalid priority %q: must be P0..P3", item.Priority)
	}
	if item.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return "", fmt.Errorf("generate queue item ID: %w", err)
		}
		item.ID = id.String()
	}
	if item.QueuedAt.IsZero() {
		item.QueuedAt = time.Now()
	}

	tools, err := json.Marshal(item.RequiredTools)
	if err != nil {
		return "", fmt.Errorf("marshal required tools: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO queue_items
			(id, request_summary, full_context, required_tools, priority,
			 target_mode, status, queued_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.RequestSummary, item.FullContext, string(tools),
		item.Priority, item.TargetMode, StatusPending,
		item.QueuedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return "", fmt.Errorf("enqueue item: %w", err)
	}
	return item.ID, nil
}

// Pending returns pending items sorted by priority ascending (P0
// first) then queued_at ascending within the same priority.
func (s *Store) Pending(ctx context.Context, limit int) ([]Item, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		selectColumns+` WHERE status = ?
		 ORDER BY priority ASC, queued_at ASC LIMIT ?`,
		StatusPending, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending items: %w", err)
	}
	defer rows.Close()
	return collect(rows)
}

// Get returns a single item, or ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*Item, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get queue item %q: %w", id, err)
	}
	return item, nil
}

// Complete marks an item as finished with a result.
func (s *Store) Complete(ctx context.Context, id, resultSummary, resultDetail string) error {
	return s.finish(ctx, id, StatusCompleted, resultSummary, resultDetail, "")
}

// Fail marks an item as failed with an error message.
func (s *Store) Fail(ctx context.Context, id, errorMessage string) error {
	return s.finish(ctx, id, StatusFailed, "", "", errorMessage)
}

// Cancel marks an item as cancelled.
func (s *Store) Cancel(ctx context.Context, id string) error {
	return s.finish(ctx, id, StatusCancelled, "", "", "")
}

func (s *Store) finish(ctx context.Context, id, status, resultSummary, resultDetail, errorMessage string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE queue_items SET
			status = ?, completed_at = ?, result_summary = ?,
			result_detail = ?, error_message = ?
		 WHERE id = ?`,
		status, time.Now().UTC().Format(time.RFC3339Nano),
		resultSummary, resultDetail, errorMessage, id)
	if err != nil {
		return fmt.Errorf("finish queue item %q: %w", id, err)
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

const selectColumns = `SELECT id, request_summary, full_context, required_tools,
	priority, target_mode, status, queued_at, completed_at,
	result_summary, result_detail, error_message FROM queue_items`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (*Item, error) {
	var item Item
	var tools, queuedAt string
	var completedAt sql.NullString

	err := row.Scan(&item.ID, &item.RequestSummary, &item.FullContext, &tools,
		&item.Priority, &item.TargetMode, &item.Status, &queuedAt, &completedAt,
		&item.ResultSummary, &item.ResultDetail, &item.ErrorMessage)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(tools), &item.RequiredTools); err != nil {
		return nil, fmt.Errorf("unmarshal required tools: %w", err)
	}
	if t, err := time.Parse(time.RFC3339Nano, queuedAt); err == nil {
		item.QueuedAt = t
	}
	if completedAt.Valid {
		if t, err := time.Parse(time.RFC3339Nano, completedAt.String); err == nil {
			item.CompletedAt = t
		}
	}
	return &item, nil
}

func collect(rows *sql.Rows) ([]Item, error) {
	var items []Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan queue item: %w", err)
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}
