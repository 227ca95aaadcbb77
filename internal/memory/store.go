// Package memory provides persistent key-value memory for the agent.
// Entries are namespaced by category; the "persona" category feeds the
// system prompt, everything else is working context the agent maintains
// for itself across conversations.
package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when a key does not exist.
var ErrNotFound = errors.New("memory: key not found")

// Entry is one remembered fact.
type Entry struct {
	Key       string
	Value     string
	Category  string
	UpdatedAt time.Time
}

// Store is a SQLite-backed key-value store. Writes upsert on key, so
// the agent can revise a fact without tracking whether it exists.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) the memory store at the given database
// path.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open memory database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate memory schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS memory (
		key        TEXT PRIMARY KEY,
		value      TEXT NOT NULL,
		category   TEXT NOT NULL DEFAULT 'general',
		updated_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_memory_category ON memory(category);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Set writes a key, replacing any existing value. An empty category
// defaults to "general".
func (s *Store) Set(ctx context.Context, key, value, category string) error {
	if key == "" {
		return fmt.Errorf("memory key must not be empty")
	}
	if category == "" {
		category = "general"
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO memory (key, value, category, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			category = excluded.category,
			updated_at = excluded.updated_at`,
		key, value, category, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("set memory key %q: %w", key, err)
	}
	return nil
}

// Get returns a single entry, or ErrNotFound.
func (s *Store) Get(ctx context.Context, key string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT key, value, category, updated_at FROM memory WHERE key = ?`, key)

	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get memory key %q: %w", key, err)
	}
	return e, nil
}

// Delete removes a key. Deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM memory WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("delete memory key %q: %w", key, err)
	}
	return nil
}

// ListCategory returns all entries in a category ordered by key.
func (s *Store) ListCategory(ctx context.Context, category string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value, category, updated_at FROM memory
		 WHERE category = ? ORDER BY key`, category)
	if err != nil {
		return nil, fmt.Errorf("list memory category %q: %w", category, err)
	}
	defer rows.Close()

	return collectEntries(rows)
}

// All returns every entry ordered by category then key.
func (s *Store) All(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value, category, updated_at FROM memory
		 ORDER BY category, key`)
	if err != nil {
		return nil, fmt.Errorf("list memory: %w", err)
	}
	defer rows.Close()

	return collectEntries(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var e Entry
	var updatedAt string
	if err := row.Scan(&e.Key, &e.Value, &e.Category, &updatedAt); err != nil {
		return nil, err
	}
	if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		e.UpdatedAt = t
	}
	return &e, nil
}

func collectEntries(rows *sql.Rows) ([]Entry, error) {
	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan memory entry: %w", err)
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}
