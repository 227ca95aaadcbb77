// Package session persists chat and voice conversation state. A
// session's transcript is append-only while the session is active;
// completion freezes it. Each conversation round appends its turns in
// one transaction so a transcript never contains an assistant tool
// call without its results.
package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Conversation types.
const (
	TypeChat      = "chat"
	TypeVoice     = "voice"
	TypeScheduled = "scheduled"
)

// Session status values.
const (
	StatusActive      = "active"
	StatusVoiceActive = "voice_active"
	StatusCompleted   = "completed"
)

var (
	// ErrNotFound is returned when a session ID does not exist.
	ErrNotFound = errors.New("session: not found")

	// ErrCompleted is returned when appending to a completed session.
	ErrCompleted = errors.New("session: already completed")
)

// Message is one transcript turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Session is one conversation.
type Session struct {
	ID               string
	ConversationType string
	SystemPrompt     string
	Context          string // snapshot of ambient context at session start
	Status           string
	Summary          string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Store is a SQLite-backed session store.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) the session store at the given database
// path.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open session database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate session schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id                TEXT PRIMARY KEY,
		conversation_type TEXT NOT NULL,
		system_prompt     TEXT NOT NULL DEFAULT '',
		context           TEXT NOT NULL DEFAULT '',
		status            TEXT NOT NULL DEFAULT 'active',
		summary           TEXT NOT NULL DEFAULT '',
		created_at        TEXT NOT NULL,
		updated_at        TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS session_messages (
		session_id TEXT NOT NULL,
		seq        INTEGER NOT NULL,
		role       TEXT NOT NULL,
		content    TEXT NOT NULL,
		created_at TEXT NOT NULL,
		PRIMARY KEY (session_id, seq)
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Create starts a new session and returns its ID.
func (s *Store) Create(ctx context.Context, conversationType, systemPrompt, contextSnapshot string) (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate session ID: %w", err)
	}

	status := StatusActive
	if conversationType == TypeVoice {
		status = StatusVoiceActive
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions
			(id, conversation_type, system_prompt, context, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id.String(), conversationType, systemPrompt, contextSnapshot, status, now, now)
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	return id.String(), nil
}

// Get returns a session, or ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, conversation_type, system_prompt, context, status, summary,
			created_at, updated_at
		 FROM sessions WHERE id = ?`, id)

	var sess Session
	var createdAt, updatedAt string
	err := row.Scan(&sess.ID, &sess.ConversationType, &sess.SystemPrompt,
		&sess.Context, &sess.Status, &sess.Summary, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get session %q: %w", id, err)
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		sess.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		sess.UpdatedAt = t
	}
	return &sess, nil
}

// Append adds messages to an active session's transcript in one
// transaction. Appending to a completed session returns ErrCompleted.
func (s *Store) Append(ctx context.Context, id string, messages ...Message) error {
	if len(messages) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("append to session %q: %w", id, err)
	}
	defer tx.Rollback()

	var status string
	row := tx.QueryRowContext(ctx, `SELECT status FROM sessions WHERE id = ?`, id)
	if err := row.Scan(&status); errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	} else if err != nil {
		return fmt.Errorf("append to session %q: %w", id, err)
	}
	if status == StatusCompleted {
		return fmt.Errorf("%w: %s", ErrCompleted, id)
	}

	var seq int
	row = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), -1) FROM session_messages WHERE session_id = ?`, id)
	if err := row.Scan(&seq); err != nil {
		return fmt.Errorf("read sequence for session %q: %w", id, err)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, msg := range messages {
		seq++
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO session_messages (session_id, seq, role, content, created_at)
			 VALUES (?, ?, ?, ?, ?)`,
			id, seq, msg.Role, msg.Content, now); err != nil {
			return fmt.Errorf("append message to session %q: %w", id, err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET updated_at = ? WHERE id = ?`, now, id); err != nil {
		return fmt.Errorf("touch session %q: %w", id, err)
	}

	return tx.Commit()
}

// Messages returns a session's transcript in append order.
func (s *Store) Messages(ctx context.Context, id string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT role, content FROM session_messages
		 WHERE session_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("list messages for session %q: %w", id, err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.Role, &m.Content); err != nil {
			return nil, fmt.Errorf("scan session message: %w", err)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// Complete marks a session finished and records its summary. Further
// Append calls will fail.
func (s *Store) Complete(ctx context.Context, id, summary string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, summary = ?, updated_at = ? WHERE id = ?`,
		StatusCompleted, summary, time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("complete session %q: %w", id, err)
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

// ListActive returns sessions that have not completed, newest first.
func (s *Store) ListActive(ctx context.Context) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_type, system_prompt, context, status, summary,
			created_at, updated_at
		 FROM sessions WHERE status != ? ORDER BY created_at DESC`,
		StatusCompleted)
	if err != nil {
		return nil, fmt.Errorf("list active sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var sess Session
		var createdAt, updatedAt string
		err := rows.Scan(&sess.ID, &sess.ConversationType, &sess.SystemPrompt,
			&sess.Context, &sess.Status, &sess.Summary, &createdAt, &updatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			sess.CreatedAt = t
		}
		if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
			sess.UpdatedAt = t
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}
