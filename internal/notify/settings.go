// Package notify decides how report, escalation, and failure events
// reach the operator: immediately by email, batched into the daily
// digest, or not at all. Delivery failures are logged and swallowed;
// nothing in this package is allowed to fail a task run.
package notify

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Settings controls notification behavior. Quiet hours and the digest
// time are expressed as "HH:MM" strings in UTC; a quiet-hours window
// that ends before it starts wraps past midnight.
type Settings struct {
	EmailEnabled    bool
	DigestEnabled   bool
	DigestTime      string // when the digest task is expected to fire
	QuietHoursStart string // empty disables quiet hours
	QuietHoursEnd   string
	// ImmediateSeverities lists the severities that go out as soon as
	// they occur; everything else defers to the digest.
	ImmediateSeverities []string
	UpdatedAt           time.Time
}

// DefaultSettings are applied until the operator changes them.
func DefaultSettings() Settings {
	return Settings{
		EmailEnabled:        true,
		DigestEnabled:       true,
		DigestTime:          "08:00",
		QuietHoursStart:     "22:00",
		QuietHoursEnd:       "07:00",
		ImmediateSeverities: []string{"critical", "high"},
	}
}

// Immediate reports whether the given severity is configured for
// immediate delivery.
func (s Settings) Immediate(severity string) bool {
	for _, sev := range s.ImmediateSeverities {
		if sev == severity {
			return true
		}
	}
	return false
}

// InQuietHours reports whether now (converted to UTC) falls inside
// the configured window. An unset or malformed window never matches.
func (s Settings) InQuietHours(now time.Time) bool {
	start, okStart := parseMinutes(s.QuietHoursStart)
	end, okEnd := parseMinutes(s.QuietHoursEnd)
	if !okStart || !okEnd || start == end {
		return false
	}

	utc := now.UTC()
	minutes := utc.Hour()*60 + utc.Minute()

	if start < end {
		return minutes >= start && minutes < end
	}
	// Overnight wrap, e.g. 22:00 to 07:00.
	return minutes >= start || minutes < end
}

func parseMinutes(hhmm string) (int, bool) {
	var h, m int
	if _, err := fmt.Sscanf(hhmm, "%d:%d", &h, &m); err != nil {
		return 0, false
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, false
	}
	return h*60 + m, true
}

// SettingsStore persists the single settings row and the digest queue.
type SettingsStore struct {
	db *sql.DB
}

// NewSettingsStore opens (or creates) the notification store at the
// given database path.
func NewSettingsStore(dbPath string) (*SettingsStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open notification database: %w", err)
	}

	s := &SettingsStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate notification schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *SettingsStore) Close() error {
	return s.db.Close()
}

func (s *SettingsStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS notification_settings (
		id                   INTEGER PRIMARY KEY CHECK (id = 1),
		email_enabled        INTEGER NOT NULL DEFAULT 1,
		digest_enabled       INTEGER NOT NULL DEFAULT 1,
		digest_time          TEXT NOT NULL DEFAULT '08:00',
		quiet_hours_start    TEXT NOT NULL DEFAULT '',
		quiet_hours_end      TEXT NOT NULL DEFAULT '',
		immediate_severities TEXT NOT NULL DEFAULT 'critical,high',
		updated_at           TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS digest_items (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		subject    TEXT NOT NULL,
		body       TEXT NOT NULL,
		created_at TEXT NOT NULL,
		sent       INTEGER NOT NULL DEFAULT 0
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Get returns the current settings, falling back to DefaultSettings
// when none have been saved yet.
func (s *SettingsStore) Get(ctx context.Context) (Settings, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT email_enabled, digest_enabled, digest_time,
			quiet_hours_start, quiet_hours_end, immediate_severities, updated_at
		 FROM notification_settings WHERE id = 1`)

	var settings Settings
	var emailEnabled, digestEnabled int
	var severities, updatedAt string
	err := row.Scan(&emailEnabled, &digestEnabled, &settings.DigestTime,
		&settings.QuietHoursStart, &settings.QuietHoursEnd, &severities, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return DefaultSettings(), nil
	}
	if err != nil {
		return Settings{}, fmt.Errorf("get notification settings: %w", err)
	}
	settings.EmailEnabled = emailEnabled != 0
	settings.DigestEnabled = digestEnabled != 0
	settings.ImmediateSeverities = splitSeverities(severities)
	if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		settings.UpdatedAt = t
	}
	return settings, nil
}

func splitSeverities(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, strings.ToLower(part))
		}
	}
	return out
}

// Update replaces the settings row.
func (s *SettingsStore) Update(ctx context.Context, settings Settings) error {
	if settings.QuietHoursStart != "" {
		if _, ok := parseMinutes(settings.QuietHoursStart); !ok {
			return fmt.Errorf("invalid quiet_hours_start %q", settings.QuietHoursStart)
		}
	}
	if settings.QuietHoursEnd != "" {
		if _, ok := parseMinutes(settings.QuietHoursEnd); !ok {
			return fmt.Errorf("invalid quiet_hours_end %q", settings.QuietHoursEnd)
		}
	}
	if settings.DigestTime != "" {
		if _, ok := parseMinutes(settings.DigestTime); !ok {
			return fmt.Errorf("invalid digest_time %q", settings.DigestTime)
		}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO notification_settings
			(id, email_enabled, digest_enabled, digest_time,
			 quiet_hours_start, quiet_hours_end, immediate_severities, updated_at)
		 VALUES (1, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			email_enabled = excluded.email_enabled,
			digest_enabled = excluded.digest_enabled,
			digest_time = excluded.digest_time,
			quiet_hours_start = excluded.quiet_hours_start,
			quiet_hours_end = excluded.quiet_hours_end,
			immediate_severities = excluded.immediate_severities,
			updated_at = excluded.updated_at`,
		boolToInt(settings.EmailEnabled), boolToInt(settings.DigestEnabled), settings.DigestTime,
		settings.QuietHoursStart, settings.QuietHoursEnd,
		strings.Join(settings.ImmediateSeverities, ","),
		time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("update notification settings: %w", err)
	}
	return nil
}

// digestItem is one entry waiting for the next digest flush.
type digestItem struct {
	ID        int64
	Subject   string
	Body      string
	CreatedAt time.Time
}

// enqueueDigest adds an item to the digest queue.
func (s *SettingsStore) enqueueDigest(ctx context.Context, subject, body string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO digest_items (subject, body, created_at) VALUES (?, ?, ?)`,
		subject, body, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("enqueue digest item: %w", err)
	}
	return nil
}

// pendingDigest returns unsent digest items in insertion order.
func (s *SettingsStore) pendingDigest(ctx context.Context) ([]digestItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, subject, body, created_at FROM digest_items WHERE sent = 0 ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list digest items: %w", err)
	}
	defer rows.Close()

	var items []digestItem
	for rows.Next() {
		var item digestItem
		var createdAt string
		if err := rows.Scan(&item.ID, &item.Subject, &item.Body, &createdAt); err != nil {
			return nil, fmt.Errorf("scan digest item: %w", err)
		}
		if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			item.CreatedAt = t
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// markDigestSent flags items as delivered.
func (s *SettingsStore) markDigestSent(ctx context.Context, ids []int64) error {
	for _, id := range ids {
		if _, err := s.db.ExecContext(ctx,
			`UPDATE digest_items SET sent = 1 WHERE id = ?`, id); err != nil {
			return fmt.Errorf("mark digest item %d sent: %w", id, err)
		}
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
