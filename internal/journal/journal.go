// Package journal provides SQLite-backed persistence for outbound event
// payloads so the retry queue survives engine restarts.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// DefaultKeepRows bounds how many rows the journal retains after a trim.
const DefaultKeepRows = 500

// StoreConfig configures the journal store.
type StoreConfig struct {
	Path     string
	KeepRows int
}

// Store is the event journal. A single connection is enough: every write
// goes through the dispatcher's drain path.
type Store struct {
	db       *sql.DB
	keepRows int
}

// Entry is one journaled payload.
type Entry struct {
	ID        int64
	EventType string
	Payload   []byte
	QueuedAt  int64
	Delivered bool
}

// NewStore opens (and migrates) the journal database.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("journal: path is required")
	}
	if cfg.KeepRows <= 0 {
		cfg.KeepRows = DefaultKeepRows
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", cfg.Path, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: enable WAL: %w", err)
	}

	s := &Store{db: db, keepRows: cfg.KeepRows}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	const schema = `
		CREATE TABLE IF NOT EXISTS event_journal (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			event_type TEXT NOT NULL,
			payload TEXT NOT NULL,
			queued_at_epoch INTEGER NOT NULL,
			delivered_at_epoch INTEGER
		);
		CREATE INDEX IF NOT EXISTS idx_event_journal_pending
			ON event_journal(id) WHERE delivered_at_epoch IS NULL;
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("journal: migrate: %w", err)
	}
	return nil
}

// Append records a payload awaiting delivery and returns its journal id.
func (s *Store) Append(ctx context.Context, eventType string, payload []byte) (int64, error) {
	const query = `
		INSERT INTO event_journal (event_type, payload, queued_at_epoch)
		VALUES (?, ?, ?)
	`
	result, err := s.db.ExecContext(ctx, query, eventType, string(payload), time.Now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("journal: append: %w", err)
	}
	id, _ := result.LastInsertId()
	return id, nil
}

// MarkDelivered stamps a journaled payload as delivered.
func (s *Store) MarkDelivered(ctx context.Context, id int64) error {
	const query = `
		UPDATE event_journal SET delivered_at_epoch = ? WHERE id = ?
	`
	if _, err := s.db.ExecContext(ctx, query, time.Now().UnixMilli(), id); err != nil {
		return fmt.Errorf("journal: mark delivered: %w", err)
	}
	return nil
}

// Pending returns undelivered payloads, oldest first.
func (s *Store) Pending(ctx context.Context, limit int) ([]Entry, error) {
	const query = `
		SELECT id, event_type, payload, queued_at_epoch
		FROM event_journal
		WHERE delivered_at_epoch IS NULL
		ORDER BY id ASC
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("journal: pending: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var payload string
		if err := rows.Scan(&e.ID, &e.EventType, &payload, &e.QueuedAt); err != nil {
			return nil, fmt.Errorf("journal: scan pending: %w", err)
		}
		e.Payload = []byte(payload)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Trim deletes the oldest delivered rows beyond the retention bound.
// Undelivered rows are never trimmed.
func (s *Store) Trim(ctx context.Context) error {
	const query = `
		DELETE FROM event_journal
		WHERE delivered_at_epoch IS NOT NULL
		AND id NOT IN (
			SELECT id FROM event_journal
			WHERE delivered_at_epoch IS NOT NULL
			ORDER BY id DESC
			LIMIT ?
		)
	`
	result, err := s.db.ExecContext(ctx, query, s.keepRows)
	if err != nil {
		return fmt.Errorf("journal: trim: %w", err)
	}
	if n, _ := result.RowsAffected(); n > 0 {
		log.Debug().Int64("rows", n).Msg("Trimmed delivered journal rows")
	}
	return nil
}

// PendingCount returns the number of undelivered rows.
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	const query = `SELECT COUNT(*) FROM event_journal WHERE delivered_at_epoch IS NULL`
	var n int
	if err := s.db.QueryRowContext(ctx, query).Scan(&n); err != nil {
		return 0, fmt.Errorf("journal: pending count: %w", err)
	}
	return n, nil
}

// Close closes the journal database.
func (s *Store) Close() error {
	return s.db.Close()
}
