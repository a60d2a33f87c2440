// Package store persists session records so that sessions can be resumed
// after an adapter restart. Each record binds an ACP session id to the
// backend thread that serves it, along with the session's working directory,
// permission mode and accumulated token usage.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/edlsh/amp-acp/internal/common/sqlite"
	"github.com/edlsh/amp-acp/pkg/ampstream"
)

// ErrNotFound is returned by updates that target a session id with no record.
var ErrNotFound = errors.New("session not found")

// Session is a persisted ACP session and its backend thread binding.
type Session struct {
	ID                  string    `db:"id"`
	ThreadID            string    `db:"thread_id"`
	Cwd                 string    `db:"cwd"`
	PermissionMode      string    `db:"permission_mode"`
	InputTokens         int64     `db:"input_tokens"`
	OutputTokens        int64     `db:"output_tokens"`
	CacheCreationTokens int64     `db:"cache_creation_tokens"`
	CacheReadTokens     int64     `db:"cache_read_tokens"`
	TurnCount           int64     `db:"turn_count"`
	CreatedAt           time.Time `db:"created_at"`
	UpdatedAt           time.Time `db:"updated_at"`
}

// Store provides SQLite persistence for session records.
type Store struct {
	db     *sqlx.DB // writer
	ro     *sqlx.DB // reader
	ownsDB bool
}

// Open creates a store backed by the database at dbPath, creating the file
// and schema as needed.
func Open(dbPath string) (*Store, error) {
	writer, err := openWriter(dbPath)
	if err != nil {
		return nil, err
	}
	reader, err := openReader(dbPath)
	if err != nil {
		_ = writer.Close()
		return nil, err
	}
	s, err := newStore(writer, reader, true)
	if err != nil {
		_ = writer.Close()
		_ = reader.Close()
		return nil, err
	}
	return s, nil
}

// NewWithDB creates a store on existing database handles. The caller retains
// ownership of the handles.
func NewWithDB(writer, reader *sqlx.DB) (*Store, error) {
	return newStore(writer, reader, false)
}

func newStore(writer, reader *sqlx.DB, ownsDB bool) (*Store, error) {
	s := &Store{db: writer, ro: reader, ownsDB: ownsDB}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("session schema init: %w", err)
	}
	return s, nil
}

const createTablesSQL = `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		thread_id TEXT NOT NULL DEFAULT '',
		cwd TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);
`

func (s *Store) initSchema() error {
	if _, err := s.db.Exec(createTablesSQL); err != nil {
		return err
	}
	return s.migrateSchema()
}

// migrateSchema adds the columns that arrived after the first release.
// Database files created by older builds get them in place instead of
// losing their session records to a schema rewrite.
func (s *Store) migrateSchema() error {
	for _, col := range []struct {
		name, definition string
	}{
		{"permission_mode", "TEXT NOT NULL DEFAULT ''"},
		{"input_tokens", "INTEGER NOT NULL DEFAULT 0"},
		{"output_tokens", "INTEGER NOT NULL DEFAULT 0"},
		{"cache_creation_tokens", "INTEGER NOT NULL DEFAULT 0"},
		{"cache_read_tokens", "INTEGER NOT NULL DEFAULT 0"},
		{"turn_count", "INTEGER NOT NULL DEFAULT 0"},
	} {
		if err := sqlite.EnsureColumn(s.db.DB, "sessions", col.name, col.definition); err != nil {
			return fmt.Errorf("add column %s: %w", col.name, err)
		}
	}
	return nil
}

// Close releases the database handles if the store owns them.
func (s *Store) Close() error {
	if !s.ownsDB {
		return nil
	}
	roErr := s.ro.Close()
	if err := s.db.Close(); err != nil {
		return err
	}
	return roErr
}

// CreateSession inserts a new session record. A missing id is filled with a
// generated UUID.
func (s *Store) CreateSession(ctx context.Context, rec *Session) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, thread_id, cwd, permission_mode, input_tokens, output_tokens,
			cache_creation_tokens, cache_read_tokens, turn_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.ThreadID, rec.Cwd, rec.PermissionMode, rec.InputTokens, rec.OutputTokens,
		rec.CacheCreationTokens, rec.CacheReadTokens, rec.TurnCount, rec.CreatedAt, rec.UpdatedAt)
	return err
}

// GetSession returns the session with the given id, or nil when no such
// record exists.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	var rec Session
	err := s.ro.GetContext(ctx, &rec, `SELECT * FROM sessions WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListSessions returns all sessions, most recently used first.
func (s *Store) ListSessions(ctx context.Context) ([]*Session, error) {
	var recs []*Session
	err := s.ro.SelectContext(ctx, &recs, `SELECT * FROM sessions ORDER BY updated_at DESC`)
	return recs, err
}

// SetThreadID records the backend thread bound to a session.
func (s *Store) SetThreadID(ctx context.Context, id, threadID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET thread_id = ?, updated_at = ? WHERE id = ?`,
		threadID, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return requireRow(res, id)
}

// SetPermissionMode records the active permission mode for a session.
func (s *Store) SetPermissionMode(ctx context.Context, id, mode string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET permission_mode = ?, updated_at = ? WHERE id = ?`,
		mode, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return requireRow(res, id)
}

// Touch bumps a session's updated_at so recency ordering reflects use.
func (s *Store) Touch(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET updated_at = ? WHERE id = ?`, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return requireRow(res, id)
}

// RecordUsage accumulates a completed turn's token usage onto a session.
func (s *Store) RecordUsage(ctx context.Context, id string, u *ampstream.Usage) error {
	if u == nil {
		return nil
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET
			input_tokens = input_tokens + ?,
			output_tokens = output_tokens + ?,
			cache_creation_tokens = cache_creation_tokens + ?,
			cache_read_tokens = cache_read_tokens + ?,
			turn_count = turn_count + 1,
			updated_at = ?
		WHERE id = ?`,
		u.InputTokens, u.OutputTokens, u.CacheCreationInputTokens, u.CacheReadInputTokens,
		time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return requireRow(res, id)
}

// DeleteSession removes a session record. Deleting a session that does not
// exist is not an error.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	return err
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}
