package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"
)

const localSessionsKey = "stella.sessions.v1"

// SQLiteSnapshot stores anonymous sessions as one JSON document in a
// key/value table of a local SQLite file.
type SQLiteSnapshot struct {
	db *sql.DB
}

func OpenSQLiteSnapshot(path string) (*SQLiteSnapshot, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open local store: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("local store ping failed: %w", err)
	}
	const schema = `
	CREATE TABLE IF NOT EXISTS local_state (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create local_state table: %w", err)
	}
	return &SQLiteSnapshot{db: db}, nil
}

// Load returns the stored sessions. A missing or unreadable document yields
// no sessions.
func (s *SQLiteSnapshot) Load(ctx context.Context) ([]Session, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM local_state WHERE key = ?", localSessionsKey).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query local sessions: %w", err)
	}
	var sessions []Session
	if err := json.Unmarshal([]byte(raw), &sessions); err != nil {
		return nil, nil
	}
	return sessions, nil
}

func (s *SQLiteSnapshot) Save(ctx context.Context, sessions []Session) error {
	raw, err := json.Marshal(sessions)
	if err != nil {
		return fmt.Errorf("encode local sessions: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO local_state (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		localSessionsKey, string(raw))
	if err != nil {
		return fmt.Errorf("save local sessions: %w", err)
	}
	return nil
}

func (s *SQLiteSnapshot) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM local_state WHERE key = ?", localSessionsKey); err != nil {
		return fmt.Errorf("clear local sessions: %w", err)
	}
	return nil
}

func (s *SQLiteSnapshot) Close() error {
	return s.db.Close()
}
