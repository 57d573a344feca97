package recovery

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS pending (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	data TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS session (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	data TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS checkpoints (
	item_id TEXT PRIMARY KEY,
	published_at INTEGER NOT NULL
);`

// SQLiteStore implements Store in a single SQLite database file
type SQLiteStore struct {
	db         *sql.DB
	pendingTTL time.Duration
}

// NewSQLiteStore opens (or creates) the database at dsn and applies the schema.
// Use ":memory:" for a throwaway store.
func NewSQLiteStore(dsn string, pendingTTL time.Duration) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %v", err)
	}
	// :memory: databases are per connection, and SQLite has a single writer anyway
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %v", err)
	}
	return &SQLiteStore{db: db, pendingTTL: pendingTTL}, nil
}

func (s *SQLiteStore) SavePending(ctx context.Context, rec *PendingRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO pending (id, data, created_at) VALUES (1, ?, ?)`,
		string(data), rec.CreatedAt)
	return err
}

func (s *SQLiteStore) LoadPending(ctx context.Context) (*PendingRecord, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM pending WHERE id = 1`).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var rec PendingRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("decode pending record: %w", err)
	}
	if expired(rec.CreatedAt, s.pendingTTL) {
		return nil, s.ClearPending(ctx)
	}
	return &rec, nil
}

func (s *SQLiteStore) ClearPending(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM pending`)
	return err
}

func (s *SQLiteStore) SaveSession(ctx context.Context, rec *SessionRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO session (id, data) VALUES (1, ?)`, string(data))
	return err
}

func (s *SQLiteStore) LoadSession(ctx context.Context) (*SessionRecord, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM session WHERE id = 1`).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var rec SessionRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("decode session record: %w", err)
	}
	return &rec, nil
}

func (s *SQLiteStore) ClearSession(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM session`)
	return err
}

func (s *SQLiteStore) MarkPublished(ctx context.Context, itemID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO checkpoints (item_id, published_at) VALUES (?, ?)`,
		itemID, time.Now().Unix())
	return err
}

func (s *SQLiteStore) IsPublished(ctx context.Context, itemID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM checkpoints WHERE item_id = ?`, itemID).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
