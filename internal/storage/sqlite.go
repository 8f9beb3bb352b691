package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

var _ KV = (*SQLiteKV)(nil)
var _ Expirer = (*SQLiteKV)(nil)

const sqliteSchema = `CREATE TABLE IF NOT EXISTS flags (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	expires_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS flags_expires_at ON flags (expires_at);`

// SQLiteKV keeps entries in a single SQLite table. Expiry is stored as unix
// milliseconds and checked on read.
type SQLiteKV struct {
	sqlDB     *sql.DB
	retention time.Duration
	now       func() time.Time
}

// OpenSQLiteKV opens (and creates if needed) a SQLite-backed store
func OpenSQLiteKV(path string, retention time.Duration, opts ...Option) (*SQLiteKV, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(sqliteSchema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("create flags table: %w", err)
	}
	return NewSQLiteKV(sqlDB, retention, opts...)
}

// NewSQLiteKV wraps an already opened database whose schema exists
func NewSQLiteKV(sqlDB *sql.DB, retention time.Duration, opts ...Option) (*SQLiteKV, error) {
	if sqlDB == nil {
		return nil, fmt.Errorf("database is required")
	}
	if retention <= 0 {
		return nil, fmt.Errorf("retention must be positive")
	}
	o := buildOptions(opts)
	return &SQLiteKV{sqlDB: sqlDB, retention: retention, now: o.now}, nil
}

func (s *SQLiteKV) Get(ctx context.Context, key string) (string, error) {
	row := s.sqlDB.QueryRowContext(ctx, `SELECT value, expires_at FROM flags WHERE key = ?`, key)

	var value string
	var expiresAt int64
	if err := row.Scan(&value, &expiresAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("get flag: %w", err)
	}
	if s.now().UnixMilli() >= expiresAt {
		return "", ErrNotFound
	}
	return value, nil
}

func (s *SQLiteKV) Set(ctx context.Context, key, value string) error {
	expiresAt := s.now().Add(s.retention).UnixMilli()
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO flags (key, value, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		key, value, expiresAt,
	)
	if err != nil {
		return fmt.Errorf("put flag: %w", err)
	}
	return nil
}

func (s *SQLiteKV) Delete(ctx context.Context, key string) error {
	if _, err := s.sqlDB.ExecContext(ctx, `DELETE FROM flags WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete flag: %w", err)
	}
	return nil
}

func (s *SQLiteKV) DeletePrefix(ctx context.Context, prefix string) error {
	// instr is case-sensitive, unlike LIKE
	if _, err := s.sqlDB.ExecContext(ctx, `DELETE FROM flags WHERE instr(key, ?) = 1`, prefix); err != nil {
		return fmt.Errorf("delete flags by prefix: %w", err)
	}
	return nil
}

// DeleteExpired removes rows past their retention
func (s *SQLiteKV) DeleteExpired(ctx context.Context) (int, error) {
	res, err := s.sqlDB.ExecContext(ctx, `DELETE FROM flags WHERE expires_at <= ?`, s.now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("delete expired flags: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(n), nil
}

// Close releases the underlying SQLite connection.
func (s *SQLiteKV) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}
