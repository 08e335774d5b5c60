package kv

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jo-hoe/chunkscribe/internal/common"
)

// SQLiteStore keeps entries in a SQLite file so processes on one host can share results.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) the database at path. Use ":memory:" in tests.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	// Busy timeout to avoid SQLITE_BUSY when workers and the aggregator write concurrently.
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)", path, common.SQLiteBusyTimeoutMS)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if path == ":memory:" {
		// Every pooled connection would otherwise see its own empty database.
		db.SetMaxOpenConns(1)
	}
	if err := migrateSQLite(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

func migrateSQLite(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS kv_entries (
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL,
		expires_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS kv_entries_expires_at ON kv_entries (expires_at);
	`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var exp *int64
	if e := expiry(s.now(), ttl); !e.IsZero() {
		v := e.UnixNano()
		exp = &v
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv_entries (key, value, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		key, value, exp,
	)
	if err != nil {
		return fmt.Errorf("set key: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM kv_entries WHERE key = ? AND (expires_at IS NULL OR expires_at > ?)`,
		key, s.now().UnixNano(),
	).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get key: %w", err)
	}
	return value, nil
}

func (s *SQLiteStore) Scan(ctx context.Context, prefix string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value, expires_at FROM kv_entries
		 WHERE key LIKE ? ESCAPE '\' AND (expires_at IS NULL OR expires_at > ?)
		 ORDER BY key`,
		likePrefix(prefix), s.now().UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("scan keys: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]Entry, 0)
	for rows.Next() {
		var e Entry
		var exp sql.NullInt64
		if err := rows.Scan(&e.Key, &e.Value, &exp); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		if exp.Valid {
			e.ExpiresAt = time.Unix(0, exp.Int64)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scan keys: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(keys)), ",")
	args := make([]any, len(keys))
	for i, k := range keys {
		args[i] = k
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv_entries WHERE key IN (`+placeholders+`)`, args...); err != nil {
		return fmt.Errorf("delete keys: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Purge(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM kv_entries WHERE expires_at IS NOT NULL AND expires_at <= ?`, s.now().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("purge expired: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// likePrefix escapes LIKE wildcards so prefix is matched literally.
func likePrefix(prefix string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(prefix) + "%"
}
