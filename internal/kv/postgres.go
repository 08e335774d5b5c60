package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore shares results across hosts through a Postgres table.
type PostgresStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore connects with dsn and ensures the schema exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	schema := `
	CREATE TABLE IF NOT EXISTS kv_entries (
		key TEXT PRIMARY KEY,
		value BYTEA NOT NULL,
		expires_at TIMESTAMPTZ
	);
	CREATE INDEX IF NOT EXISTS kv_entries_expires_at ON kv_entries (expires_at);
	`
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return &PostgresStore{pool: pool, now: time.Now}, nil
}

func (p *PostgresStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var exp *time.Time
	if e := expiry(p.now(), ttl); !e.IsZero() {
		exp = &e
	}
	_, err := p.pool.Exec(ctx,
		`INSERT INTO kv_entries (key, value, expires_at) VALUES ($1, $2, $3)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at`,
		key, value, exp,
	)
	if err != nil {
		return fmt.Errorf("set key: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := p.pool.QueryRow(ctx,
		`SELECT value FROM kv_entries WHERE key = $1 AND (expires_at IS NULL OR expires_at > $2)`,
		key, p.now(),
	).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get key: %w", err)
	}
	return value, nil
}

func (p *PostgresStore) Scan(ctx context.Context, prefix string) ([]Entry, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT key, value, expires_at FROM kv_entries
		 WHERE starts_with(key, $1) AND (expires_at IS NULL OR expires_at > $2)
		 ORDER BY key`,
		prefix, p.now(),
	)
	if err != nil {
		return nil, fmt.Errorf("scan keys: %w", err)
	}
	defer rows.Close()

	out := make([]Entry, 0)
	for rows.Next() {
		var e Entry
		var exp *time.Time
		if err := rows.Scan(&e.Key, &e.Value, &exp); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		if exp != nil {
			e.ExpiresAt = *exp
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scan keys: %w", err)
	}
	return out, nil
}

func (p *PostgresStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if _, err := p.pool.Exec(ctx, `DELETE FROM kv_entries WHERE key = ANY($1)`, keys); err != nil {
		return fmt.Errorf("delete keys: %w", err)
	}
	return nil
}

func (p *PostgresStore) Purge(ctx context.Context) (int, error) {
	tag, err := p.pool.Exec(ctx,
		`DELETE FROM kv_entries WHERE expires_at IS NOT NULL AND expires_at <= $1`, p.now())
	if err != nil {
		return 0, fmt.Errorf("purge expired: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (p *PostgresStore) Close() error {
	p.pool.Close()
	return nil
}
