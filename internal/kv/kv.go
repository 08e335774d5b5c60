// Package kv provides the shared key-value store with per-key TTL that workers
// publish chunk results into and the aggregator scans.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get for missing or expired keys.
var ErrNotFound = errors.New("key not found")

// Entry is one live key/value pair.
type Entry struct {
	Key       string
	Value     []byte
	ExpiresAt time.Time // zero means no expiry
}

// Store is a flat key-value store with TTL. No transactions are offered.
type Store interface {
	// Set writes value under key, replacing any previous value. ttl <= 0 disables expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	// Scan returns live entries whose key starts with prefix, ordered by key.
	Scan(ctx context.Context, prefix string) ([]Entry, error)
	// Delete removes keys. Missing keys are ignored.
	Delete(ctx context.Context, keys ...string) error
	// Purge physically removes expired entries and reports how many were dropped.
	Purge(ctx context.Context) (int, error)
	Close() error
}

func expiry(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}

func expired(e time.Time, now time.Time) bool {
	return !e.IsZero() && !now.Before(e)
}
