package kv

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore keeps entries in a map. Only usable when api and workers share a process.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]Entry
	now  func() time.Time
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]Entry), now: time.Now}
}

func (m *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	v := append([]byte(nil), value...)
	m.mu.Lock()
	m.data[key] = Entry{Key: key, Value: v, ExpiresAt: expiry(m.now(), ttl)}
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	e, ok := m.data[key]
	m.mu.RUnlock()
	if !ok || expired(e.ExpiresAt, m.now()) {
		return nil, ErrNotFound
	}
	return append([]byte(nil), e.Value...), nil
}

func (m *MemoryStore) Scan(_ context.Context, prefix string) ([]Entry, error) {
	now := m.now()
	m.mu.RLock()
	out := make([]Entry, 0)
	for k, e := range m.data {
		if !strings.HasPrefix(k, prefix) || expired(e.ExpiresAt, now) {
			continue
		}
		e.Value = append([]byte(nil), e.Value...)
		out = append(out, e)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(a, b int) bool { return out[a].Key < out[b].Key })
	return out, nil
}

func (m *MemoryStore) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	for _, k := range keys {
		delete(m.data, k)
	}
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Purge(_ context.Context) (int, error) {
	now := m.now()
	n := 0
	m.mu.Lock()
	for k, e := range m.data {
		if expired(e.ExpiresAt, now) {
			delete(m.data, k)
			n++
		}
	}
	m.mu.Unlock()
	return n, nil
}

func (m *MemoryStore) Close() error { return nil }
