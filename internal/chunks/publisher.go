package chunks

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jo-hoe/chunkscribe/internal/kv"
)

// Publisher writes chunk outcomes into the shared store with outcome-specific TTLs.
type Publisher struct {
	store        kv.Store
	completedTTL time.Duration
	failedTTL    time.Duration
	now          func() time.Time
}

// NewPublisher returns a Publisher writing to store.
func NewPublisher(store kv.Store, completedTTL, failedTTL time.Duration) *Publisher {
	return &Publisher{store: store, completedTTL: completedTTL, failedTTL: failedTTL, now: time.Now}
}

// Completed records transcribed text for a chunk. A retried chunk overwrites its earlier record.
func (p *Publisher) Completed(ctx context.Context, t Task, text, worker string, attempt int) error {
	rec := Record{JobID: t.JobID, ChunkIndex: t.ChunkIndex, Text: text, Worker: worker, Timestamp: p.now().UTC(), Attempt: attempt}
	return p.put(ctx, OutcomeCompleted, rec, p.completedTTL)
}

// Failed records a transcription failure for a chunk.
func (p *Publisher) Failed(ctx context.Context, t Task, cause error, worker string, attempt int) error {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	rec := Record{JobID: t.JobID, ChunkIndex: t.ChunkIndex, Error: msg, Worker: worker, Timestamp: p.now().UTC(), Attempt: attempt}
	return p.put(ctx, OutcomeFailed, rec, p.failedTTL)
}

func (p *Publisher) put(ctx context.Context, o Outcome, rec Record, ttl time.Duration) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	if err := p.store.Set(ctx, Key(o, rec.JobID, rec.ChunkIndex), b, ttl); err != nil {
		return fmt.Errorf("publish %s record: %w", o, err)
	}
	return nil
}

// Entry is a decoded store entry.
type Entry struct {
	Key     string
	Outcome Outcome
	Record  Record
}

// Decode parses a store entry into a record. The key is authoritative for job id and index.
func Decode(e kv.Entry) (Entry, error) {
	o, jobID, idx, err := ParseKey(e.Key)
	if err != nil {
		return Entry{}, err
	}
	var rec Record
	if err := json.Unmarshal(e.Value, &rec); err != nil {
		return Entry{}, fmt.Errorf("decode record %q: %w", e.Key, err)
	}
	rec.JobID = jobID
	rec.ChunkIndex = idx
	return Entry{Key: e.Key, Outcome: o, Record: rec}, nil
}
