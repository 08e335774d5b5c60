// Package queue is the prioritized work queue chunk tasks travel through.
// Delivery is at-least-once: an item whose lease expires is handed out again.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/jo-hoe/chunkscribe/internal/chunks"
)

var (
	// ErrEmpty is returned by Dequeue when no item is ready.
	ErrEmpty = errors.New("queue empty")
	// ErrClosed is returned once the queue has been closed.
	ErrClosed = errors.New("queue closed")
	// ErrNotOwned is returned when a worker acts on an item it no longer holds.
	ErrNotOwned = errors.New("queue item not owned by worker")
	// ErrLeaseExpired is the cause recorded for items reaped after their last lease lapsed.
	ErrLeaseExpired = errors.New("lease expired")
)

// State is the delivery state of an item.
type State string

const (
	StateWaiting   State = "waiting"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Item is one queued task together with its delivery bookkeeping.
type Item struct {
	ID          string
	Task        chunks.Task
	State       State
	Priority    int
	Attempt     int // 1 on first delivery
	MaxAttempts int
	Progress    int
	LastError   string
	RunAt       time.Time
	LockedBy    string
	LockedUntil time.Time
	CreatedAt   time.Time
	FinishedAt  time.Time
}

// Stats summarizes the queue by state.
type Stats struct {
	Waiting   int `json:"waiting"`
	Delayed   int `json:"delayed"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Queue is the work queue capability used by the dispatcher and workers.
type Queue interface {
	Enqueue(ctx context.Context, task chunks.Task, opts ...Option) (string, error)
	// Dequeue leases the highest priority ready item to workerID.
	Dequeue(ctx context.Context, workerID string) (*Item, error)
	Complete(ctx context.Context, id, workerID string) error
	// Fail releases the item for retry with backoff, or marks it failed once attempts are used up.
	Fail(ctx context.Context, id, workerID string, cause error) (retrying bool, err error)
	// Release hands a leased item back without counting the attempt.
	Release(ctx context.Context, id, workerID string) error
	// Reap marks items whose lease lapsed on their last attempt as failed and returns them.
	Reap(ctx context.Context) ([]Item, error)
	Progress(ctx context.Context, id string, pct int) error
	Stats(ctx context.Context) (Stats, error)
	// Prune removes finished items older than cutoff.
	Prune(ctx context.Context, cutoff time.Time) (int, error)
	Close() error
}

// Policy governs retries and leases.
type Policy struct {
	MaxAttempts       int
	Backoff           time.Duration
	MaxBackoff        time.Duration
	VisibilityTimeout time.Duration
}

// DefaultPolicy mirrors the config defaults.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:       3,
		Backoff:           2 * time.Second,
		MaxBackoff:        time.Minute,
		VisibilityTimeout: 15 * time.Minute,
	}
}

func (p Policy) normalized() Policy {
	d := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.Backoff <= 0 {
		p.Backoff = d.Backoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = d.MaxBackoff
	}
	if p.VisibilityTimeout <= 0 {
		p.VisibilityTimeout = d.VisibilityTimeout
	}
	return p
}

// BackoffFor returns the wait before retrying after the given failed attempt:
// Backoff * 2^(attempt-1), capped at MaxBackoff.
func (p Policy) BackoffFor(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.Backoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if d > p.MaxBackoff {
		return p.MaxBackoff
	}
	return d
}

func percent(pct int) int {
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}

func causeText(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}
