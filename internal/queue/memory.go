package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jo-hoe/chunkscribe/internal/chunks"
)

// MemoryQueue is a process-local Queue. Items are lost on restart.
type MemoryQueue struct {
	mu     sync.Mutex
	policy Policy
	items  map[string]*memItem
	seq    uint64
	closed bool
	now    func() time.Time
}

type memItem struct {
	Item
	seq uint64
}

var _ Queue = (*MemoryQueue)(nil)

func NewMemoryQueue(policy Policy) *MemoryQueue {
	return &MemoryQueue{
		policy: policy.normalized(),
		items:  make(map[string]*memItem),
		now:    time.Now,
	}
}

func (q *MemoryQueue) Enqueue(_ context.Context, task chunks.Task, opts ...Option) (string, error) {
	o := buildOptions(q.policy, opts)
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return "", ErrClosed
	}
	now := q.now().UTC()
	q.seq++
	it := &memItem{
		Item: Item{
			ID:          uuid.NewString(),
			Task:        task,
			State:       StateWaiting,
			Priority:    o.Priority,
			MaxAttempts: o.MaxAttempts,
			RunAt:       now.Add(o.Delay),
			CreatedAt:   now,
		},
		seq: q.seq,
	}
	q.items[it.ID] = it
	return it.ID, nil
}

func (q *MemoryQueue) Dequeue(_ context.Context, workerID string) (*Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrClosed
	}
	now := q.now().UTC()

	var best *memItem
	for _, it := range q.items {
		if it.State == StateActive && now.After(it.LockedUntil) {
			// Lease lapsed: the holder crashed or stalled. Exhausted items wait for Reap.
			if it.Attempt >= it.MaxAttempts {
				continue
			}
		} else if it.State != StateWaiting || it.RunAt.After(now) {
			continue
		}
		if best == nil || before(it, best) {
			best = it
		}
	}
	if best == nil {
		return nil, ErrEmpty
	}
	best.State = StateActive
	best.Attempt++
	best.LockedBy = workerID
	best.LockedUntil = now.Add(q.policy.VisibilityTimeout)
	out := best.Item
	return &out, nil
}

// before orders by priority DESC, then run time and insertion ASC.
func before(a, b *memItem) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.RunAt.Equal(b.RunAt) {
		return a.RunAt.Before(b.RunAt)
	}
	return a.seq < b.seq
}

func (q *MemoryQueue) owned(id, workerID string) (*memItem, error) {
	it, ok := q.items[id]
	if !ok || it.State != StateActive || it.LockedBy != workerID {
		return nil, ErrNotOwned
	}
	return it, nil
}

func (q *MemoryQueue) Complete(_ context.Context, id, workerID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, err := q.owned(id, workerID)
	if err != nil {
		return err
	}
	it.State = StateCompleted
	it.Progress = 100
	it.FinishedAt = q.now().UTC()
	it.LockedBy = ""
	it.LockedUntil = time.Time{}
	return nil
}

func (q *MemoryQueue) Fail(_ context.Context, id, workerID string, cause error) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, err := q.owned(id, workerID)
	if err != nil {
		return false, err
	}
	now := q.now().UTC()
	it.LastError = causeText(cause)
	it.LockedBy = ""
	it.LockedUntil = time.Time{}
	if it.Attempt < it.MaxAttempts {
		it.State = StateWaiting
		it.RunAt = now.Add(q.policy.BackoffFor(it.Attempt))
		return true, nil
	}
	it.State = StateFailed
	it.FinishedAt = now
	return false, nil
}

func (q *MemoryQueue) Release(_ context.Context, id, workerID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, err := q.owned(id, workerID)
	if err != nil {
		return err
	}
	it.State = StateWaiting
	if it.Attempt > 0 {
		it.Attempt--
	}
	it.Progress = 0
	it.RunAt = q.now().UTC()
	it.LockedBy = ""
	it.LockedUntil = time.Time{}
	return nil
}

func (q *MemoryQueue) Reap(_ context.Context) ([]Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrClosed
	}
	now := q.now().UTC()
	var reaped []Item
	for _, it := range q.items {
		if it.State != StateActive || !now.After(it.LockedUntil) || it.Attempt < it.MaxAttempts {
			continue
		}
		it.State = StateFailed
		it.LastError = ErrLeaseExpired.Error()
		it.FinishedAt = now
		it.LockedBy = ""
		it.LockedUntil = time.Time{}
		reaped = append(reaped, it.Item)
	}
	return reaped, nil
}

func (q *MemoryQueue) Progress(_ context.Context, id string, pct int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.items[id]
	if !ok || it.State != StateActive {
		return ErrNotOwned
	}
	it.Progress = percent(pct)
	return nil
}

func (q *MemoryQueue) Stats(_ context.Context) (Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now().UTC()
	var s Stats
	for _, it := range q.items {
		switch it.State {
		case StateWaiting:
			if it.RunAt.After(now) {
				s.Delayed++
			} else {
				s.Waiting++
			}
		case StateActive:
			s.Active++
		case StateCompleted:
			s.Completed++
		case StateFailed:
			s.Failed++
		}
	}
	return s, nil
}

func (q *MemoryQueue) Prune(_ context.Context, cutoff time.Time) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for id, it := range q.items {
		if (it.State == StateCompleted || it.State == StateFailed) && it.FinishedAt.Before(cutoff) {
			delete(q.items, id)
			n++
		}
	}
	return n, nil
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	return nil
}
