package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jo-hoe/chunkscribe/internal/chunks"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func task(job string, idx, total int) chunks.Task {
	return chunks.Task{JobID: job, ChunkIndex: idx, ChunkPath: "/tmp/chunk", TotalChunks: total, Language: "auto"}
}

type backend struct {
	name string
	open func(t *testing.T, p Policy, c *clock) Queue
}

func backends() []backend {
	return []backend{
		{"memory", func(t *testing.T, p Policy, c *clock) Queue {
			q := NewMemoryQueue(p)
			q.now = c.now
			return q
		}},
		{"gorm", func(t *testing.T, p Policy, c *clock) Queue {
			db, err := OpenSQLite(":memory:")
			require.NoError(t, err)
			q, err := NewGormQueue(context.Background(), db, p)
			require.NoError(t, err)
			q.now = c.now
			t.Cleanup(func() { _ = q.Close() })
			return q
		}},
	}
}

func testPolicy() Policy {
	return Policy{MaxAttempts: 3, Backoff: 2 * time.Second, MaxBackoff: time.Minute, VisibilityTimeout: time.Minute}
}

func TestQueue_PriorityAndDelayOrdering(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			c := &clock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
			q := b.open(t, testPolicy(), c)
			ctx := context.Background()

			for i := 0; i < 3; i++ {
				_, err := q.Enqueue(ctx, task("job-a", i, 3), Priority(10-i), Delay(time.Duration(i)*time.Second))
				require.NoError(t, err)
			}

			it, err := q.Dequeue(ctx, "w1")
			require.NoError(t, err)
			assert.Equal(t, 0, it.Task.ChunkIndex)
			assert.Equal(t, 1, it.Attempt)
			assert.Equal(t, "job-a", it.Task.JobID)

			// chunk 1 is still delayed
			_, err = q.Dequeue(ctx, "w1")
			assert.ErrorIs(t, err, ErrEmpty)

			c.advance(5 * time.Second)
			it, err = q.Dequeue(ctx, "w1")
			require.NoError(t, err)
			assert.Equal(t, 1, it.Task.ChunkIndex)
			it, err = q.Dequeue(ctx, "w1")
			require.NoError(t, err)
			assert.Equal(t, 2, it.Task.ChunkIndex)
		})
	}
}

func TestQueue_RetryWithBackoffThenFail(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			c := &clock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
			q := b.open(t, testPolicy(), c)
			ctx := context.Background()
			id, err := q.Enqueue(ctx, task("job-a", 0, 1))
			require.NoError(t, err)

			cause := errors.New("engine down")
			for attempt := 1; attempt <= 3; attempt++ {
				it, err := q.Dequeue(ctx, "w1")
				require.NoError(t, err, "attempt %d", attempt)
				assert.Equal(t, id, it.ID)
				assert.Equal(t, attempt, it.Attempt)

				retrying, err := q.Fail(ctx, id, "w1", cause)
				require.NoError(t, err)
				assert.Equal(t, attempt < 3, retrying)

				if attempt < 3 {
					// not visible before the backoff elapses
					_, err = q.Dequeue(ctx, "w1")
					assert.ErrorIs(t, err, ErrEmpty)
					c.advance(testPolicy().BackoffFor(attempt) + time.Millisecond)
				}
			}

			st, err := q.Stats(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, st.Failed)
			assert.Equal(t, 0, st.Waiting+st.Delayed+st.Active)
		})
	}
}

func TestQueue_ExpiredLeaseIsRedelivered(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			c := &clock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
			q := b.open(t, testPolicy(), c)
			ctx := context.Background()
			id, err := q.Enqueue(ctx, task("job-a", 0, 1))
			require.NoError(t, err)

			_, err = q.Dequeue(ctx, "crashed")
			require.NoError(t, err)
			_, err = q.Dequeue(ctx, "w2")
			assert.ErrorIs(t, err, ErrEmpty)

			c.advance(2 * time.Minute)
			it, err := q.Dequeue(ctx, "w2")
			require.NoError(t, err)
			assert.Equal(t, id, it.ID)
			assert.Equal(t, 2, it.Attempt)

			// the original holder lost the lease
			assert.ErrorIs(t, q.Complete(ctx, id, "crashed"), ErrNotOwned)
			require.NoError(t, q.Complete(ctx, id, "w2"))

			st, err := q.Stats(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, st.Completed)
		})
	}
}

func TestQueue_ReapFailsExpiredLastAttempt(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			c := &clock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
			q := b.open(t, testPolicy(), c)
			ctx := context.Background()
			id, err := q.Enqueue(ctx, task("job-a", 0, 1), Attempts(1))
			require.NoError(t, err)
			_, err = q.Enqueue(ctx, task("job-a", 1, 2))
			require.NoError(t, err)

			_, err = q.Dequeue(ctx, "crashed")
			require.NoError(t, err)
			reaped, err := q.Reap(ctx)
			require.NoError(t, err)
			assert.Empty(t, reaped, "lease still held")

			c.advance(2 * time.Minute)
			// the exhausted item is not handed out again
			it, err := q.Dequeue(ctx, "w2")
			require.NoError(t, err)
			assert.Equal(t, 1, it.Task.ChunkIndex)

			reaped, err = q.Reap(ctx)
			require.NoError(t, err)
			require.Len(t, reaped, 1)
			assert.Equal(t, id, reaped[0].ID)
			assert.Equal(t, "job-a", reaped[0].Task.JobID)
			assert.Equal(t, 1, reaped[0].Attempt)
			assert.Equal(t, StateFailed, reaped[0].State)
			assert.Equal(t, ErrLeaseExpired.Error(), reaped[0].LastError)

			reaped, err = q.Reap(ctx)
			require.NoError(t, err)
			assert.Empty(t, reaped)
			assert.ErrorIs(t, q.Complete(ctx, id, "crashed"), ErrNotOwned)

			st, err := q.Stats(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, st.Failed)
			assert.Equal(t, 1, st.Active)
		})
	}
}

func TestQueue_ReleaseDoesNotCountAttempt(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			c := &clock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
			q := b.open(t, testPolicy(), c)
			ctx := context.Background()
			id, err := q.Enqueue(ctx, task("job-a", 0, 1), Attempts(1))
			require.NoError(t, err)

			it, err := q.Dequeue(ctx, "w1")
			require.NoError(t, err)
			require.NoError(t, q.Progress(ctx, id, 40))
			assert.ErrorIs(t, q.Release(ctx, id, "other"), ErrNotOwned)
			require.NoError(t, q.Release(ctx, it.ID, "w1"))
			assert.ErrorIs(t, q.Release(ctx, it.ID, "w1"), ErrNotOwned)

			// available again immediately, still on its first attempt
			it, err = q.Dequeue(ctx, "w2")
			require.NoError(t, err)
			assert.Equal(t, id, it.ID)
			assert.Equal(t, 1, it.Attempt)
			assert.Equal(t, 0, it.Progress)
			require.NoError(t, q.Complete(ctx, id, "w2"))

			st, err := q.Stats(ctx)
			require.NoError(t, err)
			assert.Equal(t, Stats{Completed: 1}, st)
		})
	}
}

func TestQueue_ProgressStatsAndPrune(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			c := &clock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
			q := b.open(t, testPolicy(), c)
			ctx := context.Background()
			_, err := q.Enqueue(ctx, task("job-a", 0, 3))
			require.NoError(t, err)
			_, err = q.Enqueue(ctx, task("job-a", 1, 3))
			require.NoError(t, err)
			_, err = q.Enqueue(ctx, task("job-a", 2, 3), Delay(time.Hour))
			require.NoError(t, err)

			it, err := q.Dequeue(ctx, "w1")
			require.NoError(t, err)
			require.NoError(t, q.Progress(ctx, it.ID, 50))
			assert.ErrorIs(t, q.Progress(ctx, "missing", 10), ErrNotOwned)

			st, err := q.Stats(ctx)
			require.NoError(t, err)
			assert.Equal(t, Stats{Waiting: 1, Delayed: 1, Active: 1}, st)

			require.NoError(t, q.Complete(ctx, it.ID, "w1"))
			c.advance(time.Minute)
			n, err := q.Prune(ctx, c.now())
			require.NoError(t, err)
			assert.Equal(t, 1, n)

			st, err = q.Stats(ctx)
			require.NoError(t, err)
			assert.Equal(t, 0, st.Completed)
		})
	}
}

func TestMemoryQueue_ClosedRejects(t *testing.T) {
	q := NewMemoryQueue(testPolicy())
	require.NoError(t, q.Close())
	_, err := q.Enqueue(context.Background(), task("j", 0, 1))
	assert.ErrorIs(t, err, ErrClosed)
	_, err = q.Dequeue(context.Background(), "w")
	assert.ErrorIs(t, err, ErrClosed)
	_, err = q.Reap(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestPolicy_BackoffFor(t *testing.T) {
	p := Policy{Backoff: 2 * time.Second, MaxBackoff: 10 * time.Second}
	assert.Equal(t, 2*time.Second, p.BackoffFor(1))
	assert.Equal(t, 4*time.Second, p.BackoffFor(2))
	assert.Equal(t, 8*time.Second, p.BackoffFor(3))
	assert.Equal(t, 10*time.Second, p.BackoffFor(4))
	assert.Equal(t, 10*time.Second, p.BackoffFor(40))
	assert.Equal(t, 2*time.Second, p.BackoffFor(0))
}
