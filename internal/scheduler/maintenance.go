package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jo-hoe/chunkscribe/internal/jobs"
	"github.com/jo-hoe/chunkscribe/internal/kv"
	"github.com/jo-hoe/chunkscribe/internal/queue"
)

// Cleaner removes an evicted job's leftover files.
type Cleaner interface {
	ScheduleCleanup(job jobs.Job)
}

// Sweeper bounds the memory and disk footprint of old jobs.
type Sweeper struct {
	Log       *slog.Logger
	Jobs      jobs.Store
	Store     kv.Store
	Queue     queue.Queue // optional
	Cleaner   Cleaner     // optional
	Retention time.Duration
	Now       func() time.Time
}

// SweepResult counts what one sweep removed.
type SweepResult struct {
	Jobs    int
	Records int
	Items   int
}

// Sweep evicts jobs older than Retention regardless of status, purges expired
// shared store records and prunes finished queue items.
func (s *Sweeper) Sweep(ctx context.Context) (SweepResult, error) {
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	cutoff := now().Add(-s.Retention)

	var res SweepResult
	evicted := s.Jobs.Sweep(cutoff)
	res.Jobs = len(evicted)
	for _, job := range evicted {
		if !job.Status.Terminal() {
			s.Log.Warn("evicting unfinished job", "job_id", job.ID, "status", job.Status, "created_at", job.CreatedAt)
		}
		if s.Cleaner != nil {
			s.Cleaner.ScheduleCleanup(job)
		}
	}

	var errs []error
	n, err := s.Store.Purge(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("purge store: %w", err))
	}
	res.Records = n

	if s.Queue != nil {
		n, err = s.Queue.Prune(ctx, cutoff)
		if err != nil {
			errs = append(errs, fmt.Errorf("prune queue: %w", err))
		}
		res.Items = n
	}

	if res.Jobs+res.Records+res.Items > 0 {
		s.Log.Info("sweep done", "jobs", res.Jobs, "records", res.Records, "queue_items", res.Items)
	}
	return res, errors.Join(errs...)
}
