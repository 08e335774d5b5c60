// Package dispatch turns a job's chunk files into prioritized, staggered queue items.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jo-hoe/chunkscribe/internal/chunks"
	"github.com/jo-hoe/chunkscribe/internal/config"
	"github.com/jo-hoe/chunkscribe/internal/queue"
)

// ErrNoChunks is returned when there is nothing to dispatch.
var ErrNoChunks = errors.New("no chunks to dispatch")

// Dispatcher submits one queue item per chunk.
type Dispatcher struct {
	log *slog.Logger
	q   queue.Queue
	cfg config.DispatchConfig
}

// New returns a Dispatcher enqueuing onto q.
func New(log *slog.Logger, q queue.Queue, cfg config.DispatchConfig) *Dispatcher {
	return &Dispatcher{log: log.With("component", "dispatcher"), q: q, cfg: cfg}
}

// Priority favors earlier chunks so a job's opening audio is transcribed first.
func (d *Dispatcher) Priority(index int) int {
	return d.cfg.BasePriority - index
}

// Delay grows with the index, plus an extra step after every full batch.
func (d *Dispatcher) Delay(index int) time.Duration {
	delay := time.Duration(index) * d.cfg.StaggerStep
	if d.cfg.BatchSize > 0 {
		delay += time.Duration(index/d.cfg.BatchSize) * d.cfg.BatchDelay
	}
	return delay
}

// Dispatch enqueues paths in order and returns how many were submitted.
// On error the count reflects the items already in the queue.
func (d *Dispatcher) Dispatch(ctx context.Context, jobID, language string, paths []string) (int, error) {
	if len(paths) == 0 {
		return 0, ErrNoChunks
	}
	total := len(paths)
	log := d.log.With("job_id", jobID)
	for i, p := range paths {
		task := chunks.Task{
			JobID:       jobID,
			ChunkIndex:  i,
			ChunkPath:   p,
			TotalChunks: total,
			Language:    language,
		}
		if _, err := d.q.Enqueue(ctx, task, queue.Priority(d.Priority(i)), queue.Delay(d.Delay(i))); err != nil {
			log.Error("enqueue chunk", "chunk", i, "err", err)
			return i, fmt.Errorf("enqueue chunk %d/%d: %w", i, total, err)
		}
	}
	log.Info("chunks dispatched", "count", total, "last_delay", d.Delay(total-1))
	return total, nil
}
