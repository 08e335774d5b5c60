package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/jo-hoe/chunkscribe/internal/chunks"
	"github.com/jo-hoe/chunkscribe/internal/engine"
	"github.com/jo-hoe/chunkscribe/internal/queue"
)

// Worker implements queue.Processor: it transcribes one chunk and publishes the outcome.
type Worker struct {
	Log     *slog.Logger
	ID      string
	Engine  engine.Engine
	Results *chunks.Publisher
}

// Ensure Worker implements queue.Processor and queue.GiveUpHandler
var (
	_ queue.Processor     = (*Worker)(nil)
	_ queue.GiveUpHandler = (*Worker)(nil)
)

// New returns a Worker that publishes chunk outcomes through results.
func New(log *slog.Logger, id string, e engine.Engine, results *chunks.Publisher) *Worker {
	return &Worker{
		Log:     log.With("component", "worker", "worker_id", id),
		ID:      id,
		Engine:  e,
		Results: results,
	}
}

// Process transcribes the chunk and publishes a completed record. Failures are
// returned to the queue; see GiveUp for the failed record.
func (w *Worker) Process(ctx context.Context, item queue.Item, progress queue.ProgressFunc) error {
	task := item.Task
	if err := task.Validate(); err != nil {
		return fmt.Errorf("invalid task: %w", err)
	}
	log := w.Log.With("job_id", task.JobID, "chunk", task.ChunkIndex, "attempt", item.Attempt)
	progress(10)

	start := time.Now()
	text, err := w.Engine.Transcribe(ctx, task.ChunkPath, task.Language)
	if err != nil {
		return fmt.Errorf("transcribe chunk %d of %s: %w", task.ChunkIndex, task.JobID, err)
	}
	progress(90)

	if err := w.Results.Completed(ctx, task, text, w.ID, item.Attempt); err != nil {
		return fmt.Errorf("publish completed record: %w", err)
	}
	progress(100)
	log.Debug("chunk transcribed",
		"duration", time.Since(start),
		"text_size", humanize.Bytes(uint64(len(text))),
		"total_chunks", task.TotalChunks,
	)
	return nil
}

// GiveUp publishes the failed record for an item the queue will not retry.
func (w *Worker) GiveUp(ctx context.Context, item queue.Item, cause error) {
	log := w.Log.With("job_id", item.Task.JobID, "chunk", item.Task.ChunkIndex, "attempt", item.Attempt)
	if err := w.Results.Failed(ctx, item.Task, cause, w.ID, item.Attempt); err != nil {
		log.Error("publish failed record", "err", err)
		return
	}
	log.Warn("chunk given up", "err", cause)
}
