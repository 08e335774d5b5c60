package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jo-hoe/chunkscribe/internal/common"
)

// ProgressFunc reports completion percentage of the item being processed.
type ProgressFunc func(pct int)

// Processor defines how to process a leased Item.
type Processor interface {
	Process(ctx context.Context, item Item, progress ProgressFunc) error
}

// GiveUpHandler is implemented by processors that record items the queue
// stops retrying, either after a failed final attempt or a reaped lease.
type GiveUpHandler interface {
	GiveUp(ctx context.Context, item Item, cause error)
}

// Runner polls a Queue with a pool of goroutines and hands items to a Processor.
type Runner struct {
	log        *slog.Logger
	q          Queue
	workerID   string
	workers    int
	poll       time.Duration
	wg         sync.WaitGroup
	cancelOnce sync.Once
	cancel     context.CancelFunc
	giveUp     GiveUpHandler
	started    bool
	mu         sync.Mutex
}

// NewRunner creates a Runner with the given worker count and idle poll interval.
func NewRunner(logger *slog.Logger, q Queue, workerID string, workers int, poll time.Duration) *Runner {
	if workers <= 0 {
		workers = common.DefaultWorkerConcurrency
	}
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	return &Runner{
		log:      logger,
		q:        q,
		workerID: workerID,
		workers:  workers,
		poll:     poll,
	}
}

// Start launches worker goroutines that lease items and process them using the provided Processor.
func (r *Runner) Start(ctx context.Context, p Processor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return errors.New("runner already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.giveUp, _ = p.(GiveUpHandler)
	for i := 0; i < r.workers; i++ {
		r.wg.Add(1)
		go r.worker(ctx, p, i)
	}
	r.wg.Add(1)
	go r.reaper(ctx)
	r.started = true
	return nil
}

func (r *Runner) worker(ctx context.Context, p Processor, idx int) {
	defer r.wg.Done()
	owner := fmt.Sprintf("%s/%d", r.workerID, idx)
	log := r.log.With("worker", owner)
	for {
		if ctx.Err() != nil {
			log.Debug("worker stopping due to context cancellation")
			return
		}
		item, err := r.q.Dequeue(ctx, owner)
		switch {
		case err == nil:
			r.handle(ctx, log, p, owner, item)
			continue
		case errors.Is(err, ErrClosed):
			log.Debug("queue closed, worker exiting")
			return
		case !errors.Is(err, ErrEmpty) && ctx.Err() == nil:
			log.Warn("dequeue failed", "err", err)
		}
		select {
		case <-ctx.Done():
			log.Debug("worker stopping due to context cancellation")
			return
		case <-time.After(r.poll):
		}
	}
}

// reaper fails items whose holder vanished during their last attempt.
func (r *Runner) reaper(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if !r.reap(ctx) {
			return
		}
	}
}

func (r *Runner) reap(ctx context.Context) bool {
	items, err := r.q.Reap(ctx)
	switch {
	case errors.Is(err, ErrClosed):
		return false
	case err != nil:
		if ctx.Err() == nil {
			r.log.Warn("reap expired leases failed", "err", err)
		}
		return true
	}
	if len(items) == 0 {
		return true
	}
	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	for _, it := range items {
		r.log.Error("chunk lease expired on last attempt",
			"job_id", it.Task.JobID, "chunk", it.Task.ChunkIndex, "attempt", it.Attempt)
		r.gaveUp(settleCtx, it, ErrLeaseExpired)
	}
	return true
}

func (r *Runner) gaveUp(ctx context.Context, item Item, cause error) {
	if r.giveUp != nil {
		r.giveUp.GiveUp(ctx, item, cause)
	}
}

func (r *Runner) handle(ctx context.Context, log *slog.Logger, p Processor, owner string, item *Item) {
	itemLog := log.With("job_id", item.Task.JobID, "chunk", item.Task.ChunkIndex, "attempt", item.Attempt)
	itemLog.Info("processing chunk")
	start := time.Now()

	progress := func(pct int) {
		if err := r.q.Progress(ctx, item.ID, pct); err != nil {
			itemLog.Debug("progress update failed", "err", err)
		}
	}

	perr := p.Process(ctx, *item, progress)
	// Settle the lease even if we are shutting down.
	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if perr == nil {
		if err := r.q.Complete(settleCtx, item.ID, owner); err != nil {
			itemLog.Warn("complete failed", "err", err)
		}
		itemLog.Info("chunk processed", "duration", time.Since(start))
		return
	}
	if ctx.Err() != nil && errors.Is(perr, context.Canceled) {
		// Interrupted by shutdown: the attempt does not count.
		if err := r.q.Release(settleCtx, item.ID, owner); err != nil {
			itemLog.Warn("release on shutdown failed", "err", err)
			return
		}
		itemLog.Info("chunk released on shutdown", "duration", time.Since(start))
		return
	}
	retrying, err := r.q.Fail(settleCtx, item.ID, owner, perr)
	if err != nil {
		itemLog.Warn("release for retry failed", "err", err)
		return
	}
	itemLog.Error("chunk processing failed", "err", perr, "duration", time.Since(start), "retrying", retrying)
	if !retrying {
		r.gaveUp(settleCtx, *item, perr)
	}
}

// Shutdown stops polling and waits for in-flight items up to the provided deadline.
func (r *Runner) Shutdown(deadline time.Duration) {
	r.cancelOnce.Do(func() {
		if r.cancel != nil {
			r.cancel()
		}

		done := make(chan struct{})
		go func() {
			defer close(done)
			r.wg.Wait()
		}()

		if deadline <= 0 {
			<-done
			return
		}

		timer := time.NewTimer(deadline)
		defer timer.Stop()
		select {
		case <-done:
			return
		case <-timer.C:
			r.log.Warn("runner shutdown deadline reached; workers may still be running")
		}
	})
}
