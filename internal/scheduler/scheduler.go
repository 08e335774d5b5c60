// Package scheduler owns the process's periodic background tasks.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// TaskFunc is one run of a periodic task.
type TaskFunc func(ctx context.Context) error

// Scheduler runs named tasks on fixed intervals. A task never overlaps with
// its own previous run.
type Scheduler struct {
	log  *slog.Logger
	cron *cron.Cron

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	started bool
}

// New returns a stopped Scheduler; overlapping runs of a task are skipped.
func New(log *slog.Logger) *Scheduler {
	log = log.With("component", "scheduler")
	cl := cronLogger{log: log}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		log: log,
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Every registers fn to run every interval once the scheduler is started.
func (s *Scheduler) Every(name string, interval time.Duration, fn TaskFunc) error {
	if interval <= 0 {
		return fmt.Errorf("task %s: interval must be positive", name)
	}
	if fn == nil {
		return fmt.Errorf("task %s: nil func", name)
	}
	log := s.log.With("task", name)
	_, err := s.cron.AddFunc("@every "+interval.String(), func() {
		if s.ctx.Err() != nil {
			return
		}
		start := time.Now()
		if err := fn(s.ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("task failed", "err", err, "duration", time.Since(start))
			return
		}
		log.Debug("task done", "duration", time.Since(start))
	})
	if err != nil {
		return fmt.Errorf("schedule task %s: %w", name, err)
	}
	log.Info("task scheduled", "interval", interval)
	return nil
}

// Start begins running registered tasks.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.cron.Start()
}

// Stop halts scheduling, cancels running tasks and waits for them or ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.cancel()
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop scheduler: %w", ctx.Err())
	}
}

// cronLogger forwards cron's own messages to slog.
type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error(msg, append(keysAndValues, "err", err)...)
}
