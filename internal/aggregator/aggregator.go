// Package aggregator polls the shared store for chunk results, decides when a
// job is complete, and merges its transcript in chunk order.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/jo-hoe/chunkscribe/internal/chunks"
	"github.com/jo-hoe/chunkscribe/internal/jobs"
	"github.com/jo-hoe/chunkscribe/internal/kv"
	"github.com/jo-hoe/chunkscribe/internal/planner"
)

// Config tunes stall detection and cleanup.
type Config struct {
	StallThreshold time.Duration
	CleanupDelay   time.Duration
}

// CleanupFunc removes a finished job's temporary files.
type CleanupFunc func(job jobs.Job)

// Aggregator is the single coordinator merging chunk results into jobs.
type Aggregator struct {
	log   *slog.Logger
	jobs  jobs.Store
	store kv.Store
	cfg   Config
	now   func() time.Time

	cycleMu sync.Mutex // one cycle at a time

	cleanupMu sync.Mutex
	timers    map[string]pendingCleanup
	cleanup   CleanupFunc

	stallMu sync.Mutex
	marks   map[string]progressMark
}

type pendingCleanup struct {
	timer *time.Timer
	job   jobs.Job
}

type progressMark struct {
	processed int
	changedAt time.Time
	warnedAt  time.Time
}

// New returns an Aggregator merging records from store into jobs held by js.
func New(log *slog.Logger, js jobs.Store, store kv.Store, cfg Config) *Aggregator {
	a := &Aggregator{
		log:    log.With("component", "aggregator"),
		jobs:   js,
		store:  store,
		cfg:    cfg,
		now:    time.Now,
		timers: make(map[string]pendingCleanup),
		marks:  make(map[string]progressMark),
	}
	a.cleanup = a.removeJobFiles
	return a
}

// SetCleanup replaces the temp file removal step.
func (a *Aggregator) SetCleanup(fn CleanupFunc) {
	a.cleanupMu.Lock()
	a.cleanup = fn
	a.cleanupMu.Unlock()
}

// Report summarizes one aggregation cycle.
type Report struct {
	Records   int      // decoded records seen
	Skipped   int      // groups whose job is unknown or not processing
	Waiting   int      // processing jobs still missing chunks
	Completed []string // jobs finalized this cycle
}

// Cycle runs one scan-and-merge pass. Concurrent callers are serialized.
func (a *Aggregator) Cycle(ctx context.Context) (Report, error) {
	a.cycleMu.Lock()
	defer a.cycleMu.Unlock()

	var rep Report
	entries, err := a.scanAll(ctx, "")
	if err != nil {
		return rep, err
	}
	rep.Records = len(entries)

	groups := lo.GroupBy(entries, func(e chunks.Entry) string { return e.Record.JobID })
	jobIDs := lo.Keys(groups)
	sort.Strings(jobIDs)

	for _, jobID := range jobIDs {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		job, err := a.jobs.Get(jobID)
		if err != nil || job.Status != jobs.StatusProcessing {
			// Unknown, not yet confirmed, or already finished: leave records to TTL.
			rep.Skipped++
			continue
		}
		done, err := a.consider(ctx, job, groups[jobID])
		if err != nil {
			a.log.Error("aggregate job", "job_id", jobID, "err", err)
			continue
		}
		if done {
			rep.Completed = append(rep.Completed, jobID)
		} else {
			rep.Waiting++
		}
	}
	return rep, nil
}

// scanAll reads completed and failed records, optionally for a single job.
func (a *Aggregator) scanAll(ctx context.Context, jobID string) ([]chunks.Entry, error) {
	var out []chunks.Entry
	for _, o := range []chunks.Outcome{chunks.OutcomeCompleted, chunks.OutcomeFailed} {
		prefix := chunks.Prefix(o)
		if jobID != "" {
			prefix = chunks.JobPrefix(o, jobID)
		}
		raw, err := a.store.Scan(ctx, prefix)
		if err != nil {
			return nil, fmt.Errorf("scan %s records: %w", o, err)
		}
		for _, e := range raw {
			dec, err := chunks.Decode(e)
			if err != nil {
				a.log.Debug("ignoring unreadable record", "key", e.Key, "err", err)
				continue
			}
			out = append(out, dec)
		}
	}
	return out, nil
}

// tally is the per-index view of a job's records. Completed wins over failed.
type tally struct {
	expected  int
	completed map[int]chunks.Record
	failed    map[int]chunks.Record
}

func newTally(expected int, entries []chunks.Entry) tally {
	t := tally{expected: expected, completed: map[int]chunks.Record{}, failed: map[int]chunks.Record{}}
	for _, e := range entries {
		idx := e.Record.ChunkIndex
		if idx < 0 || idx >= expected {
			continue
		}
		switch e.Outcome {
		case chunks.OutcomeCompleted:
			if _, seen := t.completed[idx]; !seen {
				t.completed[idx] = e.Record
			}
		case chunks.OutcomeFailed:
			if _, seen := t.failed[idx]; !seen {
				t.failed[idx] = e.Record
			}
		}
	}
	for idx := range t.completed {
		delete(t.failed, idx)
	}
	return t
}

func (t tally) processed() int { return len(t.completed) + len(t.failed) }

func (t tally) pending() []int {
	return lo.Filter(lo.Range(t.expected), func(i int, _ int) bool {
		_, c := t.completed[i]
		_, f := t.failed[i]
		return !c && !f
	})
}

// merge joins completed texts in index order; failed or missing chunks add nothing.
func (t tally) merge() (string, []int) {
	parts := make([]string, 0, t.expected)
	var failed []int
	for i := 0; i < t.expected; i++ {
		rec, ok := t.completed[i]
		if !ok {
			failed = append(failed, i)
			continue
		}
		if s := strings.TrimSpace(rec.Text); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, " "), failed
}

func expectedChunks(job jobs.Job) int {
	if job.ExpectedChunks > 0 {
		return job.ExpectedChunks
	}
	return planner.EstimateChunkCount(job.EstimatedSeconds, job.ChunkSeconds)
}

func (a *Aggregator) consider(ctx context.Context, job jobs.Job, entries []chunks.Entry) (bool, error) {
	log := a.log.With("job_id", job.ID)
	expected := expectedChunks(job)
	t := newTally(expected, entries)

	if t.processed() < expected {
		log.Debug("job waiting for chunks",
			"processed", t.processed(), "expected", expected, "pending", t.pending())
		return false, nil
	}

	transcript, failed := t.merge()
	rate := float64(len(t.completed)) / float64(expected)
	now := a.now().UTC()

	finished, err := a.jobs.TryTransition(job.ID, jobs.StatusProcessing, jobs.StatusCompleted, func(j *jobs.Job) error {
		j.Transcript = &transcript
		j.CompletedAt = &now
		j.SuccessRate = &rate
		j.FailedChunks = failed
		if len(failed) > 0 {
			msg := fmt.Sprintf("%d of %d chunks failed", len(failed), expected)
			if len(failed) == expected {
				msg = fmt.Sprintf("all %d chunks failed; no transcript produced", expected)
			}
			j.Error = &msg
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, jobs.ErrTransitionRejected) || errors.Is(err, jobs.ErrNotFound) {
			// Someone else finished or evicted the job between Get and here.
			return false, nil
		}
		return false, fmt.Errorf("complete job: %w", err)
	}

	keys := lo.Uniq(lo.Map(entries, func(e chunks.Entry, _ int) string { return e.Key }))
	if err := a.store.Delete(ctx, keys...); err != nil {
		log.Warn("delete consumed records", "err", err)
	}
	a.forget(job.ID)
	a.scheduleCleanup(finished)

	log.Info("job completed",
		"chunks", expected,
		"failed", len(failed),
		"success_rate", rate,
		"duration", jobDuration(finished),
	)
	return true, nil
}

func jobDuration(j jobs.Job) time.Duration {
	if j.StartedAt == nil || j.CompletedAt == nil {
		return 0
	}
	return j.CompletedAt.Sub(*j.StartedAt)
}

// scheduleCleanup removes the job's files after CleanupDelay without blocking the cycle.
func (a *Aggregator) scheduleCleanup(job jobs.Job) {
	a.cleanupMu.Lock()
	defer a.cleanupMu.Unlock()
	if old, ok := a.timers[job.ID]; ok {
		old.timer.Stop()
	}
	fn := a.cleanup
	t := time.AfterFunc(a.cfg.CleanupDelay, func() {
		a.cleanupMu.Lock()
		delete(a.timers, job.ID)
		a.cleanupMu.Unlock()
		fn(job)
	})
	a.timers[job.ID] = pendingCleanup{timer: t, job: job}
}

// ScheduleCleanup is used by the submission path for jobs that failed before dispatch finished.
func (a *Aggregator) ScheduleCleanup(job jobs.Job) {
	a.scheduleCleanup(job)
}

// Close runs pending cleanups immediately.
func (a *Aggregator) Close() {
	a.cleanupMu.Lock()
	pending := make([]jobs.Job, 0, len(a.timers))
	for id, p := range a.timers {
		if p.timer.Stop() {
			pending = append(pending, p.job)
		}
		delete(a.timers, id)
	}
	fn := a.cleanup
	a.cleanupMu.Unlock()

	for _, job := range pending {
		fn(job)
	}
}

func (a *Aggregator) removeJobFiles(job jobs.Job) {
	log := a.log.With("job_id", job.ID)
	if job.WorkDir != "" {
		if err := os.RemoveAll(job.WorkDir); err != nil {
			log.Warn("remove chunk dir", "dir", job.WorkDir, "err", err)
		}
	}
	if job.SourcePath != "" {
		if err := os.Remove(job.SourcePath); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Warn("remove upload", "path", job.SourcePath, "err", err)
		}
	}
	log.Debug("job files cleaned up")
}
