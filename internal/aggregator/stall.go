package aggregator

import (
	"context"
	"time"

	"github.com/jo-hoe/chunkscribe/internal/jobs"
)

// Stalled describes a processing job that has made no progress for a while.
type Stalled struct {
	JobID     string
	Processed int
	Expected  int
	Pending   []int
	Idle      time.Duration
}

// StallCheck logs processing jobs with no new chunk results for StallThreshold.
// Jobs are never failed here; the retention sweep evicts abandoned ones.
func (a *Aggregator) StallCheck(ctx context.Context) ([]Stalled, error) {
	if a.cfg.StallThreshold <= 0 {
		return nil, nil
	}
	now := a.now()
	live := map[string]bool{}
	var stalled []Stalled

	for _, job := range a.jobs.List() {
		if job.Status != jobs.StatusProcessing {
			continue
		}
		live[job.ID] = true
		entries, err := a.scanAll(ctx, job.ID)
		if err != nil {
			return stalled, err
		}
		expected := expectedChunks(job)
		t := newTally(expected, entries)

		a.stallMu.Lock()
		mark, ok := a.marks[job.ID]
		if !ok {
			mark = progressMark{processed: -1, changedAt: now}
			if job.StartedAt != nil {
				mark.changedAt = *job.StartedAt
			}
		}
		if t.processed() != mark.processed {
			if ok {
				mark.changedAt = now
			}
			mark.processed = t.processed()
		}
		idle := now.Sub(mark.changedAt)
		warn := idle >= a.cfg.StallThreshold && now.Sub(mark.warnedAt) >= a.cfg.StallThreshold
		if warn {
			mark.warnedAt = now
		}
		a.marks[job.ID] = mark
		a.stallMu.Unlock()

		if warn {
			s := Stalled{JobID: job.ID, Processed: t.processed(), Expected: expected, Pending: t.pending(), Idle: idle}
			stalled = append(stalled, s)
			a.log.Warn("job stalled",
				"job_id", job.ID,
				"processed", s.Processed,
				"expected", s.Expected,
				"pending", s.Pending,
				"idle", idle.Round(time.Second),
			)
		}
	}

	a.stallMu.Lock()
	for id := range a.marks {
		if !live[id] {
			delete(a.marks, id)
		}
	}
	a.stallMu.Unlock()
	return stalled, nil
}

func (a *Aggregator) forget(jobID string) {
	a.stallMu.Lock()
	delete(a.marks, jobID)
	a.stallMu.Unlock()
}
