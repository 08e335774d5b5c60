package aggregator

import (
	"context"

	"github.com/jo-hoe/chunkscribe/internal/jobs"
)

// ChunkState is the diagnostic state of one chunk index.
type ChunkState string

const (
	ChunkCompleted ChunkState = "completed"
	ChunkFailed    ChunkState = "failed"
	ChunkPending   ChunkState = "pending"
)

// ChunkStatus describes one chunk of a job.
type ChunkStatus struct {
	Index  int        `json:"index"`
	State  ChunkState `json:"state"`
	Worker string     `json:"worker,omitempty"`
	Error  string     `json:"error,omitempty"`
}

// Breakdown is the per-chunk view of a job.
type Breakdown struct {
	Job       jobs.Job
	Expected  int
	Chunks    []ChunkStatus
	Completed []int
	Failed    []int
	Pending   []int
}

// ChunkBreakdown reports each chunk's state. While processing it reads live
// records; once completed it relies on what the job recorded at completion.
func (a *Aggregator) ChunkBreakdown(ctx context.Context, jobID string) (Breakdown, error) {
	job, err := a.jobs.Get(jobID)
	if err != nil {
		return Breakdown{}, err
	}
	b := Breakdown{
		Job:       job,
		Expected:  job.ExpectedChunks,
		Chunks:    []ChunkStatus{},
		Completed: []int{},
		Failed:    []int{},
		Pending:   []int{},
	}
	if !job.ExpectedKnown() {
		return b, nil
	}

	switch job.Status {
	case jobs.StatusCompleted:
		failed := map[int]bool{}
		for _, i := range job.FailedChunks {
			failed[i] = true
		}
		for i := 0; i < job.ExpectedChunks; i++ {
			if failed[i] {
				b.add(ChunkStatus{Index: i, State: ChunkFailed})
			} else {
				b.add(ChunkStatus{Index: i, State: ChunkCompleted})
			}
		}
		return b, nil
	default:
		entries, err := a.scanAll(ctx, jobID)
		if err != nil {
			return Breakdown{}, err
		}
		t := newTally(job.ExpectedChunks, entries)
		for i := 0; i < job.ExpectedChunks; i++ {
			if rec, ok := t.completed[i]; ok {
				b.add(ChunkStatus{Index: i, State: ChunkCompleted, Worker: rec.Worker})
			} else if rec, ok := t.failed[i]; ok {
				b.add(ChunkStatus{Index: i, State: ChunkFailed, Worker: rec.Worker, Error: rec.Error})
			} else {
				b.add(ChunkStatus{Index: i, State: ChunkPending})
			}
		}
		return b, nil
	}
}

func (b *Breakdown) add(s ChunkStatus) {
	b.Chunks = append(b.Chunks, s)
	switch s.State {
	case ChunkCompleted:
		b.Completed = append(b.Completed, s.Index)
	case ChunkFailed:
		b.Failed = append(b.Failed, s.Index)
	default:
		b.Pending = append(b.Pending, s.Index)
	}
}
