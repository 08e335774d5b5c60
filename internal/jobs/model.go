package jobs

import (
	"time"
)

// Status represents the lifecycle status of a transcription job.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transitions are expected from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// SourceMeta describes the uploaded audio.
type SourceMeta struct {
	Filename string // original client filename
	MimeType string
	Size     int64
	Language string // "auto" or an explicit code
}

// Job describes a single long-form transcription request spanning all of its chunks.
type Job struct {
	ID          string
	Status      Status
	Source      SourceMeta
	SourcePath  string  // stored upload on disk
	WorkDir     string  // job-scoped chunk directory
	CallbackURL *string // optional completion callback

	EstimatedSeconds float64 // duration guessed from byte size
	ChunkSeconds     int     // planned chunk duration
	ExpectedChunks   int     // 0 until dispatch is confirmed; then fixed

	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time

	Transcript   *string
	Error        *string
	SuccessRate  *float64
	FailedChunks []int // indices that contributed no text, set at completion
}

// ExpectedKnown reports whether the chunk count has been fixed by dispatch.
func (j Job) ExpectedKnown() bool {
	return j.ExpectedChunks > 0
}

// clone returns a deep copy so callers never share pointers with the store.
func (j Job) clone() Job {
	c := j
	if j.CallbackURL != nil {
		v := *j.CallbackURL
		c.CallbackURL = &v
	}
	if j.StartedAt != nil {
		v := *j.StartedAt
		c.StartedAt = &v
	}
	if j.CompletedAt != nil {
		v := *j.CompletedAt
		c.CompletedAt = &v
	}
	if j.Transcript != nil {
		v := *j.Transcript
		c.Transcript = &v
	}
	if j.Error != nil {
		v := *j.Error
		c.Error = &v
	}
	if j.SuccessRate != nil {
		v := *j.SuccessRate
		c.SuccessRate = &v
	}
	if j.FailedChunks != nil {
		c.FailedChunks = append([]int(nil), j.FailedChunks...)
	}
	return c
}
