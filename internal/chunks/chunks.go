// Package chunks defines the unit of dispatched work and the result records
// workers publish for it into the shared store.
package chunks

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jo-hoe/chunkscribe/internal/common"
)

// Task is one chunk of one job, carried through the work queue.
type Task struct {
	JobID       string `json:"jobId"`
	ChunkIndex  int    `json:"chunkIndex"`
	ChunkPath   string `json:"chunkPath"`
	TotalChunks int    `json:"totalChunks"`
	Language    string `json:"language"`
}

// Validate checks the index bounds and required fields.
func (t Task) Validate() error {
	if t.JobID == "" {
		return errors.New("task jobId is required")
	}
	if t.ChunkPath == "" {
		return errors.New("task chunkPath is required")
	}
	if t.TotalChunks <= 0 {
		return fmt.Errorf("task totalChunks must be positive, got %d", t.TotalChunks)
	}
	if t.ChunkIndex < 0 || t.ChunkIndex >= t.TotalChunks {
		return fmt.Errorf("task chunkIndex %d out of range [0,%d)", t.ChunkIndex, t.TotalChunks)
	}
	return nil
}

// Outcome is the result kind of a processed chunk.
type Outcome string

const (
	OutcomeCompleted Outcome = common.KeyPrefixCompleted
	OutcomeFailed    Outcome = common.KeyPrefixFailed
)

// Record is the JSON body stored under a result key.
type Record struct {
	JobID      string    `json:"jobId"`
	ChunkIndex int       `json:"chunkIndex"`
	Text       string    `json:"text,omitempty"`
	Error      string    `json:"error,omitempty"`
	Worker     string    `json:"worker"`
	Timestamp  time.Time `json:"timestamp"`
	Attempt    int       `json:"attempt"`
}

// Key builds "<outcome>:<jobId>:chunk:<index>".
func Key(o Outcome, jobID string, index int) string {
	return string(o) + ":" + jobID + ":" + common.KeySegmentChunk + ":" + strconv.Itoa(index)
}

// Prefix returns the scan prefix for all records of one outcome.
func Prefix(o Outcome) string {
	return string(o) + ":"
}

// JobPrefix returns the scan prefix for one job's records of one outcome.
func JobPrefix(o Outcome, jobID string) string {
	return string(o) + ":" + jobID + ":"
}

// ErrMalformedKey is returned by ParseKey for keys outside the scheme.
var ErrMalformedKey = errors.New("malformed chunk key")

// ParseKey splits a result key back into its parts.
// Job ids may not contain ':'; anything else is rejected.
func ParseKey(key string) (Outcome, string, int, error) {
	parts := strings.Split(key, ":")
	if len(parts) != 4 || parts[2] != common.KeySegmentChunk || parts[1] == "" {
		return "", "", 0, fmt.Errorf("%w: %q", ErrMalformedKey, key)
	}
	o := Outcome(parts[0])
	if o != OutcomeCompleted && o != OutcomeFailed {
		return "", "", 0, fmt.Errorf("%w: unknown outcome in %q", ErrMalformedKey, key)
	}
	idx, err := strconv.Atoi(parts[3])
	if err != nil || idx < 0 {
		return "", "", 0, fmt.Errorf("%w: bad index in %q", ErrMalformedKey, key)
	}
	return o, parts[1], idx, nil
}
