package jobs

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var (
	// ErrNotFound is returned when no job exists for an id.
	ErrNotFound = errors.New("job not found")
	// ErrTransitionRejected is returned when the job is not in the expected from-status.
	ErrTransitionRejected = errors.New("job transition rejected")
	// ErrInvalidTransition is returned for edges the lifecycle does not allow.
	ErrInvalidTransition = errors.New("invalid job transition")
)

// Mutator edits a private copy of a job during a transition.
// Returning an error aborts the transition and leaves the stored job untouched.
type Mutator func(j *Job) error

// Listener observes committed transitions.
type Listener func(j Job)

// Store defines the process-local job table and its lifecycle operations.
type Store interface {
	Create(job *Job) error
	Get(id string) (Job, error)
	List() []Job
	// TryTransition moves a job from one status to another atomically.
	TryTransition(id string, from, to Status, mutate Mutator) (Job, error)
	// Sweep evicts jobs created before cutoff, whatever their status.
	Sweep(cutoff time.Time) []Job
	Subscribe(l Listener)
}

// MemoryStore is an in-memory Store guarded by a single lock.
type MemoryStore struct {
	mu        sync.RWMutex
	jobs      map[string]*Job
	listeners []Listener
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty job table.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*Job)}
}

func (s *MemoryStore) Create(job *Job) error {
	if job == nil {
		return errors.New("job is nil")
	}
	if job.ID == "" {
		return errors.New("job.ID is required")
	}
	if job.Status == "" {
		job.Status = StatusPending
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	if _, exists := s.jobs[job.ID]; exists {
		s.mu.Unlock()
		return fmt.Errorf("job %s already exists", job.ID)
	}
	c := job.clone()
	s.jobs[job.ID] = &c
	s.mu.Unlock()

	s.notify(c)
	return nil
}

func (s *MemoryStore) Get(id string) (Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return Job{}, ErrNotFound
	}
	return j.clone(), nil
}

// List returns a snapshot of all jobs, oldest first.
func (s *MemoryStore) List() []Job {
	s.mu.RLock()
	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j.clone())
	}
	s.mu.RUnlock()
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	return out
}

func (s *MemoryStore) TryTransition(id string, from, to Status, mutate Mutator) (Job, error) {
	if !validTransition(from, to) {
		return Job{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	s.mu.Lock()
	cur, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return Job{}, ErrNotFound
	}
	if cur.Status != from {
		status := cur.Status
		s.mu.Unlock()
		return Job{}, fmt.Errorf("%w: job %s is %s, not %s", ErrTransitionRejected, id, status, from)
	}

	next := cur.clone()
	if mutate != nil {
		if err := mutate(&next); err != nil {
			s.mu.Unlock()
			return Job{}, err
		}
	}
	next.ID = cur.ID
	next.Status = to
	if err := checkInvariants(*cur, next); err != nil {
		s.mu.Unlock()
		return Job{}, err
	}
	s.jobs[id] = &next
	out := next.clone()
	s.mu.Unlock()

	s.notify(out)
	return out, nil
}

func (s *MemoryStore) Sweep(cutoff time.Time) []Job {
	s.mu.Lock()
	var evicted []Job
	for id, j := range s.jobs {
		if j.CreatedAt.Before(cutoff) {
			evicted = append(evicted, j.clone())
			delete(s.jobs, id)
		}
	}
	s.mu.Unlock()
	return evicted
}

func (s *MemoryStore) Subscribe(l Listener) {
	if l == nil {
		return
	}
	s.mu.Lock()
	s.listeners = append(s.listeners, l)
	s.mu.Unlock()
}

func (s *MemoryStore) notify(j Job) {
	s.mu.RLock()
	ls := append([]Listener(nil), s.listeners...)
	s.mu.RUnlock()
	for _, l := range ls {
		l(j.clone())
	}
}

// validTransition enforces the lifecycle edges.
func validTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusProcessing || to == StatusFailed
	case StatusProcessing:
		return to == StatusCompleted || to == StatusFailed
	default:
		return false
	}
}

// checkInvariants rejects mutations of set-once fields.
func checkInvariants(prev, next Job) error {
	if prev.ExpectedChunks > 0 && next.ExpectedChunks != prev.ExpectedChunks {
		return fmt.Errorf("%w: expected chunk count already fixed at %d", ErrInvalidTransition, prev.ExpectedChunks)
	}
	if next.ExpectedChunks < 0 {
		return fmt.Errorf("%w: negative expected chunk count", ErrInvalidTransition)
	}
	if prev.Transcript != nil && (next.Transcript == nil || *next.Transcript != *prev.Transcript) {
		return fmt.Errorf("%w: transcript already set", ErrInvalidTransition)
	}
	if prev.Error != nil && (next.Error == nil || *next.Error != *prev.Error) {
		return fmt.Errorf("%w: error already set", ErrInvalidTransition)
	}
	if next.Status == StatusFailed && next.Transcript != nil {
		return fmt.Errorf("%w: failed job cannot carry a transcript", ErrInvalidTransition)
	}
	return nil
}
