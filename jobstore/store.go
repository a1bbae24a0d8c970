// Package jobstore keeps the in-memory table of execution jobs.
//
// The store owns every Job record. Records are created PENDING by the enqueue
// path and moved forward only by the worker that owns the job; terminal states
// never revert. Reads return snapshots, so a caller never observes a partially
// written result.
package jobstore

import (
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/isdmx/codejudge/execution"
)

const shardCount = 32

var (
	// ErrNotFound is returned for unknown job ids.
	ErrNotFound = errors.New("job not found")
	// ErrInvalidTransition is returned when a status change would move a job
	// backwards or skip a state.
	ErrInvalidTransition = errors.New("invalid job status transition")
)

// Status is the lifecycle state of a job.
type Status string

// Job states.
const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// IsTerminal reports whether no further transition is allowed.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Job is one execution tracked from enqueue to a terminal status.
type Job struct {
	ID           string             `json:"job_id"`
	Status       Status             `json:"status"`
	Language     string             `json:"language"`
	SubmissionID *int64             `json:"submission_id,omitempty"`
	Result       *execution.Result  `json:"result,omitempty"`
	Failure      *execution.Failure `json:"failure,omitempty"`
	CreatedAt    time.Time          `json:"created_at"`
	UpdatedAt    time.Time          `json:"updated_at"`
}

func (j *Job) clone() Job {
	c := *j
	c.Result = j.Result.Clone()
	if j.Failure != nil {
		f := *j.Failure
		c.Failure = &f
	}
	if j.SubmissionID != nil {
		id := *j.SubmissionID
		c.SubmissionID = &id
	}
	return c
}

type shard struct {
	mu   sync.RWMutex
	jobs map[string]*Job
}

// Store is a sharded, concurrency-safe job table.
type Store struct {
	shards [shardCount]*shard
	now    func() time.Time
	newID  func() string
}

// New creates an empty Store.
func New() *Store {
	s := &Store{
		now:   time.Now,
		newID: uuid.NewString,
	}
	for i := range s.shards {
		s.shards[i] = &shard{jobs: make(map[string]*Job)}
	}
	return s
}

func (s *Store) shardFor(id string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return s.shards[h.Sum32()%shardCount]
}

// Create inserts a fresh PENDING job and returns a snapshot of it.
// A nil submissionID marks an ephemeral run.
func (s *Store) Create(submissionID *int64, language string) Job {
	now := s.now()
	job := &Job{
		ID:        s.newID(),
		Status:    StatusPending,
		Language:  language,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if submissionID != nil {
		id := *submissionID
		job.SubmissionID = &id
	}

	sh := s.shardFor(job.ID)
	sh.mu.Lock()
	sh.jobs[job.ID] = job
	sh.mu.Unlock()

	return job.clone()
}

// Get returns a snapshot of the job.
func (s *Store) Get(id string) (Job, error) {
	sh := s.shardFor(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	job, ok := sh.jobs[id]
	if !ok {
		return Job{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return job.clone(), nil
}

// Transition moves a job forward. COMPLETED requires a result and FAILED
// requires a failure; both are copied into the store.
func (s *Store) Transition(id string, to Status, result *execution.Result, failure *execution.Failure) error {
	sh := s.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	job, ok := sh.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if !allowed(job.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, job.Status, to)
	}

	switch to {
	case StatusCompleted:
		if result == nil {
			return fmt.Errorf("%w: %s requires a result", ErrInvalidTransition, to)
		}
		job.Result = result.Clone()
	case StatusFailed:
		if failure == nil {
			return fmt.Errorf("%w: %s requires a failure", ErrInvalidTransition, to)
		}
		f := *failure
		job.Failure = &f
	}
	job.Status = to
	job.UpdatedAt = s.now()
	return nil
}

func allowed(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusRunning
	case StatusRunning:
		return to == StatusCompleted || to == StatusFailed
	default:
		return false
	}
}

// Len returns the number of stored jobs.
func (s *Store) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		n += len(sh.jobs)
		sh.mu.RUnlock()
	}
	return n
}

// Counts returns the number of jobs per status.
func (s *Store) Counts() map[Status]int {
	counts := make(map[Status]int, 4)
	for _, sh := range s.shards {
		sh.mu.RLock()
		for _, job := range sh.jobs {
			counts[job.Status]++
		}
		sh.mu.RUnlock()
	}
	return counts
}
