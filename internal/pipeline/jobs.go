package pipeline

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hyperifyio/kindlesender/internal/deliver"
)

// JobStatus is the coarse state of an asynchronous submission.
type JobStatus string

const (
	StatusQueued    JobStatus = "queued"
	StatusRunning   JobStatus = "running"
	StatusSucceeded JobStatus = "succeeded"
	StatusFailed    JobStatus = "failed"
)

// Job tracks one asynchronous run.
type Job struct {
	mu sync.Mutex

	ID        string
	URL       string
	Status    JobStatus
	Stage     Stage
	Title     string
	Error     string
	FailedIn  Stage
	Receipt   *deliver.Receipt
	Warnings  []string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewJob returns a queued job with a fresh id.
func NewJob(url string) *Job {
	now := time.Now()
	return &Job{
		ID:        uuid.NewString(),
		URL:       url,
		Status:    StatusQueued,
		Stage:     StageIdle,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Observe follows a run's transitions. It is used as the run's Observer.
func (j *Job) Observe(t Transition) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.Stage = t.To
	switch t.To {
	case StageDone:
		j.Status = StatusSucceeded
	case StageFailed:
		j.Status = StatusFailed
	default:
		j.Status = StatusRunning
	}
	j.UpdatedAt = t.At
}

// Finish records the outcome of the run.
func (j *Job) Finish(res *Result, err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if res != nil {
		j.Title = res.Title
		j.Warnings = append([]string(nil), res.Warnings...)
		if res.Receipt != nil {
			rec := *res.Receipt
			j.Receipt = &rec
		}
	}
	if err != nil {
		j.Status = StatusFailed
		j.Stage = StageFailed
		j.Error = err.Error()
		j.FailedIn = FailedStage(err)
	}
	j.UpdatedAt = time.Now()
}

// Fail marks a job that never ran.
func (j *Job) Fail(reason string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.Status = StatusFailed
	j.Stage = StageFailed
	j.Error = reason
	j.UpdatedAt = time.Now()
}

// JobSnapshot is a read-only, JSON-safe copy of job state.
type JobSnapshot struct {
	ID        string           `json:"job_id"`
	URL       string           `json:"url"`
	Status    JobStatus        `json:"status"`
	Stage     Stage            `json:"stage"`
	Title     string           `json:"title,omitempty"`
	Error     string           `json:"error,omitempty"`
	FailedIn  Stage            `json:"failed_stage,omitempty"`
	Receipt   *deliver.Receipt `json:"receipt,omitempty"`
	Warnings  []string         `json:"warnings"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// Snapshot returns a copy of the job state.
func (j *Job) Snapshot() JobSnapshot {
	j.mu.Lock()
	defer j.mu.Unlock()
	warnings := append([]string{}, j.Warnings...)
	var rec *deliver.Receipt
	if j.Receipt != nil {
		r := *j.Receipt
		rec = &r
	}
	return JobSnapshot{
		ID:        j.ID,
		URL:       j.URL,
		Status:    j.Status,
		Stage:     j.Stage,
		Title:     j.Title,
		Error:     j.Error,
		FailedIn:  j.FailedIn,
		Receipt:   rec,
		Warnings:  warnings,
		CreatedAt: j.CreatedAt,
		UpdatedAt: j.UpdatedAt,
	}
}

func (j *Job) updatedAt() time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.UpdatedAt
}

func (j *Job) finished() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.Status == StatusSucceeded || j.Status == StatusFailed
}

// JobStore is a thread-safe in-memory job registry with TTL eviction.
type JobStore struct {
	mu   sync.Mutex
	jobs map[string]*Job
	ttl  time.Duration
	now  func() time.Time
}

func NewJobStore(ttl time.Duration) *JobStore {
	return &JobStore{
		jobs: make(map[string]*Job),
		ttl:  ttl,
		now:  time.Now,
	}
}

func (s *JobStore) Put(job *Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job
}

func (s *JobStore) Get(id string) *Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs[id]
}

func (s *JobStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// Cleanup removes finished jobs not updated within the TTL and returns how
// many were removed. Jobs still queued or running are kept.
func (s *JobStore) Cleanup() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	n := 0
	for id, job := range s.jobs {
		if job.finished() && now.Sub(job.updatedAt()) > s.ttl {
			delete(s.jobs, id)
			n++
		}
	}
	return n
}
