package distributed

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/olivere/dagqueue"
)

// MemoryQueue is a Queue in process memory.
type MemoryQueue struct {
	mu       sync.Mutex
	messages map[string]time.Time // job id -> visible at
}

// NewMemoryQueue creates a new MemoryQueue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{messages: make(map[string]time.Time)}
}

// Push adds or reschedules the message for jobID.
func (q *MemoryQueue) Push(ctx context.Context, jobID string, visibleAt time.Time) error {
	q.mu.Lock()
	q.messages[jobID] = visibleAt
	q.mu.Unlock()
	return nil
}

// Receive hides and returns the message that became visible first.
func (q *MemoryQueue) Receive(ctx context.Context, now time.Time, visibility time.Duration) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var (
		next string
		at   time.Time
	)
	for id, visibleAt := range q.messages {
		if visibleAt.After(now) {
			continue
		}
		if next == "" || visibleAt.Before(at) || (visibleAt.Equal(at) && id < next) {
			next, at = id, visibleAt
		}
	}
	if next != "" {
		q.messages[next] = now.Add(visibility)
	}
	return next, nil
}

// Delete removes the message for jobID.
func (q *MemoryQueue) Delete(ctx context.Context, jobID string) error {
	q.mu.Lock()
	delete(q.messages, jobID)
	q.mu.Unlock()
	return nil
}

// Contains reports whether there is a message for jobID.
func (q *MemoryQueue) Contains(ctx context.Context, jobID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, found := q.messages[jobID]
	return found, nil
}

// Len returns the number of messages.
func (q *MemoryQueue) Len(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.messages), nil
}

// Close the queue.
func (q *MemoryQueue) Close() error {
	return nil
}

// MemoryMetaStore is a MetaStore in process memory.
type MemoryMetaStore struct {
	mu   sync.Mutex
	jobs map[string]*dagqueue.Job
}

// NewMemoryMetaStore creates a new MemoryMetaStore.
func NewMemoryMetaStore() *MemoryMetaStore {
	return &MemoryMetaStore{jobs: make(map[string]*dagqueue.Job)}
}

// Start the store.
func (s *MemoryMetaStore) Start(ctx context.Context) error {
	return nil
}

// Close the store.
func (s *MemoryMetaStore) Close() error {
	return nil
}

// Insert adds a new job.
func (s *MemoryMetaStore) Insert(ctx context.Context, job *dagqueue.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, found := s.jobs[job.ID]; found {
		return fmt.Errorf("%w: %s", dagqueue.ErrAlreadyExists, job.ID)
	}
	s.jobs[job.ID] = job.Clone()
	return nil
}

// Get returns the job with the given id.
func (s *MemoryMetaStore) Get(ctx context.Context, id string) (*dagqueue.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, found := s.jobs[id]
	if !found {
		return nil, &dagqueue.JobNotFoundError{ID: id}
	}
	return job.Clone(), nil
}

// CompareAndSwap replaces the job if the version matches.
func (s *MemoryMetaStore) CompareAndSwap(ctx context.Context, job *dagqueue.Job, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, found := s.jobs[job.ID]
	if !found {
		return &dagqueue.JobNotFoundError{ID: job.ID}
	}
	if err := dagqueue.CheckVersion(cur, expectedVersion); err != nil {
		return err
	}
	s.jobs[job.ID] = job.Clone()
	return nil
}

// Find returns the jobs with the given status.
func (s *MemoryMetaStore) Find(ctx context.Context, status dagqueue.Status) ([]*dagqueue.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var list []*dagqueue.Job
	for _, job := range s.jobs {
		if status == "" || job.Status == status {
			list = append(list, job.Clone())
		}
	}
	dagqueue.SortJobs(list)
	return list, nil
}

// Delete removes jobs.
func (s *MemoryMetaStore) Delete(ctx context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.jobs, id)
	}
	return nil
}
