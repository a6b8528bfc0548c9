// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package dagqueue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryBackend is a simple in-memory backend implementation.
// It implements the Backend interface. Jobs do not survive a restart;
// use it for tests and single-process tools.
type MemoryBackend struct {
	mu   sync.Mutex
	jobs map[string]*Job
	now  func() time.Time
}

// NewMemoryBackend creates a new MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		jobs: make(map[string]*Job),
		now:  time.Now,
	}
}

// Start the backend.
func (b *MemoryBackend) Start(ctx context.Context) error {
	return nil
}

// Close the backend.
func (b *MemoryBackend) Close() error {
	return nil
}

// Enqueue adds a new job.
func (b *MemoryBackend) Enqueue(ctx context.Context, job *Job) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, found := b.jobs[job.ID]; found {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, job.ID)
	}
	for _, dep := range job.DependsOn {
		if _, found := b.jobs[dep]; !found {
			return &JobNotFoundError{ID: dep}
		}
	}
	b.jobs[job.ID] = job.Clone()
	return nil
}

// ClaimNext picks the oldest claimable job.
func (b *MemoryBackend) ClaimNext(ctx context.Context, lease time.Duration) (*Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	var next *Job
	for _, job := range b.jobs {
		if !Claimable(job, now) {
			continue
		}
		if next == nil || job.CreatedAt.Before(next.CreatedAt) ||
			(job.CreatedAt.Equal(next.CreatedAt) && job.ID < next.ID) {
			next = job
		}
	}
	if next == nil {
		return nil, nil
	}
	if err := ApplyClaim(next, uuid.NewString(), lease, now); err != nil {
		return nil, err
	}
	return next.Clone(), nil
}

// UpdateStatus updates the job if its version matches.
func (b *MemoryBackend) UpdateStatus(ctx context.Context, id string, expectedVersion int64, u *Update) (*Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	job, found := b.jobs[id]
	if !found {
		return nil, &JobNotFoundError{ID: id}
	}
	if err := CheckVersion(job, expectedVersion); err != nil {
		return nil, err
	}
	for _, dep := range u.DependsOn {
		if _, found := b.jobs[dep]; !found {
			return nil, &JobNotFoundError{ID: dep}
		}
	}
	updated := job.Clone()
	if err := ApplyUpdate(updated, u, b.now()); err != nil {
		return nil, err
	}
	b.jobs[id] = updated
	return updated.Clone(), nil
}

// ExtendLease renews the lease of the job.
func (b *MemoryBackend) ExtendLease(ctx context.Context, id, claimID string, lease time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	job, found := b.jobs[id]
	if !found {
		return &JobNotFoundError{ID: id}
	}
	return ApplyLease(job, claimID, lease, b.now())
}

// GetJob returns the job with the specified identifier.
func (b *MemoryBackend) GetJob(ctx context.Context, id string) (*Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	job, found := b.jobs[id]
	if !found {
		return nil, &JobNotFoundError{ID: id}
	}
	return job.Clone(), nil
}

// GetReadyJobs returns Pending jobs with all predecessors completed.
func (b *MemoryBackend) GetReadyJobs(ctx context.Context) ([]*Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var list []*Job
	for _, job := range b.jobs {
		if job.Status == Pending && DependenciesCompleted(job, b.statusLocked) {
			list = append(list, job.Clone())
		}
	}
	SortJobs(list)
	return list, nil
}

// MarkReady moves a Pending job to Ready.
func (b *MemoryBackend) MarkReady(ctx context.Context, id string) (*Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	job, found := b.jobs[id]
	if !found {
		return nil, &JobNotFoundError{ID: id}
	}
	if job.Status != Pending {
		return nil, fmt.Errorf("%w: job %s is %s", ErrInvalidTransition, id, job.Status)
	}
	if !DependenciesCompleted(job, b.statusLocked) {
		return nil, fmt.Errorf("%w: job %s", ErrNotReady, id)
	}
	updated := job.Clone()
	if err := ApplyUpdate(updated, &Update{Status: Ready}, b.now()); err != nil {
		return nil, err
	}
	b.jobs[id] = updated
	return updated.Clone(), nil
}

func (b *MemoryBackend) statusLocked(id string) (Status, bool) {
	job, found := b.jobs[id]
	if !found {
		return "", false
	}
	return job.Status, true
}

// FindStale returns InProgress jobs with an expired lease.
func (b *MemoryBackend) FindStale(ctx context.Context, before time.Time) ([]*Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var list []*Job
	for _, job := range b.jobs {
		if job.Status == InProgress && job.LeaseExpiresAt.Before(before) {
			list = append(list, job.Clone())
		}
	}
	SortJobs(list)
	return list, nil
}

// List finds matching jobs.
func (b *MemoryBackend) List(ctx context.Context, req *ListRequest) (*ListResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var list []*Job
	for _, job := range b.jobs {
		if req.Status != "" && job.Status != req.Status {
			continue
		}
		if req.Func != "" && job.Func != req.Func {
			continue
		}
		list = append(list, job.Clone())
	}
	SortJobs(list)
	return &ListResponse{Total: len(list), Jobs: Paginate(list, req)}, nil
}

// Stats returns statistics about the jobs in the backend.
func (b *MemoryBackend) Stats(ctx context.Context) (*Stats, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	stats := &Stats{}
	for _, job := range b.jobs {
		if !job.Status.Valid() {
			return nil, fmt.Errorf("dagqueue: found unknown status %v", job.Status)
		}
		stats.Add(job.Status, 1)
	}
	return stats, nil
}

// Purge removes terminal jobs that ended before the given time.
func (b *MemoryBackend) Purge(ctx context.Context, before time.Time) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	live := make(map[string]bool)
	for _, job := range b.jobs {
		if job.Status.Terminal() {
			continue
		}
		for _, dep := range job.DependsOn {
			live[dep] = true
		}
	}
	var ids []string
	for id, job := range b.jobs {
		if job.Status.Terminal() && job.EndedAt.Before(before) && !live[id] {
			ids = append(ids, id)
		}
	}
	for _, id := range ids {
		delete(b.jobs, id)
	}
	return ids, nil
}
