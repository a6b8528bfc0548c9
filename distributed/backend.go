// Package distributed implements dagqueue.Backend on top of a message
// Queue and a versioned MetaStore, so that several processes can share
// one set of jobs.
//
// The MetaStore holds the truth. The Queue only tells workers which job
// to look at next: Ready jobs and leased InProgress jobs have a message,
// receiving a message is a claim attempt, and its visibility timeout is
// the lease. Messages can be delivered twice; the claim is decided by a
// compare-and-swap on the job version, so stale deliveries are dropped.
package distributed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/olivere/dagqueue"
)

// maxReceives bounds the number of messages a single ClaimNext inspects.
const maxReceives = 16

// Backend is a dagqueue.Backend for multi-process deployments.
type Backend struct {
	queue  Queue
	meta   MetaStore
	logger *slog.Logger
	now    func() time.Time
}

// Option is an options provider for Backend.
type Option func(*Backend)

// SetLogger specifies the logger for the backend.
func SetLogger(logger *slog.Logger) Option {
	return func(b *Backend) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// New creates a Backend from the given queue and metadata store.
func New(queue Queue, meta MetaStore, options ...Option) *Backend {
	b := &Backend{
		queue:  queue,
		meta:   meta,
		logger: slog.New(slog.DiscardHandler),
		now:    time.Now,
	}
	for _, opt := range options {
		opt(b)
	}
	return b
}

// Start starts the metadata store and restores the messages of Ready
// and InProgress jobs, e.g. after the queue lost its state.
func (b *Backend) Start(ctx context.Context) error {
	if err := b.meta.Start(ctx); err != nil {
		return err
	}
	return b.restore(ctx, false)
}

// Reconcile pushes the messages of Ready and InProgress jobs that have
// none, e.g. because a push failed after the job record was updated.
func (b *Backend) Reconcile(ctx context.Context) error {
	return b.restore(ctx, true)
}

// restore pushes the messages of Ready and InProgress jobs. If onlyMissing
// is true, existing messages keep their visibility.
func (b *Backend) restore(ctx context.Context, onlyMissing bool) error {
	for _, status := range []dagqueue.Status{dagqueue.Ready, dagqueue.InProgress} {
		jobs, err := b.meta.Find(ctx, status)
		if err != nil {
			return err
		}
		var n int
		for _, job := range jobs {
			if onlyMissing {
				found, err := b.queue.Contains(ctx, job.ID)
				if err != nil {
					return err
				}
				if found {
					continue
				}
			}
			if err := b.queue.Push(ctx, job.ID, b.visibleAt(job)); err != nil {
				return err
			}
			n++
		}
		if n > 0 {
			b.logger.Debug("restored queue messages", "status", status, "count", n)
		}
	}
	return nil
}

// Close both the queue and the metadata store.
func (b *Backend) Close() error {
	return errors.Join(b.queue.Close(), b.meta.Close())
}

// visibleAt returns when the message of the job should be delivered.
func (b *Backend) visibleAt(job *dagqueue.Job) time.Time {
	switch {
	case job.Status == dagqueue.InProgress:
		return job.LeaseExpiresAt
	case job.RunAt.After(b.now()):
		return job.RunAt
	}
	return b.now()
}

// sync brings the message of the job in line with its status.
func (b *Backend) sync(ctx context.Context, job *dagqueue.Job) error {
	switch {
	case job.Status == dagqueue.Ready, job.Status == dagqueue.InProgress:
		return b.queue.Push(ctx, job.ID, b.visibleAt(job))
	case job.Status.Terminal():
		return b.queue.Delete(ctx, job.ID)
	}
	return nil
}

func (b *Backend) checkExists(ctx context.Context, ids []string) error {
	for _, id := range ids {
		if _, err := b.meta.Get(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// Enqueue adds a new job.
func (b *Backend) Enqueue(ctx context.Context, job *dagqueue.Job) error {
	if err := b.checkExists(ctx, job.DependsOn); err != nil {
		return err
	}
	if err := b.meta.Insert(ctx, job); err != nil {
		return err
	}
	return b.sync(ctx, job)
}

// ClaimNext receives messages until it wins the claim of a job.
func (b *Backend) ClaimNext(ctx context.Context, lease time.Duration) (*dagqueue.Job, error) {
	for i := 0; i < maxReceives; i++ {
		now := b.now()
		id, err := b.queue.Receive(ctx, now, lease)
		if err != nil || id == "" {
			return nil, err
		}
		job, err := b.meta.Get(ctx, id)
		if errors.Is(err, dagqueue.ErrNotFound) {
			_ = b.queue.Delete(ctx, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		if !dagqueue.Claimable(job, now) {
			if err := b.discard(ctx, job, now); err != nil {
				return nil, err
			}
			continue
		}
		version := job.Version
		if err := dagqueue.ApplyClaim(job, uuid.NewString(), lease, now); err != nil {
			return nil, err
		}
		err = b.meta.CompareAndSwap(ctx, job, version)
		if errors.Is(err, dagqueue.ErrStaleJob) {
			// Someone else changed the job; its message is redelivered
			// after the visibility timeout if it is still claimable.
			b.logger.Debug("lost claim", "job_id", id)
			continue
		}
		if err != nil {
			return nil, err
		}
		return job, nil
	}
	return nil, nil
}

// discard handles a message for a job that cannot be claimed now.
func (b *Backend) discard(ctx context.Context, job *dagqueue.Job, now time.Time) error {
	switch {
	case job.Status == dagqueue.Ready && !job.CancelRequested:
		// Not due yet
		return b.queue.Push(ctx, job.ID, b.visibleAt(job))
	case job.Status == dagqueue.InProgress && !job.CancelRequested && job.LeaseExpiresAt.After(now):
		// Duplicate delivery while the lease is valid
		return b.queue.Push(ctx, job.ID, job.LeaseExpiresAt)
	}
	// Pending, terminal, cancelling, or out of retries: the scheduler
	// decides via UpdateStatus, which pushes again if needed.
	return b.queue.Delete(ctx, job.ID)
}

// UpdateStatus updates the job if its version matches.
func (b *Backend) UpdateStatus(ctx context.Context, id string, expectedVersion int64, u *dagqueue.Update) (*dagqueue.Job, error) {
	job, err := b.meta.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := dagqueue.CheckVersion(job, expectedVersion); err != nil {
		return nil, err
	}
	if err := b.checkExists(ctx, u.DependsOn); err != nil {
		return nil, err
	}
	if err := dagqueue.ApplyUpdate(job, u, b.now()); err != nil {
		return nil, err
	}
	if err := b.meta.CompareAndSwap(ctx, job, expectedVersion); err != nil {
		return nil, err
	}
	if err := b.sync(ctx, job); err != nil {
		return nil, fmt.Errorf("distributed: job %s updated but not requeued: %w", id, err)
	}
	return job, nil
}

// ExtendLease renews the lease and the visibility of the message.
func (b *Backend) ExtendLease(ctx context.Context, id, claimID string, lease time.Duration) error {
	job, err := b.meta.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := dagqueue.ApplyLease(job, claimID, lease, b.now()); err != nil {
		return err
	}
	err = b.meta.CompareAndSwap(ctx, job, job.Version)
	if errors.Is(err, dagqueue.ErrStaleJob) {
		return fmt.Errorf("%w: job %s", dagqueue.ErrLeaseLost, id)
	}
	if err != nil {
		return err
	}
	return b.queue.Push(ctx, id, job.LeaseExpiresAt)
}

// GetJob returns the job with the specified identifier.
func (b *Backend) GetJob(ctx context.Context, id string) (*dagqueue.Job, error) {
	return b.meta.Get(ctx, id)
}

func (b *Backend) statuses(ctx context.Context) (func(id string) (dagqueue.Status, bool), error) {
	all, err := b.meta.Find(ctx, "")
	if err != nil {
		return nil, err
	}
	m := make(map[string]dagqueue.Status, len(all))
	for _, job := range all {
		m[job.ID] = job.Status
	}
	return func(id string) (dagqueue.Status, bool) {
		s, found := m[id]
		return s, found
	}, nil
}

// GetReadyJobs returns Pending jobs with all predecessors completed.
func (b *Backend) GetReadyJobs(ctx context.Context) ([]*dagqueue.Job, error) {
	pending, err := b.meta.Find(ctx, dagqueue.Pending)
	if err != nil {
		return nil, err
	}
	status, err := b.statuses(ctx)
	if err != nil {
		return nil, err
	}
	var list []*dagqueue.Job
	for _, job := range pending {
		if dagqueue.DependenciesCompleted(job, status) {
			list = append(list, job)
		}
	}
	return list, nil
}

// MarkReady moves a Pending job to Ready and pushes its message.
func (b *Backend) MarkReady(ctx context.Context, id string) (*dagqueue.Job, error) {
	job, err := b.meta.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status != dagqueue.Pending {
		return nil, fmt.Errorf("%w: job %s is %s", dagqueue.ErrInvalidTransition, id, job.Status)
	}
	completed := dagqueue.DependenciesCompleted(job, func(dep string) (dagqueue.Status, bool) {
		p, err := b.meta.Get(ctx, dep)
		if err != nil {
			return "", false
		}
		return p.Status, true
	})
	if !completed {
		return nil, fmt.Errorf("%w: job %s", dagqueue.ErrNotReady, id)
	}
	return b.UpdateStatus(ctx, id, job.Version, &dagqueue.Update{Status: dagqueue.Ready})
}

// FindStale returns InProgress jobs whose lease expired before the given time.
func (b *Backend) FindStale(ctx context.Context, before time.Time) ([]*dagqueue.Job, error) {
	running, err := b.meta.Find(ctx, dagqueue.InProgress)
	if err != nil {
		return nil, err
	}
	var list []*dagqueue.Job
	for _, job := range running {
		if job.LeaseExpiresAt.Before(before) {
			list = append(list, job)
		}
	}
	return list, nil
}

// List finds matching jobs.
func (b *Backend) List(ctx context.Context, req *dagqueue.ListRequest) (*dagqueue.ListResponse, error) {
	jobs, err := b.meta.Find(ctx, req.Status)
	if err != nil {
		return nil, err
	}
	var list []*dagqueue.Job
	for _, job := range jobs {
		if req.Func == "" || job.Func == req.Func {
			list = append(list, job)
		}
	}
	return &dagqueue.ListResponse{Total: len(list), Jobs: dagqueue.Paginate(list, req)}, nil
}

// Stats returns the number of jobs per status.
func (b *Backend) Stats(ctx context.Context) (*dagqueue.Stats, error) {
	jobs, err := b.meta.Find(ctx, "")
	if err != nil {
		return nil, err
	}
	stats := &dagqueue.Stats{}
	for _, job := range jobs {
		stats.Add(job.Status, 1)
	}
	return stats, nil
}

// Purge removes terminal jobs that ended before the given time and have
// no non-terminal dependents.
func (b *Backend) Purge(ctx context.Context, before time.Time) ([]string, error) {
	jobs, err := b.meta.Find(ctx, "")
	if err != nil {
		return nil, err
	}
	live := make(map[string]bool)
	for _, job := range jobs {
		if job.Status.Terminal() {
			continue
		}
		for _, dep := range job.DependsOn {
			live[dep] = true
		}
	}
	var ids []string
	for _, job := range jobs {
		if job.Status.Terminal() && job.EndedAt.Before(before) && !live[job.ID] {
			ids = append(ids, job.ID)
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}
	if err := b.meta.Delete(ctx, ids); err != nil {
		return nil, err
	}
	for _, id := range ids {
		if err := b.queue.Delete(ctx, id); err != nil {
			return nil, err
		}
	}
	return ids, nil
}
