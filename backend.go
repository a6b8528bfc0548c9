// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package dagqueue

import (
	"context"
	"encoding/json"
	"time"
)

// Backend implements durable storage of jobs. It is the source of truth
// for job state; the dependency graph of a Manager is only a projection.
//
// Implementations must return a *JobNotFoundError for unknown ids, a
// *StaleJobError for version mismatches, and a *BackendConnectionError when
// the storage cannot be reached. Jobs passed in or returned are never
// shared with the implementation's internal state.
type Backend interface {
	// Start is called when the manager starts up.
	Start(ctx context.Context) error

	// Close releases all resources.
	Close() error

	// Enqueue persists a new job atomically, including its dependency
	// edges. The job has status Pending and version 1. Enqueue returns
	// ErrAlreadyExists if the id is taken and a *JobNotFoundError if a
	// dependency is unknown.
	Enqueue(ctx context.Context, job *Job) error

	// ClaimNext atomically picks the next claimable job, marks it
	// InProgress under a new lease and returns it. A job is claimable if
	// it is Ready and due, or if it is InProgress with an expired lease
	// and retries left (see Claimable). If no job is claimable, ClaimNext
	// returns nil for both the job and the error.
	//
	// A job must never be returned to two concurrent callers while its
	// lease is valid.
	ClaimNext(ctx context.Context, lease time.Duration) (*Job, error)

	// UpdateStatus applies u to the job if its version equals
	// expectedVersion and returns the updated job.
	UpdateStatus(ctx context.Context, id string, expectedVersion int64, u *Update) (*Job, error)

	// ExtendLease renews the lease of an InProgress job held by claimID.
	// It does not change the version.
	ExtendLease(ctx context.Context, id, claimID string, lease time.Duration) error

	// GetJob returns the job with the given id.
	GetJob(ctx context.Context, id string) (*Job, error)

	// GetReadyJobs returns all Pending jobs whose predecessors are all
	// Completed, ordered by creation time and id.
	GetReadyJobs(ctx context.Context) ([]*Job, error)

	// MarkReady moves a Pending job to Ready after verifying in storage
	// that all predecessors are Completed. It returns ErrNotReady otherwise.
	MarkReady(ctx context.Context, id string) (*Job, error)

	// FindStale returns InProgress jobs whose lease expired before the
	// given time.
	FindStale(ctx context.Context, before time.Time) ([]*Job, error)

	// List returns all jobs matching the request, ordered by creation time.
	List(ctx context.Context, req *ListRequest) (*ListResponse, error)

	// Stats returns the number of jobs per status.
	Stats(ctx context.Context) (*Stats, error)

	// Purge removes terminal jobs that ended before the given time and
	// have no non-terminal dependents. It returns the removed ids.
	Purge(ctx context.Context, before time.Time) ([]string, error)
}

// Reconciler is implemented by backends that keep derived state beside
// the job records, e.g. a dispatch queue. The manager calls Reconcile on
// every sweep to repair derived state that a partial failure left behind.
type Reconciler interface {
	Reconcile(ctx context.Context) error
}

// Update describes a change to a stored job. Zero fields are left alone.
type Update struct {
	Status          Status          // new status
	Result          json.RawMessage // result payload
	Error           *ExecError      // error payload
	IncrementRetry  bool            // increment the retry count
	RunAt           time.Time       // earliest time of the next claim
	CancelRequested bool            // request cooperative cancellation
	DependsOn       []string        // dependencies to add, Pending jobs only
}

// ListRequest specifies a filter for listing jobs.
type ListRequest struct {
	Status Status // filter by status
	Func   string // filter by function name
	Limit  int    // maximum number of jobs to return
	Offset int    // number of jobs to skip (for pagination)
}

// ListResponse is the outcome of invoking List on the Backend.
type ListResponse struct {
	Total int    // total number of jobs found, excluding pagination
	Jobs  []*Job // list of jobs
}
