// Package dagqueue runs background jobs that depend on each other.
//
// Applications using dagqueue first create a Manager from a Config and
// register the functions that jobs may call by name. Once started, the
// manager runs a fixed number of workers and a scheduler that hands
// claimed jobs to idle workers.
//
// Jobs are submitted via Submit, optionally depending on jobs submitted
// earlier. The dependencies form a directed acyclic graph; a submission
// that would close a cycle is rejected with a *CyclicDependencyError. A
// job is only executed after all its dependencies completed.
//
// A job is always in one of these six states: Pending (waiting for its
// dependencies), Ready (may be claimed), InProgress (claimed by a worker
// under a lease), Completed, Failed, and Cancelled. The last three are
// terminal.
//
// A job can be configured to be retried. Only if the number of retries
// exceeds MaxRetries, the job gets marked as failed. Otherwise, it gets
// put back into Ready state and rescheduled after some backoff time. The
// backoff function is exponential by default (see backoff.go). By default
// the dependents of a failed or cancelled job stay Pending forever; set
// Config.FailurePolicy to CancelDependents to cancel them instead.
//
// The manager has a Backend to implement persistent storage. By default,
// an in-memory backend is used. The sqlstore package implements an
// embedded backend on SQLite, MySQL or PostgreSQL, and the distributed
// package combines a Redis queue with a MongoDB metadata store. Every
// write to a backend is guarded by the job's version; competing writers
// get a *StaleJobError.
//
// Workers hold a lease on the jobs they execute and renew it while
// running. If a process crashes, its leases expire and a periodic sweep
// puts the jobs back into Ready state, so jobs are executed at least once.
// Job functions must be idempotent.
//
// Status changes are published as JobEvents by the manager's Publisher.
// Callers use Subscribe or WaitForJob to follow a job, and PollStatus or
// PollBatch to read its persisted record.
package dagqueue
