// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package dagqueue

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is matched by JobNotFoundError.
	ErrNotFound = errors.New("dagqueue: job not found")
	// ErrCyclicDependency is matched by CyclicDependencyError.
	ErrCyclicDependency = errors.New("dagqueue: cyclic dependency")
	// ErrBackendConnection is matched by BackendConnectionError.
	ErrBackendConnection = errors.New("dagqueue: backend unreachable")
	// ErrStaleJob is matched by StaleJobError.
	ErrStaleJob = errors.New("dagqueue: stale job")
	// ErrJobExecution is matched by JobExecutionError.
	ErrJobExecution = errors.New("dagqueue: job execution failed")

	// ErrInvalidTransition is returned when a status change would violate
	// the job state machine, e.g. leaving a terminal status.
	ErrInvalidTransition = errors.New("dagqueue: invalid status transition")
	// ErrLeaseLost is returned when a lease is renewed or released by a
	// caller that no longer holds it.
	ErrLeaseLost = errors.New("dagqueue: lease lost")
	// ErrNotReady is returned by MarkReady if a predecessor is not completed.
	ErrNotReady = errors.New("dagqueue: dependencies not completed")
	// ErrNotTerminal is returned by GetResult for jobs still running.
	ErrNotTerminal = errors.New("dagqueue: job not terminal")
	// ErrAlreadyExists is returned when a job identifier is taken.
	ErrAlreadyExists = errors.New("dagqueue: job already exists")
	// ErrUnknownFunc is returned for jobs referencing an unregistered function.
	ErrUnknownFunc = errors.New("dagqueue: function not registered")
	// ErrTimeout is returned by WaitForJob when the timeout elapses.
	ErrTimeout = errors.New("dagqueue: timeout")
	// ErrInvalidConfig is returned by New and Config.Validate.
	ErrInvalidConfig = errors.New("dagqueue: invalid configuration")
)

// CyclicDependencyError rejects a graph mutation. The graph is unchanged.
type CyclicDependencyError struct {
	JobID string
	Cycle []string // path that would close the cycle, starting and ending at JobID
}

func (e *CyclicDependencyError) Error() string {
	return fmt.Sprintf("dagqueue: job %s would create a cycle: %s", e.JobID, strings.Join(e.Cycle, " -> "))
}

func (e *CyclicDependencyError) Is(target error) bool { return target == ErrCyclicDependency }

// JobNotFoundError is returned for queries and updates against unknown ids.
type JobNotFoundError struct {
	ID string
}

func (e *JobNotFoundError) Error() string {
	return fmt.Sprintf("dagqueue: job %s not found", e.ID)
}

func (e *JobNotFoundError) Is(target error) bool { return target == ErrNotFound }

// BackendConnectionError is returned when storage is unreachable.
type BackendConnectionError struct {
	Op  string
	Err error
}

func (e *BackendConnectionError) Error() string {
	return fmt.Sprintf("dagqueue: backend unreachable during %s: %v", e.Op, e.Err)
}

func (e *BackendConnectionError) Is(target error) bool { return target == ErrBackendConnection }
func (e *BackendConnectionError) Unwrap() error        { return e.Err }

// StaleJobError reports a lost update: the stored version differs from
// the version the caller read.
type StaleJobError struct {
	ID       string
	Expected int64
	Actual   int64
}

func (e *StaleJobError) Error() string {
	return fmt.Sprintf("dagqueue: job %s is stale: expected version %d, have %d", e.ID, e.Expected, e.Actual)
}

func (e *StaleJobError) Is(target error) bool { return target == ErrStaleJob }

// JobExecutionError wraps the failure of a job function. It is recorded on
// the job and never returned to the caller of Submit or WaitForJob.
type JobExecutionError struct {
	ID      string
	Attempt int
	Err     error
	Stack   string // set when the function panicked
}

func (e *JobExecutionError) Error() string {
	return fmt.Sprintf("dagqueue: job %s failed on attempt %d: %v", e.ID, e.Attempt, e.Err)
}

func (e *JobExecutionError) Is(target error) bool { return target == ErrJobExecution }
func (e *JobExecutionError) Unwrap() error        { return e.Err }

// Payload converts the error into the form stored on the job.
func (e *JobExecutionError) Payload() *ExecError {
	msg := "<nil>"
	if e.Err != nil {
		msg = e.Err.Error()
	}
	return &ExecError{Message: msg, Stack: e.Stack, Attempt: e.Attempt}
}
