// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package dagqueue

import (
	"encoding/json"
	"time"
)

// Status is the state of a job in its lifecycle.
type Status string

const (
	// Pending is the initial state. The job waits for its dependencies.
	Pending Status = "pending"
	// Ready jobs have all dependencies completed and may be claimed.
	Ready Status = "ready"
	// InProgress is the state for jobs claimed by a worker under a lease.
	InProgress Status = "in_progress"
	// Completed without errors.
	Completed Status = "completed"
	// Failed even after retries.
	Failed Status = "failed"
	// Cancelled on request.
	Cancelled Status = "cancelled"

	// Retry is never persisted. It is published when a failed attempt
	// is rescheduled.
	Retry Status = "retry"
)

// Terminal returns true for Completed, Failed, and Cancelled.
func (s Status) Terminal() bool {
	return s == Completed || s == Failed || s == Cancelled
}

// Valid returns true if s is a status that can be persisted.
func (s Status) Valid() bool {
	switch s {
	case Pending, Ready, InProgress, Completed, Failed, Cancelled:
		return true
	}
	return false
}

// Statuses lists all persisted statuses in lifecycle order.
var Statuses = []Status{Pending, Ready, InProgress, Completed, Failed, Cancelled}

// Job is a unit of work and a node in the dependency graph.
type Job struct {
	ID              string                 `json:"id"`                         // unique identifier
	Func            string                 `json:"func"`                       // name of the registered function
	Args            []interface{}          `json:"args,omitempty"`             // positional arguments
	Kwargs          map[string]interface{} `json:"kwargs,omitempty"`           // keyword arguments
	DependsOn       []string               `json:"depends_on,omitempty"`       // predecessors, in submission order
	DependenciesMet bool                   `json:"dependencies_met"`           // true once all predecessors completed
	Status          Status                 `json:"status"`                     // current status
	Result          json.RawMessage        `json:"result,omitempty"`           // result of a successful execution
	Error           *ExecError             `json:"error,omitempty"`            // error of the last failed execution
	RetryCount      int                    `json:"retry_count"`                // current number of retries
	MaxRetries      int                    `json:"max_retries"`                // maximum number of retries
	Version         int64                  `json:"version"`                    // optimistic concurrency token
	CancelRequested bool                   `json:"cancel_requested,omitempty"` // cancel after the current attempt
	ClaimID         string                 `json:"claim_id,omitempty"`         // identifies the current lease holder
	CreatedAt       time.Time              `json:"created_at"`
	StartedAt       time.Time              `json:"started_at"`
	EndedAt         time.Time              `json:"ended_at"`
	HeartbeatAt     time.Time              `json:"heartbeat_at"`
	LeaseExpiresAt  time.Time              `json:"lease_expires_at"`
	RunAt           time.Time              `json:"run_at"` // not claimed before this time
}

// Clone returns a deep copy of the job.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	if j.Args != nil {
		c.Args = append([]interface{}(nil), j.Args...)
	}
	if j.Kwargs != nil {
		c.Kwargs = make(map[string]interface{}, len(j.Kwargs))
		for k, v := range j.Kwargs {
			c.Kwargs[k] = v
		}
	}
	if j.DependsOn != nil {
		c.DependsOn = append([]string(nil), j.DependsOn...)
	}
	if j.Result != nil {
		c.Result = append(json.RawMessage(nil), j.Result...)
	}
	if j.Error != nil {
		e := *j.Error
		c.Error = &e
	}
	return &c
}

// Snapshot returns the JobResult view of the job.
func (j *Job) Snapshot() *JobResult {
	return &JobResult{
		ID:         j.ID,
		Status:     j.Status,
		Result:     j.Result,
		Error:      j.Error,
		RetryCount: j.RetryCount,
		CreatedAt:  j.CreatedAt,
		StartedAt:  j.StartedAt,
		EndedAt:    j.EndedAt,
	}
}

// ExecError is the stored error payload of a failed execution.
type ExecError struct {
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
	Attempt int    `json:"attempt"`
}

func (e *ExecError) Error() string {
	return e.Message
}

// JobResult is the terminal snapshot of a job.
type JobResult struct {
	ID         string          `json:"id"`
	Status     Status          `json:"status"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      *ExecError      `json:"error,omitempty"`
	RetryCount int             `json:"retry_count"`
	CreatedAt  time.Time       `json:"created_at"`
	StartedAt  time.Time       `json:"started_at"`
	EndedAt    time.Time       `json:"ended_at"`
}

// JobEvent is published on every status change of a job.
type JobEvent struct {
	JobID     string          `json:"job_id"`
	Status    Status          `json:"status"`
	Timestamp time.Time       `json:"timestamp"`
	Attempt   int             `json:"attempt,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *ExecError      `json:"error,omitempty"`
}
