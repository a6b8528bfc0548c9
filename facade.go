// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package dagqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SubmitOption is the signature of an options provider for Submit.
type SubmitOption func(*Job)

// WithJobID uses the given id instead of generating one.
func WithJobID(id string) SubmitOption {
	return func(job *Job) {
		job.ID = id
	}
}

// WithMaxRetries overrides Config.MaxRetries for the job.
func WithMaxRetries(n int) SubmitOption {
	return func(job *Job) {
		if n >= 0 {
			job.MaxRetries = n
		}
	}
}

// Submit adds a new job that runs the function registered as fn once
// every job in dependsOn has completed. If Submit returns nil, the caller
// can be sure the job is stored in the backend. It returns the job id
// without waiting for execution.
//
// Submit fails with a *JobNotFoundError if a dependency is unknown and
// with a *CyclicDependencyError if the job would close a cycle. In both
// cases neither the graph nor the backend are changed.
func (m *Manager) Submit(ctx context.Context, fn string, args []interface{}, kwargs map[string]interface{}, dependsOn []string, options ...SubmitOption) (string, error) {
	m.mu.Lock()
	_, found := m.funcs[fn]
	m.mu.Unlock()
	if !found {
		return "", fmt.Errorf("%w: %s", ErrUnknownFunc, fn)
	}

	now := time.Now()
	job := &Job{
		Func:       fn,
		Args:       args,
		Kwargs:     kwargs,
		DependsOn:  uniqueStrings(dependsOn),
		Status:     Pending,
		MaxRetries: m.cfg.MaxRetries,
		Version:    1,
		CreatedAt:  now,
	}
	for _, opt := range options {
		opt(job)
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	job.DependenciesMet = len(job.DependsOn) == 0

	if err := m.importDependencies(ctx, job.DependsOn); err != nil {
		return "", err
	}
	if err := m.graph.AddJob(job.ID, job.DependsOn); err != nil {
		return "", err
	}
	err := m.runWithRetry(ctx, func() error {
		return m.backend.Enqueue(ctx, job)
	})
	if err != nil {
		if blocked := m.graph.Remove(job.ID); len(blocked) > 0 {
			m.logger.Warn("dependents of rejected job blocked", "job_id", job.ID, "blocked", len(blocked))
			if m.cfg.FailurePolicy == CancelDependents {
				m.cancelDependents(ctx, blocked)
			}
		}
		return "", err
	}
	m.logger.Debug("job submitted", "job_id", job.ID, "func", fn, "depends_on", job.DependsOn)
	m.testJobAdded() // testing hook
	m.wake()
	return job.ID, nil
}

// importDependencies adds dependencies unknown to the graph from the
// backend, e.g. jobs submitted by another process sharing the backend.
// Dependencies missing from the backend are left for the graph to reject.
func (m *Manager) importDependencies(ctx context.Context, deps []string) error {
	for _, dep := range deps {
		if m.graph.Has(dep) {
			continue
		}
		job, err := m.getJob(ctx, dep)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		m.graph.Import(job)
	}
	return nil
}

// AddDependencies adds dependencies to a Pending job.
func (m *Manager) AddDependencies(ctx context.Context, id string, dependsOn []string) error {
	deps := uniqueStrings(dependsOn)
	if err := m.importDependencies(ctx, deps); err != nil {
		return err
	}
	if err := m.graph.AddDependencies(id, deps); err != nil {
		return err
	}
	cur, err := m.getJob(ctx, id)
	if err == nil {
		_, err = m.updateJob(ctx, cur, func(cur *Job) (*Update, error) {
			return &Update{DependsOn: deps}, nil
		})
	}
	if err != nil {
		m.graph.RemoveDependencies(id, deps)
		return err
	}
	return nil
}

// ReadyJobs returns the ids of Pending jobs whose dependencies have all
// completed, in submission order.
func (m *Manager) ReadyJobs() []string {
	return m.graph.ReadyJobs()
}

// GetStatus returns the persisted status of the job.
func (m *Manager) GetStatus(ctx context.Context, id string) (Status, error) {
	job, err := m.getJob(ctx, id)
	if err != nil {
		return "", err
	}
	return job.Status, nil
}

// GetResult returns the terminal snapshot of the job. It returns
// ErrNotTerminal if the job has not finished yet.
func (m *Manager) GetResult(ctx context.Context, id string) (*JobResult, error) {
	job, err := m.getJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if !job.Status.Terminal() {
		return nil, fmt.Errorf("%w: job %s is %s", ErrNotTerminal, id, job.Status)
	}
	return job.Snapshot(), nil
}

// WaitForJob blocks until the job reaches a terminal status, the timeout
// elapses, or ctx is done. A timeout of zero or less waits until ctx is
// done. Besides listening for events, WaitForJob polls the backend every
// LivenessInterval, so lost events delay but never prevent its return.
func (m *Manager) WaitForJob(ctx context.Context, id string, timeout time.Duration) (*JobResult, error) {
	sub := m.publisher.Subscribe(id)
	defer sub.Unsubscribe()

	job, err := m.getJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		return job.Snapshot(), nil
	}

	var timeoutc <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutc = timer.C
	}
	liveness := time.NewTicker(m.cfg.LivenessInterval)
	defer liveness.Stop()

	events := sub.C()
	for {
		select {
		case ev, ok := <-events:
			if ok && !ev.Status.Terminal() {
				continue
			}
			if !ok {
				events = nil
			}
		case <-liveness.C:
		case <-timeoutc:
			return nil, fmt.Errorf("%w: waiting for job %s", ErrTimeout, id)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		job, err := m.getJob(ctx, id)
		if err != nil {
			return nil, err
		}
		if job.Status.Terminal() {
			return job.Snapshot(), nil
		}
	}
}

// Cancel requests cancellation of a job. Pending and Ready jobs are
// cancelled immediately. A job in progress finishes its current attempt
// first and is not retried. Cancelling a terminal job fails with
// ErrInvalidTransition.
func (m *Manager) Cancel(ctx context.Context, id string) error {
	cur, err := m.getJob(ctx, id)
	if err != nil {
		return err
	}
	updated, err := m.updateJob(ctx, cur, func(cur *Job) (*Update, error) {
		switch cur.Status {
		case Pending, Ready:
			return &Update{Status: Cancelled}, nil
		case InProgress:
			if cur.CancelRequested {
				return nil, nil
			}
			return &Update{CancelRequested: true}, nil
		}
		return nil, fmt.Errorf("%w: job %s is already %s", ErrInvalidTransition, id, cur.Status)
	})
	if err != nil {
		return err
	}
	if updated.Status == Cancelled {
		m.logger.Info("job cancelled", "job_id", id)
		m.finishFailed(ctx, updated)
		m.testJobCancelled() // testing hook
	} else {
		m.logger.Info("job cancellation requested", "job_id", id)
	}
	return nil
}

// Subscribe registers for events of the job with the given id.
func (m *Manager) Subscribe(id string) *Subscription {
	return m.publisher.Subscribe(id)
}

// PollStatus returns the current persisted record of the job.
func (m *Manager) PollStatus(ctx context.Context, id string) (*Job, error) {
	return m.publisher.PollStatus(ctx, id)
}

// PollBatch returns the persisted records of the given jobs in order.
func (m *Manager) PollBatch(ctx context.Context, ids []string) ([]PollResult, error) {
	return m.publisher.PollBatch(ctx, ids)
}
