// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package dagqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

func nop() {}

// Manager schedules job execution. Create a new manager via New.
type Manager struct {
	cfg       Config
	logger    *slog.Logger
	backend   Backend // persistent storage
	backoff   BackoffFunc
	publisher *Publisher
	graph     *Graph

	mu        sync.Mutex      // guards the following block
	funcs     map[string]Func // maps function name to implementation
	working   int             // number of busy workers of the current run
	run       uint64          // incremented by every Start
	started   bool
	workers   []*worker
	stopSched chan struct{} // stop signal for scheduler
	workersWg *sync.WaitGroup
	jobc      chan *Job
	wakec     chan struct{}
	cron      *cron.Cron
	ctx       context.Context // passed to backend calls, scheduler and cron jobs
	cancel    context.CancelFunc

	testManagerStarted   func() // testing hook
	testManagerStopped   func() // testing hook
	testSchedulerStarted func() // testing hook
	testSchedulerStopped func() // testing hook
	testJobAdded         func() // testing hook
	testJobScheduled     func() // testing hook
	testJobStarted       func() // testing hook
	testJobRetry         func() // testing hook
	testJobFailed        func() // testing hook
	testJobSucceeded     func() // testing hook
	testJobCancelled     func() // testing hook
}

// New creates a new manager. The configuration is validated eagerly.
// Pass options to configure the manager further.
//
// Unless a backend is passed via SetBackend, the manager uses an
// in-memory backend, which requires cfg.Backend.Kind to be "memory".
// Use the config package to open the backend selected by cfg.Backend.
func New(cfg Config, options ...ManagerOption) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Manager{
		cfg:                  cfg,
		logger:               discardLogger,
		backoff:              cfg.backoffFunc(),
		graph:                NewGraph(),
		funcs:                make(map[string]Func),
		testManagerStarted:   nop,
		testManagerStopped:   nop,
		testSchedulerStarted: nop,
		testSchedulerStopped: nop,
		testJobAdded:         nop,
		testJobScheduled:     nop,
		testJobStarted:       nop,
		testJobRetry:         nop,
		testJobFailed:        nop,
		testJobSucceeded:     nop,
		testJobCancelled:     nop,
	}
	for _, opt := range options {
		opt(m)
	}
	if m.backend == nil {
		if cfg.Backend.Kind != BackendMemory {
			return nil, fmt.Errorf("%w: backend kind %q requires SetBackend", ErrInvalidConfig, cfg.Backend.Kind)
		}
		m.backend = NewMemoryBackend()
	}
	if m.publisher == nil {
		m.publisher = NewPublisher(m.backend,
			SetSubscriberBuffer(cfg.SubscriberBuffer),
			SetSubscriberGrace(cfg.SubscriberGrace),
		)
	}
	return m, nil
}

// -- Configuration --

// ManagerOption is the signature of an options provider.
type ManagerOption func(*Manager)

// SetLogger specifies the logger to use when e.g. reporting errors.
func SetLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// SetBackend specifies the Backend implementation for the manager.
func SetBackend(backend Backend) ManagerOption {
	return func(m *Manager) {
		m.backend = backend
	}
}

// SetPublisher specifies the event publisher shared with other components.
func SetPublisher(p *Publisher) ManagerOption {
	return func(m *Manager) {
		m.publisher = p
	}
}

// SetBackoffFunc specifies the backoff function that returns the time span
// between retries of failed jobs. Exponential backoff as configured in
// Config.Backoff is used by default.
func SetBackoffFunc(fn BackoffFunc) ManagerOption {
	return func(m *Manager) {
		if fn != nil {
			m.backoff = fn
		} else {
			m.backoff = m.cfg.backoffFunc()
		}
	}
}

// Register registers a function under the given name. Jobs reference
// functions by name.
func (m *Manager) Register(name string, fn Func) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, found := m.funcs[name]; found {
		return fmt.Errorf("dagqueue: function %s already registered", name)
	}
	m.funcs[name] = fn
	return nil
}

// Publisher returns the event publisher of the manager.
func (m *Manager) Publisher() *Publisher {
	return m.publisher
}

// Graph returns the dependency graph of the manager.
func (m *Manager) Graph() *Graph {
	return m.graph
}

// -- Start and Stop --

// Start runs the manager. It starts the backend, rebuilds the dependency
// graph from the jobs in the backend, and starts the workers and the
// scheduler. Use Stop, Close, or CloseWithTimeout to stop it.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return errors.New("dagqueue: manager already started")
	}

	m.ctx, m.cancel = context.WithCancel(context.Background())

	// Initialize Backend
	err := m.runWithRetry(m.ctx, func() error { return m.backend.Start(m.ctx) })
	if err != nil {
		m.cancel()
		return err
	}
	if err := m.loadGraph(m.ctx); err != nil {
		m.cancel()
		return err
	}

	// Workers of a previous run abandoned by CloseWithTimeout keep their
	// own context and wait group, and no longer count as working.
	m.run++
	m.working = 0
	m.workersWg = new(sync.WaitGroup)
	m.jobc = make(chan *Job, m.cfg.Concurrency)
	m.wakec = make(chan struct{}, 1)
	m.workers = make([]*worker, m.cfg.Concurrency)
	for i := 0; i < m.cfg.Concurrency; i++ {
		m.workersWg.Add(1)
		m.workers[i] = newWorker(m.ctx, m, m.run, m.jobc, m.workersWg)
	}

	m.cron = cron.New(cron.WithLogger(cronLogger{logger: m.logger.With("component", "cron")}))
	m.cron.Schedule(cron.Every(m.cfg.SweepInterval), cron.FuncJob(m.sweep))
	if m.cfg.RetentionPeriod > 0 {
		m.cron.Schedule(cron.Every(m.cfg.RetentionPeriod), cron.FuncJob(m.purge))
	}
	m.cron.Start()

	m.stopSched = make(chan struct{})
	go m.schedule()

	m.started = true

	m.logger.Info("manager started", "concurrency", m.cfg.Concurrency, "jobs", m.graph.Len())
	m.testManagerStarted() // testing hook

	return nil
}

// loadGraph rebuilds the dependency graph from the backend.
func (m *Manager) loadGraph(ctx context.Context) error {
	var rsp *ListResponse
	err := m.runWithRetry(ctx, func() error {
		var err error
		rsp, err = m.backend.List(ctx, &ListRequest{})
		return err
	})
	if err != nil {
		return err
	}
	return m.graph.Load(rsp.Jobs)
}

// Stop stops the manager. It waits for working jobs to finish.
func (m *Manager) Stop() error {
	return m.Close()
}

// Close stops the manager and waits for working jobs to finish for the
// configured shutdown timeout.
func (m *Manager) Close() error {
	return m.CloseWithTimeout(m.cfg.ShutdownTimeout)
}

// CloseWithTimeout stops the manager. It stops claiming jobs and waits
// for the specified timeout for working jobs to finish, then closes down,
// even if there are still jobs working. Those jobs keep their lease until
// it expires and are claimed again later. If the timeout is negative, the
// manager waits forever for all working jobs to end.
func (m *Manager) CloseWithTimeout(timeout time.Duration) error {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = false
	wg := m.workersWg
	m.mu.Unlock()

	// Stop accepting new jobs
	m.stopSched <- struct{}{}
	<-m.stopSched
	close(m.stopSched)
	<-m.cron.Stop().Done()
	close(m.jobc)

	// Wait for all workers to complete?
	complete := make(chan struct{})
	go func() {
		wg.Wait()
		close(complete)
	}()
	var err error
	if timeout < 0 {
		<-complete
	} else {
		select {
		case <-complete: // Completed in time
		case <-time.After(timeout):
			err = fmt.Errorf("%w: close timed out", ErrTimeout)
			m.logger.Warn("abandoning working jobs to lease expiry", "timeout", timeout)
		}
	}
	m.cancel()

	m.logger.Info("manager stopped")
	m.testManagerStopped() // testing hook
	return err
}

// wake triggers a scheduler run without waiting for the next tick.
func (m *Manager) wake() {
	m.mu.Lock()
	wakec := m.wakec
	m.mu.Unlock()
	if wakec == nil {
		return
	}
	select {
	case wakec <- struct{}{}:
	default:
	}
}

// -- Scheduler --

// schedule periodically promotes ready jobs and passes claimed jobs to
// idle workers.
func (m *Manager) schedule() {
	m.testSchedulerStarted()       // testing hook
	defer m.testSchedulerStopped() // testing hook

	t := time.NewTicker(m.cfg.PollInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			m.dispatch()
		case <-m.wakec:
			m.dispatch()
		case <-m.stopSched:
			m.stopSched <- struct{}{}
			return
		}
	}
}

// dispatch runs one scheduler pass.
func (m *Manager) dispatch() {
	m.promote(m.ctx, m.graph.ReadyJobs())

	// Fill up available worker slots with jobs
	for {
		m.mu.Lock()
		working := m.working
		m.mu.Unlock()
		if working >= m.cfg.Concurrency {
			// All workers busy
			return
		}
		var job *Job
		err := m.runWithRetry(m.ctx, func() error {
			var err error
			job, err = m.backend.ClaimNext(m.ctx, m.cfg.LeaseDuration)
			return err
		})
		if err != nil {
			m.logger.Error("error picking next job to schedule", "error", err)
			return
		}
		if job == nil {
			return
		}
		m.mu.Lock()
		m.working++
		m.mu.Unlock()
		m.graph.SetStatus(job.ID, InProgress)
		m.publisher.Publish(JobEvent{JobID: job.ID, Status: InProgress, Attempt: job.RetryCount + 1})
		m.testJobScheduled() // testing hook
		m.jobc <- job
	}
}

// promote moves the given Pending jobs to Ready in the backend. The
// backend verifies durably that all predecessors are completed.
func (m *Manager) promote(ctx context.Context, ids []string) {
	for _, id := range ids {
		err := m.runWithRetry(ctx, func() error {
			_, err := m.backend.MarkReady(ctx, id)
			return err
		})
		switch {
		case err == nil:
			m.graph.SetStatus(id, Ready)
			m.publisher.Publish(JobEvent{JobID: id, Status: Ready})
		case errors.Is(err, ErrInvalidTransition):
			// Changed by another process; resync the projection.
			if cur, gerr := m.getJob(ctx, id); gerr == nil {
				m.syncGraph(cur)
			}
		case errors.Is(err, ErrNotReady), errors.Is(err, ErrNotFound):
			m.logger.Debug("job not promoted", "job_id", id, "error", err)
		default:
			m.logger.Error("error promoting job", "job_id", id, "error", err)
		}
	}
}

// syncGraph updates the graph from a job read from the backend.
func (m *Manager) syncGraph(job *Job) {
	switch job.Status {
	case Completed:
		m.graph.MarkCompleted(job.ID)
	case Failed, Cancelled:
		m.graph.MarkFailed(job.ID, job.Status)
	default:
		m.graph.SetStatus(job.ID, job.Status)
	}
}

// sweep resets InProgress jobs with expired leases and promotes jobs that
// became ready without this process noticing, e.g. because they were
// submitted by another process.
func (m *Manager) sweep() {
	ctx := m.ctx
	var stale []*Job
	err := m.runWithRetry(ctx, func() error {
		var err error
		stale, err = m.backend.FindStale(ctx, time.Now().Add(-m.cfg.StaleLeaseThreshold))
		return err
	})
	if err != nil {
		m.logger.Error("error finding stale jobs", "error", err)
	}
	for _, job := range stale {
		m.resetStale(ctx, job)
	}
	if r, ok := m.backend.(Reconciler); ok {
		if err := r.Reconcile(ctx); err != nil {
			m.logger.Error("error reconciling backend", "error", err)
		}
	}

	var ready []*Job
	err = m.runWithRetry(ctx, func() error {
		var err error
		ready, err = m.backend.GetReadyJobs(ctx)
		return err
	})
	if err != nil {
		m.logger.Error("error reading ready jobs", "error", err)
		return
	}
	ids := make([]string, 0, len(ready))
	for _, job := range ready {
		ids = append(ids, job.ID)
	}
	m.promote(ctx, ids)
	m.wake()
}

// resetStale moves a job with an expired lease back to Ready as if its
// attempt failed, or to Failed if it has no retries left.
func (m *Manager) resetStale(ctx context.Context, job *Job) {
	var changed bool
	updated, err := m.updateJob(ctx, job, func(cur *Job) (*Update, error) {
		changed = false
		if cur.Status != InProgress || !cur.LeaseExpiresAt.Before(time.Now().Add(-m.cfg.StaleLeaseThreshold)) {
			return nil, nil
		}
		changed = true
		payload := &ExecError{Message: "lease expired", Attempt: cur.RetryCount + 1}
		switch {
		case cur.CancelRequested:
			return &Update{Status: Cancelled, Error: payload}, nil
		case cur.RetryCount < cur.MaxRetries:
			return &Update{Status: Ready, Error: payload, IncrementRetry: true}, nil
		default:
			return &Update{Status: Failed, Error: payload}, nil
		}
	})
	if err != nil {
		m.logger.Error("error resetting stale job", "job_id", job.ID, "error", err)
		return
	}
	if !changed {
		return
	}
	m.logger.Warn("reset stale job", "job_id", job.ID, "status", updated.Status, "retry_count", updated.RetryCount)
	switch updated.Status {
	case Ready:
		m.graph.SetStatus(updated.ID, Ready)
		m.publisher.Publish(JobEvent{JobID: updated.ID, Status: Retry, Attempt: updated.RetryCount, Error: updated.Error})
	case Failed, Cancelled:
		m.finishFailed(ctx, updated)
	}
}

// purge removes terminal jobs older than the retention period.
func (m *Manager) purge() {
	var ids []string
	err := m.runWithRetry(m.ctx, func() error {
		var err error
		ids, err = m.backend.Purge(m.ctx, time.Now().Add(-m.cfg.RetentionPeriod))
		return err
	})
	if err != nil {
		m.logger.Error("error purging jobs", "error", err)
		return
	}
	if len(ids) > 0 {
		m.graph.Forget(ids)
		m.logger.Info("purged jobs", "count", len(ids))
	}
}

// finishFailed publishes the terminal event of a failed or cancelled job,
// blocks its dependents in the graph and applies the failure policy.
func (m *Manager) finishFailed(ctx context.Context, job *Job) {
	m.publisher.Publish(JobEvent{JobID: job.ID, Status: job.Status, Attempt: job.RetryCount + 1, Error: job.Error})
	blocked := m.graph.MarkFailed(job.ID, job.Status)
	if len(blocked) > 0 {
		m.logger.Info("dependents blocked", "job_id", job.ID, "blocked", len(blocked))
	}
	if m.cfg.FailurePolicy == CancelDependents {
		m.cancelDependents(ctx, blocked)
	}
}

// cancelDependents cancels the given blocked jobs. Running jobs get a
// cancellation request and end Cancelled after their current attempt.
func (m *Manager) cancelDependents(ctx context.Context, blocked []string) {
	for _, id := range blocked {
		cur, err := m.getJob(ctx, id)
		if err != nil {
			m.logger.Error("error cancelling dependent", "job_id", id, "error", err)
			continue
		}
		var cancelled bool
		_, err = m.updateJob(ctx, cur, func(cur *Job) (*Update, error) {
			cancelled = false
			switch cur.Status {
			case Pending, Ready:
				cancelled = true
				return &Update{Status: Cancelled}, nil
			case InProgress:
				return &Update{CancelRequested: true}, nil
			}
			return nil, nil
		})
		if err != nil {
			m.logger.Error("error cancelling dependent", "job_id", id, "error", err)
			continue
		}
		if cancelled {
			m.graph.MarkFailed(id, Cancelled)
			m.publisher.Publish(JobEvent{JobID: id, Status: Cancelled})
		}
	}
}

// -- Stats, Lookup and List --

// Stats returns current statistics about the job queue.
func (m *Manager) Stats(ctx context.Context) (*Stats, error) {
	return m.backend.Stats(ctx)
}

// Lookup returns the job with the specified identifier.
// If no such job exists, a *JobNotFoundError is returned.
func (m *Manager) Lookup(ctx context.Context, id string) (*Job, error) {
	return m.getJob(ctx, id)
}

// List returns all jobs matching the parameters in the request.
func (m *Manager) List(ctx context.Context, request *ListRequest) (*ListResponse, error) {
	return m.backend.List(ctx, request)
}
