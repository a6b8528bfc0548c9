package dagqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

// worker is a single instance processing jobs.
type worker struct {
	m    *Manager
	ctx  context.Context // context of the manager run that started the worker
	run  uint64          // manager run that started the worker
	jobc <-chan *Job
	wg   *sync.WaitGroup
}

// newWorker creates a new worker. It spins up a new goroutine that waits
// on jobc for new jobs to process.
func newWorker(ctx context.Context, m *Manager, run uint64, jobc <-chan *Job, wg *sync.WaitGroup) *worker {
	w := &worker{m: m, ctx: ctx, run: run, jobc: jobc, wg: wg}
	go w.loop()
	return w
}

// loop is the main goroutine in the worker. It listens for new jobs, then
// calls process.
func (w *worker) loop() {
	defer w.wg.Done()
	for job := range w.jobc {
		if err := w.process(job); err != nil {
			w.m.logger.Error("error processing job", "job_id", job.ID, "func", job.Func, "error", err)
		}
	}
}

// process runs a single claimed job and records its outcome.
func (w *worker) process(job *Job) error {
	defer func() {
		w.m.mu.Lock()
		if w.m.run == w.run {
			w.m.working--
		}
		w.m.mu.Unlock()
		w.m.wake()
	}()
	ctx := w.ctx
	logger := w.m.logger.With("job_id", job.ID, "func", job.Func, "attempt", job.RetryCount+1)

	// Find the function
	w.m.mu.Lock()
	fn, found := w.m.funcs[job.Func]
	w.m.mu.Unlock()
	if !found {
		execErr := &JobExecutionError{ID: job.ID, Attempt: job.RetryCount + 1, Err: fmt.Errorf("%w: %s", ErrUnknownFunc, job.Func)}
		return w.fail(ctx, job, execErr, false)
	}

	w.m.testJobStarted() // testing hook
	logger.Debug("job started")

	stopHeartbeat := w.heartbeat(ctx, job, logger)
	jctx := withJobContext(ctx, &jobContext{m: w.m, job: job, logger: logger})
	result, execErr := w.execute(jctx, fn, job)
	stopHeartbeat()

	if execErr != nil {
		logger.Warn("job failed", "error", execErr.Err)
		return w.fail(ctx, job, execErr, true)
	}
	return w.succeed(ctx, job, result)
}

// execute invokes fn, turning errors and panics into a JobExecutionError.
func (w *worker) execute(ctx context.Context, fn Func, job *Job) (result json.RawMessage, execErr *JobExecutionError) {
	attempt := job.RetryCount + 1
	defer func() {
		if r := recover(); r != nil {
			execErr = &JobExecutionError{
				ID:      job.ID,
				Attempt: attempt,
				Err:     fmt.Errorf("panic: %v", r),
				Stack:   string(debug.Stack()),
			}
		}
	}()
	v, err := fn(ctx, job.Clone())
	if err != nil {
		return nil, &JobExecutionError{ID: job.ID, Attempt: attempt, Err: err}
	}
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, &JobExecutionError{ID: job.ID, Attempt: attempt, Err: fmt.Errorf("marshal result: %w", err)}
	}
	return raw, nil
}

// heartbeat renews the lease of the job every HeartbeatInterval once the
// execution takes longer than HeartbeatThreshold. The returned function
// stops the heartbeat.
func (w *worker) heartbeat(ctx context.Context, job *Job, logger *slog.Logger) func() {
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		threshold := time.NewTimer(w.m.cfg.HeartbeatThreshold)
		defer threshold.Stop()
		select {
		case <-threshold.C:
		case <-done:
			return
		}
		t := time.NewTicker(w.m.cfg.HeartbeatInterval)
		defer t.Stop()
		for {
			if err := w.m.backend.ExtendLease(ctx, job.ID, job.ClaimID, w.m.cfg.LeaseDuration); err != nil {
				logger.Warn("error extending lease", "error", err)
				if errors.Is(err, ErrLeaseLost) || errors.Is(err, ErrNotFound) {
					return
				}
			}
			select {
			case <-t.C:
			case <-done:
				return
			}
		}
	}()
	return func() {
		close(done)
		<-stopped
	}
}

// ownedBy returns an error unless cur is still InProgress under the claim
// of job. A job whose lease expired and was claimed by another worker must
// not be updated with the outcome of this attempt.
func ownedBy(cur, job *Job) error {
	if cur.Status != InProgress || cur.ClaimID != job.ClaimID {
		return fmt.Errorf("%w: job %s is %s", ErrLeaseLost, job.ID, cur.Status)
	}
	return nil
}

// succeed records the result of a successful execution. A job whose
// cancellation was requested while it ran ends Cancelled, keeping the result.
func (w *worker) succeed(ctx context.Context, job *Job, result json.RawMessage) error {
	updated, err := w.m.updateJob(ctx, job, func(cur *Job) (*Update, error) {
		if err := ownedBy(cur, job); err != nil {
			return nil, err
		}
		if cur.CancelRequested {
			return &Update{Status: Cancelled, Result: result}, nil
		}
		return &Update{Status: Completed, Result: result}, nil
	})
	if err != nil {
		return err
	}
	if updated.Status == Cancelled {
		w.m.finishFailed(ctx, updated)
		w.m.testJobCancelled() // testing hook
		return nil
	}
	w.m.publisher.Publish(JobEvent{JobID: job.ID, Status: Completed, Attempt: updated.RetryCount + 1, Result: updated.Result})
	ready := w.m.graph.MarkCompleted(job.ID)
	w.m.logger.Debug("job completed", "job_id", job.ID, "ready", len(ready))
	w.m.testJobSucceeded() // testing hook
	return nil
}

// fail records a failed execution. The job is retried if it has retries
// left and retry is true, cancelled if cancellation was requested, and
// failed otherwise.
func (w *worker) fail(ctx context.Context, job *Job, execErr *JobExecutionError, retry bool) error {
	payload := execErr.Payload()
	updated, err := w.m.updateJob(ctx, job, func(cur *Job) (*Update, error) {
		if err := ownedBy(cur, job); err != nil {
			return nil, err
		}
		switch {
		case cur.CancelRequested:
			return &Update{Status: Cancelled, Error: payload}, nil
		case retry && cur.RetryCount < cur.MaxRetries:
			runAt := time.Now().Add(w.m.backoff(cur.RetryCount + 1))
			return &Update{Status: Ready, Error: payload, IncrementRetry: true, RunAt: runAt}, nil
		default:
			return &Update{Status: Failed, Error: payload}, nil
		}
	})
	if err != nil {
		return err
	}

	switch updated.Status {
	case Ready:
		w.m.graph.SetStatus(job.ID, Ready)
		w.m.publisher.Publish(JobEvent{JobID: job.ID, Status: Retry, Attempt: payload.Attempt, Error: payload})
		w.m.testJobRetry() // testing hook
	case Cancelled:
		w.m.finishFailed(ctx, updated)
		w.m.testJobCancelled() // testing hook
	default:
		w.m.finishFailed(ctx, updated)
		w.m.testJobFailed() // testing hook
	}
	return nil
}
