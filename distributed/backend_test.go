package distributed

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/olivere/dagqueue"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBackend(t *testing.T) (*Backend, *MemoryQueue, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	queue := NewMemoryQueue()
	b := New(queue, NewMemoryMetaStore())
	b.now = clock.Now
	require.NoError(t, b.Start(context.Background()))
	return b, queue, clock
}

func enqueue(t *testing.T, b *Backend, job *dagqueue.Job) {
	t.Helper()
	if job.Version == 0 {
		job.Version = 1
	}
	if job.Status == "" {
		job.Status = dagqueue.Pending
	}
	require.NoError(t, b.Enqueue(context.Background(), job), "Enqueue(%s)", job.ID)
}

func queueLen(t *testing.T, q Queue) int {
	t.Helper()
	n, err := q.Len(context.Background())
	require.NoError(t, err)
	return n
}

func TestBackendEnqueueAndMarkReady(t *testing.T) {
	b, queue, clock := newTestBackend(t)
	ctx := context.Background()
	enqueue(t, b, &dagqueue.Job{ID: "a", CreatedAt: clock.Now()})
	enqueue(t, b, &dagqueue.Job{ID: "b", DependsOn: []string{"a"}, CreatedAt: clock.Now()})

	err := b.Enqueue(ctx, &dagqueue.Job{ID: "a", Status: dagqueue.Pending, Version: 1})
	assert.ErrorIs(t, err, dagqueue.ErrAlreadyExists)
	err = b.Enqueue(ctx, &dagqueue.Job{ID: "c", Status: dagqueue.Pending, Version: 1, DependsOn: []string{"missing"}})
	assert.ErrorIs(t, err, dagqueue.ErrNotFound)

	// Pending jobs have no message
	assert.Equal(t, 0, queueLen(t, queue))

	ready, err := b.GetReadyJobs(ctx)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, "a", ready[0].ID)

	_, err = b.MarkReady(ctx, "b")
	assert.ErrorIs(t, err, dagqueue.ErrNotReady)
	job, err := b.MarkReady(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, dagqueue.Ready, job.Status)
	assert.Equal(t, 1, queueLen(t, queue))
}

func TestBackendClaimCompleteDeletesMessage(t *testing.T) {
	b, queue, clock := newTestBackend(t)
	ctx := context.Background()
	enqueue(t, b, &dagqueue.Job{ID: "a", Status: dagqueue.Ready, CreatedAt: clock.Now()})

	job, err := b.ClaimNext(ctx, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, dagqueue.InProgress, job.Status)
	assert.Equal(t, int64(2), job.Version)

	none, err := b.ClaimNext(ctx, time.Minute)
	require.NoError(t, err)
	assert.Nil(t, none)

	_, err = b.UpdateStatus(ctx, "a", job.Version, &dagqueue.Update{Status: dagqueue.Completed, Result: []byte(`42`)})
	require.NoError(t, err)
	assert.Equal(t, 0, queueLen(t, queue))
}

func TestBackendConcurrentClaim(t *testing.T) {
	b, _, clock := newTestBackend(t)
	ctx := context.Background()
	enqueue(t, b, &dagqueue.Job{ID: "a", Status: dagqueue.Ready, CreatedAt: clock.Now()})

	const n = 10
	var wg sync.WaitGroup
	claims := make(chan *dagqueue.Job, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			job, err := b.ClaimNext(ctx, time.Minute)
			if err != nil {
				t.Errorf("ClaimNext failed with %v", err)
				return
			}
			if job != nil {
				claims <- job
			}
		}()
	}
	wg.Wait()
	close(claims)
	assert.Len(t, claims, 1)
}

func TestBackendDuplicateDeliveryIsDiscarded(t *testing.T) {
	b, queue, clock := newTestBackend(t)
	ctx := context.Background()
	enqueue(t, b, &dagqueue.Job{ID: "a", Status: dagqueue.Ready, CreatedAt: clock.Now()})

	first, err := b.ClaimNext(ctx, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, first)

	// The message shows up again while the lease is valid
	require.NoError(t, queue.Push(ctx, "a", clock.Now()))
	dup, err := b.ClaimNext(ctx, time.Minute)
	require.NoError(t, err)
	assert.Nil(t, dup)

	job, err := b.GetJob(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, first.ClaimID, job.ClaimID)
	assert.Equal(t, first.Version, job.Version)
}

func TestBackendLeaseExpiry(t *testing.T) {
	b, _, clock := newTestBackend(t)
	ctx := context.Background()
	enqueue(t, b, &dagqueue.Job{ID: "a", Status: dagqueue.Ready, MaxRetries: 1, CreatedAt: clock.Now()})

	first, err := b.ClaimNext(ctx, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, first)

	clock.Advance(50 * time.Second)
	require.NoError(t, b.ExtendLease(ctx, "a", first.ClaimID, time.Minute))
	clock.Advance(50 * time.Second)
	none, err := b.ClaimNext(ctx, time.Minute)
	require.NoError(t, err)
	assert.Nil(t, none, "lease extension must hide the message")

	clock.Advance(time.Minute)
	stale, err := b.FindStale(ctx, clock.Now())
	require.NoError(t, err)
	assert.Len(t, stale, 1)

	second, err := b.ClaimNext(ctx, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, first.RetryCount+1, second.RetryCount)

	assert.ErrorIs(t, b.ExtendLease(ctx, "a", first.ClaimID, time.Minute), dagqueue.ErrLeaseLost)
	_, err = b.UpdateStatus(ctx, "a", first.Version, &dagqueue.Update{Status: dagqueue.Completed})
	assert.ErrorIs(t, err, dagqueue.ErrStaleJob)
}

func TestBackendRetryIsDelayed(t *testing.T) {
	b, _, clock := newTestBackend(t)
	ctx := context.Background()
	enqueue(t, b, &dagqueue.Job{ID: "a", Status: dagqueue.Ready, MaxRetries: 2, CreatedAt: clock.Now()})

	job, err := b.ClaimNext(ctx, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, job)
	_, err = b.UpdateStatus(ctx, "a", job.Version, &dagqueue.Update{
		Status:         dagqueue.Ready,
		Error:          &dagqueue.ExecError{Message: "kaboom", Attempt: 1},
		IncrementRetry: true,
		RunAt:          clock.Now().Add(10 * time.Second),
	})
	require.NoError(t, err)

	none, err := b.ClaimNext(ctx, time.Minute)
	require.NoError(t, err)
	assert.Nil(t, none)

	clock.Advance(10 * time.Second)
	again, err := b.ClaimNext(ctx, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, 1, again.RetryCount)
	assert.Equal(t, "kaboom", again.Error.Message)
}

func TestBackendStartRestoresMessages(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	meta := NewMemoryMetaStore()
	ctx := context.Background()
	require.NoError(t, meta.Insert(ctx, &dagqueue.Job{ID: "a", Status: dagqueue.Ready, Version: 2, CreatedAt: clock.Now()}))
	require.NoError(t, meta.Insert(ctx, &dagqueue.Job{ID: "b", Status: dagqueue.Pending, Version: 1, CreatedAt: clock.Now()}))

	queue := NewMemoryQueue()
	b := New(queue, meta)
	b.now = clock.Now
	require.NoError(t, b.Start(ctx))
	assert.Equal(t, 1, queueLen(t, queue))

	job, err := b.ClaimNext(ctx, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "a", job.ID)
}

// flakyQueue fails the next Push when failPush is set.
type flakyQueue struct {
	*MemoryQueue
	mu       sync.Mutex
	failPush bool
}

func (q *flakyQueue) Push(ctx context.Context, jobID string, visibleAt time.Time) error {
	q.mu.Lock()
	fail := q.failPush
	q.failPush = false
	q.mu.Unlock()
	if fail {
		return &dagqueue.BackendConnectionError{Op: "push", Err: errors.New("connection reset")}
	}
	return q.MemoryQueue.Push(ctx, jobID, visibleAt)
}

func TestBackendReconcileRestoresLostMessages(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	queue := &flakyQueue{MemoryQueue: NewMemoryQueue()}
	b := New(queue, NewMemoryMetaStore())
	b.now = clock.Now
	ctx := context.Background()
	require.NoError(t, b.Start(ctx))
	enqueue(t, b, &dagqueue.Job{ID: "a", CreatedAt: clock.Now()})
	enqueue(t, b, &dagqueue.Job{ID: "b", CreatedAt: clock.Now(), RunAt: clock.Now().Add(time.Hour)})

	// b is Ready with a message; a is Ready without one
	_, err := b.MarkReady(ctx, "b")
	require.NoError(t, err)
	queue.failPush = true
	_, err = b.MarkReady(ctx, "a")
	require.Error(t, err)
	job, err := b.GetJob(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, dagqueue.Ready, job.Status)
	assert.Equal(t, 1, queueLen(t, queue))

	claimed, err := b.ClaimNext(ctx, time.Minute)
	require.NoError(t, err)
	assert.Nil(t, claimed)

	require.NoError(t, b.Reconcile(ctx))
	assert.Equal(t, 2, queueLen(t, queue))

	claimed, err = b.ClaimNext(ctx, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, "a", claimed.ID)

	// b keeps its delayed visibility
	claimed, err = b.ClaimNext(ctx, time.Minute)
	require.NoError(t, err)
	assert.Nil(t, claimed)
}

func TestBackendListStatsPurge(t *testing.T) {
	b, _, clock := newTestBackend(t)
	ctx := context.Background()
	now := clock.Now()
	enqueue(t, b, &dagqueue.Job{ID: "a", Func: "x", Status: dagqueue.Completed, CreatedAt: now, EndedAt: now})
	enqueue(t, b, &dagqueue.Job{ID: "b", Func: "x", DependsOn: []string{"a"}, CreatedAt: now.Add(time.Second)})
	enqueue(t, b, &dagqueue.Job{ID: "c", Func: "y", Status: dagqueue.Failed, CreatedAt: now.Add(2 * time.Second), EndedAt: now})

	stats, err := b.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, &dagqueue.Stats{Pending: 1, Completed: 1, Failed: 1}, stats)

	rsp, err := b.List(ctx, &dagqueue.ListRequest{Func: "x", Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, rsp.Total)
	require.Len(t, rsp.Jobs, 1)
	assert.Equal(t, "a", rsp.Jobs[0].ID)

	ids, err := b.Purge(ctx, now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, ids)
}

func TestBackendRunsDependencyChain(t *testing.T) {
	cfg := dagqueue.DefaultConfig()
	cfg.Concurrency = 2
	cfg.PollInterval = 10 * time.Millisecond
	cfg.LivenessInterval = 50 * time.Millisecond

	m, err := dagqueue.New(cfg, dagqueue.SetBackend(New(NewMemoryQueue(), NewMemoryMetaStore())))
	require.NoError(t, err)

	var (
		mu    sync.Mutex
		order []string
	)
	record := func(ctx context.Context, job *dagqueue.Job) (interface{}, error) {
		mu.Lock()
		order = append(order, job.Args[0].(string))
		mu.Unlock()
		return job.Args[0], nil
	}
	require.NoError(t, m.Register("record", record))
	require.NoError(t, m.Start())
	defer m.CloseWithTimeout(2 * time.Second)

	ctx := context.Background()
	a, err := m.Submit(ctx, "record", []interface{}{"A"}, nil, nil)
	require.NoError(t, err)
	bid, err := m.Submit(ctx, "record", []interface{}{"B"}, nil, []string{a})
	require.NoError(t, err)
	c, err := m.Submit(ctx, "record", []interface{}{"C"}, nil, []string{bid})
	require.NoError(t, err)

	res, err := m.WaitForJob(ctx, c, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, dagqueue.Completed, res.Status)
	assert.JSONEq(t, `"C"`, string(res.Result))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"A", "B", "C"}, order)
}
