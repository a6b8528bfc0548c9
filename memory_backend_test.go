// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package dagqueue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
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

func newTestMemoryBackend() (*MemoryBackend, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	b := NewMemoryBackend()
	b.now = clock.Now
	return b, clock
}

func enqueue(t *testing.T, b Backend, job *Job) {
	t.Helper()
	if job.Version == 0 {
		job.Version = 1
	}
	if job.Status == "" {
		job.Status = Pending
	}
	if err := b.Enqueue(context.Background(), job); err != nil {
		t.Fatalf("Enqueue(%s) failed with %v", job.ID, err)
	}
}

func TestMemoryBackendRoundTrip(t *testing.T) {
	b, clock := newTestMemoryBackend()
	ctx := context.Background()
	want := &Job{
		ID:        "a",
		Func:      "func",
		Args:      []interface{}{"x", 1.0},
		Kwargs:    map[string]interface{}{"k": "v"},
		Status:    Pending,
		Version:   1,
		CreatedAt: clock.Now(),
	}
	enqueue(t, b, want)

	have, err := b.GetJob(ctx, "a")
	if err != nil {
		t.Fatalf("GetJob failed with %v", err)
	}
	if diff := cmp.Diff(want, have); diff != "" {
		t.Fatalf("GetJob mismatch (-want +have):\n%s", diff)
	}

	// Callers cannot modify stored jobs
	have.Args[0] = "changed"
	again, _ := b.GetJob(ctx, "a")
	if again.Args[0] != "x" {
		t.Fatalf("Args[0] = %v, want %q", again.Args[0], "x")
	}

	if err := b.Enqueue(ctx, want); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("Enqueue = %v, want %v", err, ErrAlreadyExists)
	}
	if _, err := b.GetJob(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetJob = %v, want %v", err, ErrNotFound)
	}
	if err := b.Enqueue(ctx, &Job{ID: "b", DependsOn: []string{"missing"}}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Enqueue = %v, want %v", err, ErrNotFound)
	}
}

func TestMemoryBackendMarkReady(t *testing.T) {
	b, _ := newTestMemoryBackend()
	ctx := context.Background()
	enqueue(t, b, &Job{ID: "a"})
	enqueue(t, b, &Job{ID: "b", DependsOn: []string{"a"}})

	ready, err := b.GetReadyJobs(ctx)
	if err != nil {
		t.Fatalf("GetReadyJobs failed with %v", err)
	}
	if have, want := len(ready), 1; have != want {
		t.Fatalf("len(GetReadyJobs) = %d, want %d", have, want)
	}
	if _, err := b.MarkReady(ctx, "b"); !errors.Is(err, ErrNotReady) {
		t.Fatalf("MarkReady(b) = %v, want %v", err, ErrNotReady)
	}
	job, err := b.MarkReady(ctx, "a")
	if err != nil {
		t.Fatalf("MarkReady(a) failed with %v", err)
	}
	if have, want := job.Status, Ready; have != want {
		t.Fatalf("Status = %v, want %v", have, want)
	}
	if _, err := b.MarkReady(ctx, "a"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("MarkReady(a) = %v, want %v", err, ErrInvalidTransition)
	}
}

func TestMemoryBackendStaleVersion(t *testing.T) {
	b, _ := newTestMemoryBackend()
	ctx := context.Background()
	enqueue(t, b, &Job{ID: "a"})

	if _, err := b.UpdateStatus(ctx, "a", 1, &Update{Status: Ready}); err != nil {
		t.Fatalf("UpdateStatus failed with %v", err)
	}
	_, err := b.UpdateStatus(ctx, "a", 1, &Update{Status: Cancelled})
	var stale *StaleJobError
	if !errors.As(err, &stale) {
		t.Fatalf("UpdateStatus = %v, want %T", err, stale)
	}
	if have, want := stale.Actual, int64(2); have != want {
		t.Fatalf("Actual = %d, want %d", have, want)
	}
	job, _ := b.GetJob(ctx, "a")
	if have, want := job.Status, Ready; have != want {
		t.Fatalf("Status = %v, want %v", have, want)
	}
}

func TestMemoryBackendConcurrentClaim(t *testing.T) {
	b, _ := newTestMemoryBackend()
	ctx := context.Background()
	enqueue(t, b, &Job{ID: "a", Status: Ready})

	const n = 10
	var wg sync.WaitGroup
	claims := make(chan *Job, n)
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
	var count int
	for job := range claims {
		count++
		if have, want := job.Status, InProgress; have != want {
			t.Fatalf("Status = %v, want %v", have, want)
		}
	}
	if have, want := count, 1; have != want {
		t.Fatalf("claims = %d, want %d", have, want)
	}
}

func TestMemoryBackendLeaseExpiry(t *testing.T) {
	b, clock := newTestMemoryBackend()
	ctx := context.Background()
	enqueue(t, b, &Job{ID: "a", Status: Ready, MaxRetries: 1})

	first, err := b.ClaimNext(ctx, time.Minute)
	if err != nil || first == nil {
		t.Fatalf("ClaimNext = %v, %v", first, err)
	}
	if have, _ := b.ClaimNext(ctx, time.Minute); have != nil {
		t.Fatalf("ClaimNext = %v, want nil", have)
	}

	// Heartbeats keep the lease alive
	clock.Advance(50 * time.Second)
	if err := b.ExtendLease(ctx, "a", first.ClaimID, time.Minute); err != nil {
		t.Fatalf("ExtendLease failed with %v", err)
	}
	clock.Advance(50 * time.Second)
	if stale, _ := b.FindStale(ctx, clock.Now()); len(stale) != 0 {
		t.Fatalf("FindStale = %d jobs, want none", len(stale))
	}

	clock.Advance(time.Minute)
	stale, err := b.FindStale(ctx, clock.Now())
	if err != nil {
		t.Fatalf("FindStale failed with %v", err)
	}
	if have, want := len(stale), 1; have != want {
		t.Fatalf("len(FindStale) = %d, want %d", have, want)
	}

	second, err := b.ClaimNext(ctx, time.Minute)
	if err != nil || second == nil {
		t.Fatalf("ClaimNext = %v, %v", second, err)
	}
	if have, want := second.RetryCount, first.RetryCount+1; have != want {
		t.Fatalf("RetryCount = %d, want %d", have, want)
	}
	if second.ClaimID == first.ClaimID {
		t.Fatal("expected a new claim")
	}
	if err := b.ExtendLease(ctx, "a", first.ClaimID, time.Minute); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("ExtendLease = %v, want %v", err, ErrLeaseLost)
	}
	// The previous holder cannot record its outcome
	if _, err := b.UpdateStatus(ctx, "a", first.Version, &Update{Status: Completed}); !errors.Is(err, ErrStaleJob) {
		t.Fatalf("UpdateStatus = %v, want %v", err, ErrStaleJob)
	}
}

func TestMemoryBackendClaimOrderAndRunAt(t *testing.T) {
	b, clock := newTestMemoryBackend()
	ctx := context.Background()
	now := clock.Now()
	enqueue(t, b, &Job{ID: "late", Status: Ready, CreatedAt: now.Add(-time.Hour), RunAt: now.Add(time.Minute)})
	enqueue(t, b, &Job{ID: "b", Status: Ready, CreatedAt: now.Add(-time.Minute)})
	enqueue(t, b, &Job{ID: "a", Status: Ready, CreatedAt: now.Add(-time.Minute)})

	var ids []string
	for {
		job, err := b.ClaimNext(ctx, time.Minute)
		if err != nil {
			t.Fatalf("ClaimNext failed with %v", err)
		}
		if job == nil {
			break
		}
		ids = append(ids, job.ID)
	}
	if diff := cmp.Diff([]string{"a", "b"}, ids); diff != "" {
		t.Fatalf("claims mismatch (-want +have):\n%s", diff)
	}
	clock.Advance(2 * time.Minute)
	job, _ := b.ClaimNext(ctx, time.Minute)
	if job == nil || job.ID != "late" {
		t.Fatalf("ClaimNext = %v, want %q", job, "late")
	}
}

func TestMemoryBackendListStatsPurge(t *testing.T) {
	b, clock := newTestMemoryBackend()
	ctx := context.Background()
	now := clock.Now()
	enqueue(t, b, &Job{ID: "a", Func: "x", Status: Completed, CreatedAt: now, EndedAt: now})
	enqueue(t, b, &Job{ID: "b", Func: "x", Status: Pending, DependsOn: []string{"a"}, CreatedAt: now.Add(time.Second)})
	enqueue(t, b, &Job{ID: "c", Func: "y", Status: Failed, CreatedAt: now.Add(2 * time.Second), EndedAt: now})

	stats, err := b.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed with %v", err)
	}
	if diff := cmp.Diff(&Stats{Pending: 1, Completed: 1, Failed: 1}, stats); diff != "" {
		t.Fatalf("Stats mismatch (-want +have):\n%s", diff)
	}

	rsp, err := b.List(ctx, &ListRequest{Func: "x", Limit: 1})
	if err != nil {
		t.Fatalf("List failed with %v", err)
	}
	if have, want := rsp.Total, 2; have != want {
		t.Fatalf("Total = %d, want %d", have, want)
	}
	if have, want := rsp.Jobs[0].ID, "a"; have != want {
		t.Fatalf("Jobs[0] = %q, want %q", have, want)
	}

	// a is still needed by b
	ids, err := b.Purge(ctx, now.Add(time.Hour))
	if err != nil {
		t.Fatalf("Purge failed with %v", err)
	}
	if diff := cmp.Diff([]string{"c"}, ids); diff != "" {
		t.Fatalf("Purge mismatch (-want +have):\n%s", diff)
	}
}
