package sqlstore

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
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

func newTestStore(t *testing.T) (*Store, *fakeClock, string) {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "jobs.db")
	st, err := NewStore("sqlite", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	st.now = clock.Now
	require.NoError(t, st.Start(context.Background()))
	return st, clock, dsn
}

func enqueue(t *testing.T, st *Store, job *dagqueue.Job) {
	t.Helper()
	if job.Version == 0 {
		job.Version = 1
	}
	if job.Status == "" {
		job.Status = dagqueue.Pending
	}
	if job.Func == "" {
		job.Func = "noop"
	}
	require.NoError(t, st.Enqueue(context.Background(), job), "Enqueue(%s)", job.ID)
}

func TestNewStoreRejectsInMemorySQLite(t *testing.T) {
	_, err := NewStore("sqlite", ":memory:")
	assert.Error(t, err)
	_, err = NewStore("oracle", "scott/tiger")
	assert.Error(t, err)
}

func TestStoreRoundTrip(t *testing.T) {
	st, clock, _ := newTestStore(t)
	ctx := context.Background()
	enqueue(t, st, &dagqueue.Job{ID: "dep", CreatedAt: clock.Now()})
	want := &dagqueue.Job{
		ID:         "a",
		Func:       "crawl",
		Args:       []interface{}{"https://example.com", 2.0},
		Kwargs:     map[string]interface{}{"depth": 3.0, "follow": true},
		DependsOn:  []string{"dep"},
		Status:     dagqueue.Pending,
		MaxRetries: 3,
		Version:    1,
		CreatedAt:  clock.Now().Add(123 * time.Nanosecond),
	}
	enqueue(t, st, want)

	have, err := st.GetJob(ctx, "a")
	require.NoError(t, err)
	if diff := cmp.Diff(want, have); diff != "" {
		t.Fatalf("GetJob mismatch (-want +have):\n%s", diff)
	}

	assert.ErrorIs(t, st.Enqueue(ctx, want), dagqueue.ErrAlreadyExists)
	_, err = st.GetJob(ctx, "missing")
	assert.ErrorIs(t, err, dagqueue.ErrNotFound)
	err = st.Enqueue(ctx, &dagqueue.Job{ID: "b", Func: "x", Status: dagqueue.Pending, Version: 1, DependsOn: []string{"missing"}})
	var nf *dagqueue.JobNotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "missing", nf.ID)
}

func TestStoreReopenKeepsJobs(t *testing.T) {
	st, clock, dsn := newTestStore(t)
	enqueue(t, st, &dagqueue.Job{ID: "a", CreatedAt: clock.Now()})
	require.NoError(t, st.Close())

	again, err := NewStore("sqlite", dsn)
	require.NoError(t, err)
	defer again.Close()
	job, err := again.GetJob(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, dagqueue.Pending, job.Status)
}

func TestStoreMarkReady(t *testing.T) {
	st, clock, _ := newTestStore(t)
	ctx := context.Background()
	enqueue(t, st, &dagqueue.Job{ID: "a", CreatedAt: clock.Now()})
	enqueue(t, st, &dagqueue.Job{ID: "b", DependsOn: []string{"a"}, CreatedAt: clock.Now()})

	ready, err := st.GetReadyJobs(ctx)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, "a", ready[0].ID)

	_, err = st.MarkReady(ctx, "b")
	assert.ErrorIs(t, err, dagqueue.ErrNotReady)

	job, err := st.MarkReady(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, dagqueue.Ready, job.Status)
	assert.True(t, job.DependenciesMet)
	assert.Equal(t, int64(2), job.Version)

	_, err = st.MarkReady(ctx, "a")
	assert.ErrorIs(t, err, dagqueue.ErrInvalidTransition)

	// Complete a, then b becomes ready
	claimed, err := st.ClaimNext(ctx, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	_, err = st.UpdateStatus(ctx, "a", claimed.Version, &dagqueue.Update{Status: dagqueue.Completed, Result: []byte(`"ok"`)})
	require.NoError(t, err)

	ready, err = st.GetReadyJobs(ctx)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, "b", ready[0].ID)
	_, err = st.MarkReady(ctx, "b")
	require.NoError(t, err)
}

func TestStoreAddDependencies(t *testing.T) {
	st, clock, _ := newTestStore(t)
	ctx := context.Background()
	enqueue(t, st, &dagqueue.Job{ID: "a", CreatedAt: clock.Now()})
	enqueue(t, st, &dagqueue.Job{ID: "b", CreatedAt: clock.Now()})

	_, err := st.UpdateStatus(ctx, "b", 1, &dagqueue.Update{DependsOn: []string{"missing"}})
	assert.ErrorIs(t, err, dagqueue.ErrNotFound)

	job, err := st.UpdateStatus(ctx, "b", 1, &dagqueue.Update{DependsOn: []string{"a"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, job.DependsOn)

	ready, err := st.GetReadyJobs(ctx)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, "a", ready[0].ID)
}

func TestStoreStaleVersion(t *testing.T) {
	st, clock, _ := newTestStore(t)
	ctx := context.Background()
	enqueue(t, st, &dagqueue.Job{ID: "a", CreatedAt: clock.Now()})

	_, err := st.UpdateStatus(ctx, "a", 1, &dagqueue.Update{Status: dagqueue.Ready})
	require.NoError(t, err)
	_, err = st.UpdateStatus(ctx, "a", 1, &dagqueue.Update{Status: dagqueue.Cancelled})
	var stale *dagqueue.StaleJobError
	require.ErrorAs(t, err, &stale)
	assert.Equal(t, int64(2), stale.Actual)

	job, err := st.GetJob(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, dagqueue.Ready, job.Status)

	// A write guarded by an outdated version matches no row
	err = st.runInTx(ctx, "update", func(ctx context.Context, tx *sql.Tx) error {
		job.Status = dagqueue.Cancelled
		return st.save(ctx, tx, job, 1)
	})
	require.ErrorAs(t, err, &stale)
	assert.Equal(t, int64(1), stale.Expected)
	assert.Equal(t, int64(2), stale.Actual)
	job, err = st.GetJob(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, dagqueue.Ready, job.Status)

	_, err = st.GetJob(ctx, "missing")
	var notFound *dagqueue.JobNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "missing", notFound.ID)
}

func TestSQLiteDSNDefaults(t *testing.T) {
	tests := []struct {
		DSN  string
		Want string
	}{
		{
			DSN:  "/data/jobs.db",
			Want: "/data/jobs.db?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate",
		},
		{
			DSN:  "/data/jobs.db?_pragma=foreign_keys(1)",
			Want: "/data/jobs.db?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate",
		},
		{
			DSN:  "/data/jobs.db?_pragma=busy_timeout(100)&_txlock=deferred",
			Want: "/data/jobs.db?_pragma=busy_timeout(100)&_txlock=deferred&_pragma=journal_mode(WAL)",
		},
		{
			DSN:  "file:/data/jobs.db?_pragma=journal_mode(DELETE)",
			Want: "file:/data/jobs.db?_pragma=journal_mode(DELETE)&_pragma=busy_timeout(5000)&_txlock=immediate",
		},
	}
	for _, tt := range tests {
		have, err := sqliteDSN(tt.DSN)
		require.NoError(t, err)
		assert.Equal(t, tt.Want, have, "sqliteDSN(%q)", tt.DSN)
	}
}

func TestStoreConcurrentClaim(t *testing.T) {
	st, clock, _ := newTestStore(t)
	ctx := context.Background()
	enqueue(t, st, &dagqueue.Job{ID: "a", Status: dagqueue.Ready, CreatedAt: clock.Now()})

	const n = 8
	var wg sync.WaitGroup
	claims := make(chan *dagqueue.Job, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			job, err := st.ClaimNext(ctx, time.Minute)
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
		assert.Equal(t, dagqueue.InProgress, job.Status)
		assert.NotEmpty(t, job.ClaimID)
	}
	assert.Equal(t, 1, count)
}

func TestStoreLeaseExpiry(t *testing.T) {
	st, clock, _ := newTestStore(t)
	ctx := context.Background()
	enqueue(t, st, &dagqueue.Job{ID: "a", Status: dagqueue.Ready, MaxRetries: 1, CreatedAt: clock.Now()})

	first, err := st.ClaimNext(ctx, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, first)
	none, err := st.ClaimNext(ctx, time.Minute)
	require.NoError(t, err)
	assert.Nil(t, none)

	clock.Advance(50 * time.Second)
	require.NoError(t, st.ExtendLease(ctx, "a", first.ClaimID, time.Minute))
	clock.Advance(50 * time.Second)
	stale, err := st.FindStale(ctx, clock.Now())
	require.NoError(t, err)
	assert.Empty(t, stale)

	clock.Advance(time.Minute)
	stale, err = st.FindStale(ctx, clock.Now())
	require.NoError(t, err)
	assert.Len(t, stale, 1)

	second, err := st.ClaimNext(ctx, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, first.RetryCount+1, second.RetryCount)
	assert.NotEqual(t, first.ClaimID, second.ClaimID)

	assert.ErrorIs(t, st.ExtendLease(ctx, "a", first.ClaimID, time.Minute), dagqueue.ErrLeaseLost)
	_, err = st.UpdateStatus(ctx, "a", first.Version, &dagqueue.Update{Status: dagqueue.Completed})
	assert.ErrorIs(t, err, dagqueue.ErrStaleJob)
}

func TestStoreClaimOrderAndRunAt(t *testing.T) {
	st, clock, _ := newTestStore(t)
	ctx := context.Background()
	now := clock.Now()
	enqueue(t, st, &dagqueue.Job{ID: "late", Status: dagqueue.Ready, CreatedAt: now.Add(-time.Hour), RunAt: now.Add(time.Minute)})
	enqueue(t, st, &dagqueue.Job{ID: "b", Status: dagqueue.Ready, CreatedAt: now.Add(-time.Minute)})
	enqueue(t, st, &dagqueue.Job{ID: "a", Status: dagqueue.Ready, CreatedAt: now.Add(-time.Minute)})
	enqueue(t, st, &dagqueue.Job{ID: "cancelling", Status: dagqueue.Ready, CancelRequested: true, CreatedAt: now.Add(-2 * time.Hour)})

	var ids []string
	for {
		job, err := st.ClaimNext(ctx, time.Minute)
		require.NoError(t, err)
		if job == nil {
			break
		}
		ids = append(ids, job.ID)
	}
	assert.Equal(t, []string{"a", "b"}, ids)

	clock.Advance(2 * time.Minute)
	job, err := st.ClaimNext(ctx, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "late", job.ID)
}

func TestStoreListStatsPurge(t *testing.T) {
	st, clock, _ := newTestStore(t)
	ctx := context.Background()
	now := clock.Now()
	enqueue(t, st, &dagqueue.Job{ID: "a", Func: "x", Status: dagqueue.Completed, CreatedAt: now, EndedAt: now})
	enqueue(t, st, &dagqueue.Job{ID: "b", Func: "x", DependsOn: []string{"a"}, CreatedAt: now.Add(time.Second)})
	enqueue(t, st, &dagqueue.Job{ID: "c", Func: "y", Status: dagqueue.Failed, CreatedAt: now.Add(2 * time.Second), EndedAt: now})

	stats, err := st.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, &dagqueue.Stats{Pending: 1, Completed: 1, Failed: 1}, stats)

	rsp, err := st.List(ctx, &dagqueue.ListRequest{Func: "x", Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, rsp.Total)
	require.Len(t, rsp.Jobs, 1)
	assert.Equal(t, "a", rsp.Jobs[0].ID)

	rsp, err = st.List(ctx, &dagqueue.ListRequest{Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, 3, rsp.Total)
	require.Len(t, rsp.Jobs, 2)
	assert.Equal(t, "b", rsp.Jobs[0].ID)

	rsp, err = st.List(ctx, &dagqueue.ListRequest{Status: dagqueue.Failed})
	require.NoError(t, err)
	assert.Equal(t, 1, rsp.Total)

	// a is still needed by b
	ids, err := st.Purge(ctx, now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, ids)

	_, err = st.UpdateStatus(ctx, "b", 1, &dagqueue.Update{Status: dagqueue.Cancelled})
	require.NoError(t, err)
	ids, err = st.Purge(ctx, now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids)
}

// testStoreLifecycle runs a job with a dependency through the store.
func testStoreLifecycle(t *testing.T, st *Store) {
	ctx := context.Background()
	for _, table := range []string{edgesTable, jobsTable} {
		_, err := st.DB().Exec("DELETE FROM " + table)
		require.NoError(t, err)
	}
	a, b := uuid.NewString(), uuid.NewString()
	now := time.Now().UTC()
	enqueue(t, st, &dagqueue.Job{ID: a, CreatedAt: now})
	enqueue(t, st, &dagqueue.Job{ID: b, DependsOn: []string{a}, CreatedAt: now.Add(time.Millisecond)})

	_, err := st.MarkReady(ctx, b)
	require.ErrorIs(t, err, dagqueue.ErrNotReady)
	_, err = st.MarkReady(ctx, a)
	require.NoError(t, err)

	job, err := st.ClaimNext(ctx, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, job)
	require.Equal(t, a, job.ID)
	require.NoError(t, st.ExtendLease(ctx, a, job.ClaimID, time.Minute))
	_, err = st.UpdateStatus(ctx, a, job.Version, &dagqueue.Update{Status: dagqueue.Completed})
	require.NoError(t, err)

	ready, err := st.GetReadyJobs(ctx)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, b, ready[0].ID)

	stats, err := st.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, &dagqueue.Stats{Pending: 1, Completed: 1}, stats)
}

func TestMySQLStore(t *testing.T) {
	dsn := os.Getenv("DAGQUEUE_MYSQL_DSN")
	if dsn == "" {
		t.Skip("DAGQUEUE_MYSQL_DSN not set")
	}
	st, err := NewStore("mysql", dsn, SetDebug(true))
	require.NoError(t, err)
	defer st.Close()
	testStoreLifecycle(t, st)
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("DAGQUEUE_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("DAGQUEUE_POSTGRES_DSN not set")
	}
	st, err := NewStore("postgres", dsn, SetDebug(true))
	require.NoError(t, err)
	defer st.Close()
	testStoreLifecycle(t, st)
}
