package mongometa

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/olivere/dagqueue"
)

func TestDocumentRoundTrip(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 42, time.UTC)
	want := &dagqueue.Job{
		ID:              "a",
		Func:            "crawl",
		Args:            []interface{}{"https://example.com", 1.0},
		Kwargs:          map[string]interface{}{"depth": 2.0},
		DependsOn:       []string{"b", "c"},
		DependenciesMet: true,
		Status:          dagqueue.Failed,
		Result:          []byte(`{"pages":3}`),
		Error:           &dagqueue.ExecError{Message: "kaboom", Attempt: 2},
		RetryCount:      1,
		MaxRetries:      1,
		Version:         7,
		ClaimID:         "claim",
		CreatedAt:       now,
		StartedAt:       now.Add(time.Second),
		EndedAt:         now.Add(2 * time.Second),
	}
	d, err := newDocument(want)
	require.NoError(t, err)
	have, err := d.toJob()
	require.NoError(t, err)
	if diff := cmp.Diff(want, have); diff != "" {
		t.Fatalf("round trip mismatch (-want +have):\n%s", diff)
	}
}

func TestNewStoreRequiresDatabase(t *testing.T) {
	_, err := NewStore("mongodb://localhost")
	assert.Error(t, err)
}

func TestMongoDBStore(t *testing.T) {
	url := os.Getenv("DAGQUEUE_MONGODB_URL")
	if url == "" {
		t.Skip("DAGQUEUE_MONGODB_URL not set")
	}
	st, err := NewStore(url, SetCollectionName("dagqueue_jobs_test"))
	require.NoError(t, err)
	defer st.Close()
	defer st.coll.DropCollection()

	ctx := context.Background()
	require.NoError(t, st.Start(ctx))

	id := uuid.NewString()
	job := &dagqueue.Job{ID: id, Func: "noop", Status: dagqueue.Pending, Version: 1, CreatedAt: time.Now().UTC()}
	require.NoError(t, st.Insert(ctx, job))
	assert.ErrorIs(t, st.Insert(ctx, job), dagqueue.ErrAlreadyExists)

	job.Status = dagqueue.Ready
	job.Version = 2
	require.NoError(t, st.CompareAndSwap(ctx, job, 1))

	var stale *dagqueue.StaleJobError
	require.ErrorAs(t, st.CompareAndSwap(ctx, job, 1), &stale)
	assert.Equal(t, int64(2), stale.Actual)

	ready, err := st.Find(ctx, dagqueue.Ready)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, id, ready[0].ID)

	require.NoError(t, st.Delete(ctx, []string{id}))
	_, err = st.Get(ctx, id)
	assert.ErrorIs(t, err, dagqueue.ErrNotFound)
}
