package redisqueue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/olivere/dagqueue"
	"github.com/olivere/dagqueue/distributed"
)

func newTestQueue(t *testing.T) (*Queue, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { client.Close() })
	return New(client, SetKey("test:queue")), srv
}

func TestQueuePushReceiveDelete(t *testing.T) {
	q, srv := newTestQueue(t)
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, q.Push(ctx, "b", now))
	require.NoError(t, q.Push(ctx, "a", now))
	require.NoError(t, q.Push(ctx, "later", now.Add(time.Minute)))
	assert.True(t, srv.Exists("test:queue"))

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	// Equal scores are received in lexical order
	id, err := q.Receive(ctx, now, 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "a", id)
	id, err = q.Receive(ctx, now, 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "b", id)
	id, err = q.Receive(ctx, now, 30*time.Second)
	require.NoError(t, err)
	assert.Empty(t, id)

	// Hidden messages come back after the visibility timeout
	id, err = q.Receive(ctx, now.Add(31*time.Second), 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "a", id)

	require.NoError(t, q.Delete(ctx, "a"))
	require.NoError(t, q.Delete(ctx, "a"))
	n, err = q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	found, err := q.Contains(ctx, "a")
	require.NoError(t, err)
	assert.False(t, found)
	found, err = q.Contains(ctx, "later")
	require.NoError(t, err)
	assert.True(t, found)
}

func TestQueueConnectionError(t *testing.T) {
	q, srv := newTestQueue(t)
	srv.Close()
	err := q.Push(context.Background(), "a", time.Now())
	assert.ErrorIs(t, err, dagqueue.ErrBackendConnection)
}

func TestDial(t *testing.T) {
	srv := miniredis.RunT(t)
	q, err := Dial(context.Background(), srv.Addr(), 0)
	require.NoError(t, err)
	require.NoError(t, q.Push(context.Background(), "a", time.Now()))
	require.NoError(t, q.Close())
}

func TestBackendOverRedis(t *testing.T) {
	q, _ := newTestQueue(t)
	cfg := dagqueue.DefaultConfig()
	cfg.Concurrency = 2
	cfg.PollInterval = 10 * time.Millisecond
	cfg.LivenessInterval = 50 * time.Millisecond

	m, err := dagqueue.New(cfg, dagqueue.SetBackend(distributed.New(q, distributed.NewMemoryMetaStore())))
	require.NoError(t, err)
	require.NoError(t, m.Register("double", func(ctx context.Context, job *dagqueue.Job) (interface{}, error) {
		n, _ := job.Args[0].(float64)
		return 2 * n, nil
	}))
	require.NoError(t, m.Start())
	defer m.CloseWithTimeout(2 * time.Second)

	ctx := context.Background()
	first, err := m.Submit(ctx, "double", []interface{}{21.0}, nil, nil)
	require.NoError(t, err)
	second, err := m.Submit(ctx, "double", []interface{}{1.0}, nil, []string{first})
	require.NoError(t, err)

	res, err := m.WaitForJob(ctx, second, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, dagqueue.Completed, res.Status)
	assert.JSONEq(t, `2`, string(res.Result))

	res, err = m.GetResult(ctx, first)
	require.NoError(t, err)
	assert.JSONEq(t, `42`, string(res.Result))
}
