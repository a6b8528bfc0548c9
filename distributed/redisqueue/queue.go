// Package redisqueue implements distributed.Queue with a Redis sorted set.
//
// Each member is a job id, scored by the time in milliseconds at which
// its message becomes visible. Receiving runs a Lua script that picks the
// lowest visible score and re-scores it to the end of the visibility
// timeout in one atomic step.
package redisqueue

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/olivere/dagqueue"
)

// DefaultKey is the name of the sorted set unless overridden by SetKey.
const DefaultKey = "dagqueue:queue"

var receiveScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #ids == 0 then
	return false
end
redis.call('ZADD', KEYS[1], ARGV[2], ids[1])
return ids[1]
`)

// Queue is a distributed.Queue backed by Redis.
type Queue struct {
	client redis.UniversalClient
	key    string
	owned  bool // close the client on Close
}

// Option is an options provider for Queue.
type Option func(*Queue)

// SetKey overrides the name of the sorted set.
func SetKey(key string) Option {
	return func(q *Queue) {
		if key != "" {
			q.key = key
		}
	}
}

// New creates a queue on top of client. The caller owns the client.
func New(client redis.UniversalClient, options ...Option) *Queue {
	q := &Queue{client: client, key: DefaultKey}
	for _, opt := range options {
		opt(q)
	}
	return q
}

// Dial connects to the Redis server at addr and selects database db.
// The returned queue closes the connection on Close.
func Dial(ctx context.Context, addr string, db int, options ...Option) (*Queue, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, wrapError("dial", err)
	}
	q := New(client, options...)
	q.owned = true
	return q, nil
}

func wrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var ne net.Error
	if errors.Is(err, redis.ErrClosed) || errors.As(err, &ne) {
		return &dagqueue.BackendConnectionError{Op: "redis " + op, Err: err}
	}
	return err
}

func score(t time.Time) float64 {
	return float64(t.UnixMilli())
}

// Push adds or reschedules the message for jobID.
func (q *Queue) Push(ctx context.Context, jobID string, visibleAt time.Time) error {
	err := q.client.ZAdd(ctx, q.key, redis.Z{Score: score(visibleAt), Member: jobID}).Err()
	return wrapError("push", err)
}

// Receive hides and returns the message that became visible first.
func (q *Queue) Receive(ctx context.Context, now time.Time, visibility time.Duration) (string, error) {
	id, err := receiveScript.Run(ctx, q.client, []string{q.key}, now.UnixMilli(), now.Add(visibility).UnixMilli()).Text()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", wrapError("receive", err)
	}
	return id, nil
}

// Delete removes the message for jobID.
func (q *Queue) Delete(ctx context.Context, jobID string) error {
	return wrapError("delete", q.client.ZRem(ctx, q.key, jobID).Err())
}

// Contains reports whether there is a message for jobID.
func (q *Queue) Contains(ctx context.Context, jobID string) (bool, error) {
	err := q.client.ZScore(ctx, q.key, jobID).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, wrapError("contains", err)
	}
	return true, nil
}

// Len returns the number of messages.
func (q *Queue) Len(ctx context.Context) (int, error) {
	n, err := q.client.ZCard(ctx, q.key).Result()
	if err != nil {
		return 0, wrapError("len", err)
	}
	return int(n), nil
}

// Close the connection if the queue opened it.
func (q *Queue) Close() error {
	if q.owned {
		return q.client.Close()
	}
	return nil
}
