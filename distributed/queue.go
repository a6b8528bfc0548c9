package distributed

import (
	"context"
	"time"

	"github.com/olivere/dagqueue"
)

// Queue holds one dispatch message per claimable job. A message becomes
// visible at a point in time; receiving it hides it again for the
// visibility timeout, which is the lease of the claim.
type Queue interface {
	// Push adds the message for jobID, or reschedules it if it exists.
	Push(ctx context.Context, jobID string, visibleAt time.Time) error

	// Receive returns the id of the message that became visible first,
	// no later than now, and hides it until now plus visibility. It
	// returns an empty string if no message is visible.
	Receive(ctx context.Context, now time.Time, visibility time.Duration) (string, error)

	// Delete removes the message for jobID. Deleting a missing message
	// is not an error.
	Delete(ctx context.Context, jobID string) error

	// Contains reports whether there is a message for jobID.
	Contains(ctx context.Context, jobID string) (bool, error)

	// Len returns the number of messages, visible or not.
	Len(ctx context.Context) (int, error)

	// Close releases all resources.
	Close() error
}

// MetaStore keeps the authoritative job records. Every change is a
// compare-and-swap on the job version.
type MetaStore interface {
	// Start is called when the backend starts up.
	Start(ctx context.Context) error

	// Close releases all resources.
	Close() error

	// Insert stores a new job. It returns an error wrapping
	// dagqueue.ErrAlreadyExists if the id is taken.
	Insert(ctx context.Context, job *dagqueue.Job) error

	// Get returns the job or a *dagqueue.JobNotFoundError.
	Get(ctx context.Context, id string) (*dagqueue.Job, error)

	// CompareAndSwap replaces the stored job if its version equals
	// expectedVersion, and returns a *dagqueue.StaleJobError otherwise.
	CompareAndSwap(ctx context.Context, job *dagqueue.Job, expectedVersion int64) error

	// Find returns all jobs with the given status, or all jobs if status
	// is empty, ordered by creation time and id.
	Find(ctx context.Context, status dagqueue.Status) ([]*dagqueue.Job, error)

	// Delete removes the jobs with the given ids.
	Delete(ctx context.Context, ids []string) error
}
