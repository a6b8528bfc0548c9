// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package dagqueue

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff"
)

// maxStaleRetries bounds the reload-and-reapply loop on StaleJobError.
const maxStaleRetries = 3

// runWithRetry runs fn and retries it with exponential backoff while it
// fails with a BackendConnectionError, up to the configured number of
// retries. Other errors are returned immediately.
func (m *Manager) runWithRetry(ctx context.Context, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(m.cfg.ConnectionRetries)), ctx)
	return backoff.Retry(func() error {
		err := fn()
		if err != nil && !errors.Is(err, ErrBackendConnection) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
}

// getJob reads a job, retrying on connection errors.
func (m *Manager) getJob(ctx context.Context, id string) (*Job, error) {
	var job *Job
	err := m.runWithRetry(ctx, func() error {
		var err error
		job, err = m.backend.GetJob(ctx, id)
		return err
	})
	return job, err
}

// updateJob applies the update returned by build to the job. On a
// StaleJobError it reloads the job and calls build again with the fresh
// copy, up to maxStaleRetries times. If build returns a nil update, the
// job is returned unchanged.
func (m *Manager) updateJob(ctx context.Context, cur *Job, build func(cur *Job) (*Update, error)) (*Job, error) {
	var err error
	for attempt := 0; ; attempt++ {
		var u *Update
		u, err = build(cur)
		if err != nil {
			return nil, err
		}
		if u == nil {
			return cur, nil
		}
		var updated *Job
		err = m.runWithRetry(ctx, func() error {
			var err error
			updated, err = m.backend.UpdateStatus(ctx, cur.ID, cur.Version, u)
			return err
		})
		if err == nil {
			return updated, nil
		}
		if !errors.Is(err, ErrStaleJob) || attempt+1 >= maxStaleRetries {
			return nil, err
		}
		m.logger.Debug("reloading stale job", "job_id", cur.ID, "attempt", attempt+1)
		if cur, err = m.getJob(ctx, cur.ID); err != nil {
			return nil, err
		}
	}
}
