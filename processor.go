// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package dagqueue

import (
	"context"
	"log/slog"
)

// Func is the signature of a job function. The returned value is
// marshaled to JSON and stored as the job's result. A returned error or a
// panic counts as a failed attempt.
//
// Jobs are executed at least once. Functions must be idempotent.
type Func func(ctx context.Context, job *Job) (interface{}, error)

type jobContextKey struct{}

type jobContext struct {
	m      *Manager
	job    *Job
	logger *slog.Logger
}

func withJobContext(ctx context.Context, jc *jobContext) context.Context {
	return context.WithValue(ctx, jobContextKey{}, jc)
}

// LoggerFromContext returns the logger of the running job, annotated with
// its id and function. It returns a discarding logger outside of jobs.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if jc, ok := ctx.Value(jobContextKey{}).(*jobContext); ok {
		return jc.logger
	}
	return discardLogger
}

// IsCancelRequested reports whether cancellation of the running job was
// requested. Job functions may call it at safe points and return early.
// Cancellation is honored after the function returns, regardless.
func IsCancelRequested(ctx context.Context) bool {
	jc, ok := ctx.Value(jobContextKey{}).(*jobContext)
	if !ok {
		return false
	}
	job, err := jc.m.backend.GetJob(ctx, jc.job.ID)
	if err != nil {
		return false
	}
	return job.CancelRequested || job.Status == Cancelled
}
