// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package dagqueue

import (
	"fmt"
	"sort"
	"time"
)

// The helpers in this file implement the job state machine. Backends call
// them on a copy of the stored job while holding whatever lock or version
// guard they use, so every backend enforces the same transitions.

// ValidTransition reports whether a job may move from status from to
// status to. Terminal statuses are final. The only backward move is
// InProgress to Ready, used for bounded retries. Staying in the same
// non-terminal status is allowed for flag updates.
func ValidTransition(from, to Status) bool {
	if from.Terminal() || !to.Valid() {
		return false
	}
	if from == to {
		return true
	}
	switch from {
	case Pending:
		return to == Ready || to == Cancelled
	case Ready:
		return to == InProgress || to == Cancelled
	case InProgress:
		return to == Completed || to == Failed || to == Cancelled || to == Ready
	}
	return false
}

// CheckVersion returns a *StaleJobError if the job's version differs.
func CheckVersion(j *Job, expectedVersion int64) error {
	if j.Version != expectedVersion {
		return &StaleJobError{ID: j.ID, Expected: expectedVersion, Actual: j.Version}
	}
	return nil
}

// ApplyUpdate applies u to j and increments its version.
func ApplyUpdate(j *Job, u *Update, now time.Time) error {
	to := u.Status
	if to == "" {
		to = j.Status
	}
	if !ValidTransition(j.Status, to) {
		return fmt.Errorf("%w: job %s from %s to %s", ErrInvalidTransition, j.ID, j.Status, to)
	}
	if len(u.DependsOn) > 0 && j.Status != Pending {
		return fmt.Errorf("%w: cannot add dependencies to job %s in status %s", ErrInvalidTransition, j.ID, j.Status)
	}

	if to == Ready && j.Status == Pending {
		j.DependenciesMet = true
	}
	if to != InProgress {
		j.ClaimID = ""
		j.LeaseExpiresAt = time.Time{}
	}
	if to.Terminal() {
		j.EndedAt = now
	}
	j.Status = to
	if u.Result != nil {
		j.Result = u.Result
	}
	if u.Error != nil {
		j.Error = u.Error
	}
	if u.IncrementRetry {
		j.RetryCount++
	}
	if !u.RunAt.IsZero() {
		j.RunAt = u.RunAt
	}
	if u.CancelRequested {
		j.CancelRequested = true
	}
	for _, dep := range u.DependsOn {
		if !containsString(j.DependsOn, dep) {
			j.DependsOn = append(j.DependsOn, dep)
			j.DependenciesMet = false
		}
	}
	j.Version++
	return nil
}

// Claimable reports whether j may be claimed at the given time: it is
// Ready and due, or InProgress with an expired lease and retries left.
func Claimable(j *Job, now time.Time) bool {
	switch j.Status {
	case Ready:
		return !j.CancelRequested && !j.RunAt.After(now)
	case InProgress:
		return !j.CancelRequested && now.After(j.LeaseExpiresAt) && j.RetryCount < j.MaxRetries
	}
	return false
}

// ApplyClaim marks j InProgress under a new lease held by claimID.
// Re-claiming a job with an expired lease counts as a retry.
func ApplyClaim(j *Job, claimID string, lease time.Duration, now time.Time) error {
	if !Claimable(j, now) {
		return fmt.Errorf("%w: job %s in status %s is not claimable", ErrInvalidTransition, j.ID, j.Status)
	}
	if j.Status == InProgress {
		j.RetryCount++
	}
	j.Status = InProgress
	j.ClaimID = claimID
	j.StartedAt = now
	j.HeartbeatAt = now
	j.LeaseExpiresAt = now.Add(lease)
	j.Version++
	return nil
}

// ApplyLease renews the lease of j. The version is left unchanged.
func ApplyLease(j *Job, claimID string, lease time.Duration, now time.Time) error {
	if j.Status != InProgress || j.ClaimID != claimID {
		return fmt.Errorf("%w: job %s", ErrLeaseLost, j.ID)
	}
	j.HeartbeatAt = now
	j.LeaseExpiresAt = now.Add(lease)
	return nil
}

// DependenciesCompleted reports whether every predecessor of j is
// Completed according to status. Unknown predecessors count as missing.
func DependenciesCompleted(j *Job, status func(id string) (Status, bool)) bool {
	for _, dep := range j.DependsOn {
		s, ok := status(dep)
		if !ok || s != Completed {
			return false
		}
	}
	return true
}

// SortJobs orders jobs by creation time, ties broken by id.
func SortJobs(jobs []*Job) {
	sort.SliceStable(jobs, func(i, k int) bool {
		if !jobs[i].CreatedAt.Equal(jobs[k].CreatedAt) {
			return jobs[i].CreatedAt.Before(jobs[k].CreatedAt)
		}
		return jobs[i].ID < jobs[k].ID
	})
}

// Paginate applies offset and limit of req to the sorted jobs.
func Paginate(jobs []*Job, req *ListRequest) []*Job {
	if req.Offset > 0 {
		if req.Offset >= len(jobs) {
			return nil
		}
		jobs = jobs[req.Offset:]
	}
	if req.Limit > 0 && req.Limit < len(jobs) {
		jobs = jobs[:req.Limit]
	}
	return jobs
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
