// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package dagqueue

// Stats returns statistics about the job queue.
type Stats struct {
	Pending    int `json:"pending"`     // number of jobs waiting for dependencies
	Ready      int `json:"ready"`       // number of jobs waiting to be executed
	InProgress int `json:"in_progress"` // number of jobs currently being executed
	Completed  int `json:"completed"`   // number of successfully completed jobs
	Failed     int `json:"failed"`      // number of failed jobs (even after retries)
	Cancelled  int `json:"cancelled"`   // number of cancelled jobs
}

// Add increments the counter for status s by n.
func (s *Stats) Add(status Status, n int) {
	switch status {
	case Pending:
		s.Pending += n
	case Ready:
		s.Ready += n
	case InProgress:
		s.InProgress += n
	case Completed:
		s.Completed += n
	case Failed:
		s.Failed += n
	case Cancelled:
		s.Cancelled += n
	}
}

// Total returns the number of all jobs.
func (s *Stats) Total() int {
	return s.Pending + s.Ready + s.InProgress + s.Completed + s.Failed + s.Cancelled
}
