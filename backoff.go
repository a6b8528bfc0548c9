// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package dagqueue

import (
	"math"
	"math/rand/v2"
	"time"
)

// BackoffFunc is a callback that returns a backoff. It is configurable
// via the SetBackoffFunc option in the manager. The BackoffFunc is used to
// vary the timespan between retries of failed jobs. Attempts starts at 1
// for the first retry.
type BackoffFunc func(attempts int) time.Duration

// ExponentialBackoff returns the default backoff function: the delay
// starts at initial, grows by multiplier per attempt up to max, and is
// randomized by the jitter factor in [0,1].
func ExponentialBackoff(initial, max time.Duration, multiplier, jitter float64) BackoffFunc {
	return func(attempts int) time.Duration {
		if attempts <= 0 {
			return 0
		}
		d := float64(initial) * math.Pow(multiplier, float64(attempts-1))
		if d > float64(max) {
			d = float64(max)
		}
		if jitter > 0 {
			delta := jitter * d
			d = d - delta + rand.Float64()*2*delta
		}
		return time.Duration(d)
	}
}
