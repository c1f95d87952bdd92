// Copyright 2021-present Sindre Eikeland. All rights reserved.
// Use of this source code is governed by a MIT-license.

package sqlq

import (
	"math"
	"math/rand"
	"time"
)

// maxClaimBackoff caps the sleep between claim attempts. Contention is
// resolved in milliseconds; sleeping longer only adds latency.
const maxClaimBackoff = 250 * time.Millisecond

// BackoffFunc is a callback that returns a backoff. It is configurable
// via the SetClaimBackoff option in the queue. The BackoffFunc is used
// to vary the timespan between claim attempts after a lost race.
type BackoffFunc func(attempts int) time.Duration

// jitteredBackoff is the default backoff function. It performs
// exponential backoff with full jitter, so that workers that lost the
// same race do not retry in lockstep.
func jitteredBackoff(attempts int) time.Duration {
	if attempts <= 0 {
		return time.Duration(0)
	}
	max := time.Duration(math.Pow(2, float64(attempts))) * time.Millisecond
	if max > maxClaimBackoff {
		max = maxClaimBackoff
	}
	return time.Duration(rand.Int63n(int64(max) + 1))
}
