// Copyright 2021-present Sindre Eikeland. All rights reserved.
// Use of this source code is governed by a MIT-license.

package sqlq

// State describes the lifecycle state of a job.
type State string

const (
	// Waiting for a worker to claim the job.
	Waiting State = "waiting"
	// Active is the state of a claimed job currently being worked on.
	Active State = "active"
	// Completed without errors.
	Completed State = "completed"
	// Failed with an error; eligible for Retry.
	Failed State = "failed"

	// The following states are part of the state domain for external
	// collaborators. No transition in this package ever produces or
	// consumes them.

	// Delayed jobs are held back until some external condition is met.
	Delayed State = "delayed"
	// Paused jobs are excluded from claiming by an operator.
	Paused State = "paused"
	// Stalled jobs are active jobs whose worker is presumed gone.
	Stalled State = "stalled"
	// Removed jobs are soft-deleted.
	Removed State = "removed"
)

// Job is a unit of work stored in the queue.
type Job struct {
	ID          int64  `json:"id"`                     // store-assigned identifier
	Payload     string `json:"payload"`                // opaque work unit; encoding is up to the caller
	State       State  `json:"state"`                  // current lifecycle state
	Priority    int    `json:"priority"`               // jobs with higher priority get claimed first
	Retries     int    `json:"retries"`                // number of times the job has been retried
	LockedBy    string `json:"locked_by,omitempty"`    // claim token of the owning worker; empty unless Active
	Result      string `json:"result,omitempty"`       // set when the job completed
	Error       string `json:"error,omitempty"`        // set when the job failed; cleared on retry
	Created     int64  `json:"created"`                // time when Enqueue was called (in UnixNano)
	Updated     int64  `json:"updated"`                // time when the job was last updated (in UnixNano)
	AvailableAt int64  `json:"available_at,omitempty"` // earliest time the job is claimable (in UnixNano)
}
