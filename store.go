// Copyright 2021-present Sindre Eikeland. All rights reserved.
// Use of this source code is governed by a MIT-license.

package sqlq

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound must be returned from Store interface when a certain job
	// could not be found in the specific data store.
	ErrNotFound = errors.New("sqlq: job not found")

	// ErrNotActive is returned when a completion or failure transition is
	// requested for a job that is not currently active, e.g. because a
	// stale or duplicated callback already resolved it.
	ErrNotActive = errors.New("sqlq: job is not active")

	// ErrContended is returned when the claim retry budget is exhausted
	// because other workers kept winning the race for the same candidates.
	// The queue is temporarily unavailable, not empty.
	ErrContended = errors.New("sqlq: claim contended, try again")
)

// Store implements persistent storage of jobs.
//
// Stores must support atomic single-row conditional updates: the
// Claim, Complete, Fail, and Retry methods only take effect if the
// guard predicate still holds at write time, and report whether they
// did. That conditional write is the queue's sole concurrency
// primitive; implementations must be safe for concurrent use, also
// across processes where the backend allows it.
type Store interface {
	// Start is called once when the queue is constructed. It must ensure
	// that the backing table or collection exists.
	Start(ctx context.Context) error

	// Create adds a job to the store and assigns its ID.
	Create(ctx context.Context, job *Job) error

	// Next returns the most eligible claimable job: state Waiting, not
	// locked, available no later than now, ordered by priority (highest
	// first) and creation time (oldest first). It returns ErrNotFound
	// if no job is eligible.
	Next(ctx context.Context, now time.Time) (*Job, error)

	// Claim attempts to lock the job with the given token, guarded by
	// the job being in state Waiting and unlocked at write time. The
	// state guard keeps a stale candidate from re-claiming a job that
	// was claimed and resolved in the meantime. It reports whether the
	// claim took effect.
	Claim(ctx context.Context, id int64, token string, now time.Time) (bool, error)

	// Complete moves an active job to Completed, storing the result
	// (nil is stored as NULL) and releasing the lock. It reports
	// whether the job was active at write time.
	Complete(ctx context.Context, id int64, result *string, now time.Time) (bool, error)

	// Fail moves an active job to Failed, storing the error message
	// (nil is stored as NULL) and releasing the lock. It reports
	// whether the job was active at write time.
	Fail(ctx context.Context, id int64, errorMsg *string, now time.Time) (bool, error)

	// Retry moves a failed job back to Waiting, clearing the error,
	// incrementing the retry counter and deferring eligibility until
	// availableAt. It reports whether the job was failed at write time;
	// a miss is not an error.
	Retry(ctx context.Context, id int64, availableAt, now time.Time) (bool, error)

	// ReclaimStale returns active jobs that have not been updated since
	// olderThan back to Waiting, releasing their locks. It returns the
	// number of reclaimed jobs.
	ReclaimStale(ctx context.Context, olderThan, now time.Time) (int64, error)

	// Lookup returns the details of a job by its identifier.
	// If the job could not be found, ErrNotFound must be returned.
	Lookup(ctx context.Context, id int64) (*Job, error)

	// List returns a list of jobs filtered by the ListRequest.
	List(ctx context.Context, req *ListRequest) (*ListResponse, error)

	// Stats returns the number of jobs per state.
	Stats(ctx context.Context) (*Stats, error)
}

// ListRequest specifies a filter for listing jobs.
type ListRequest struct {
	State  State // filter by job state
	Limit  int   // maximum number of jobs to return
	Offset int   // number of jobs to skip (for pagination)
}

// ListResponse is the outcome of invoking List on the Store.
type ListResponse struct {
	Total int    // total number of jobs found, excluding pagination
	Jobs  []*Job // list of jobs
}
