// Copyright 2021-present Sindre Eikeland. All rights reserved.
// Use of this source code is governed by a MIT-license.

package sqlq

import (
	"context"
	"fmt"
	"time"
)

const (
	defaultClaimAttempts = 10
)

// Queue is a durable job queue over a single Store. Create a new queue
// via New. A Queue performs no background scheduling of its own: jobs
// are claimed and executed only when a caller invokes RunNext. Multiple
// goroutines, and multiple processes sharing the same backing store,
// may call RunNext concurrently.
type Queue struct {
	logger        Logger
	st            Store // persistent storage
	claimAttempts int   // claim retry budget per RunNext
	claimBackoff  BackoffFunc
	token         func() string
	now           func() time.Time
}

// New creates a new queue backed by an in-memory store unless SetStore
// says otherwise. New makes sure the backing job table exists before
// returning, so the queue is ready for use.
func New(options ...Option) (*Queue, error) {
	q := &Queue{
		logger:        stdLogger{},
		st:            NewInMemoryStore(),
		claimAttempts: defaultClaimAttempts,
		claimBackoff:  jitteredBackoff,
		token:         newToken,
		now:           time.Now,
	}
	for _, opt := range options {
		opt(q)
	}
	if err := q.st.Start(context.Background()); err != nil {
		return nil, err
	}
	return q, nil
}

// -- Configuration --

// Option is the signature of an options provider.
type Option func(*Queue)

// SetLogger specifies the logger to use when e.g. reporting errors.
func SetLogger(logger Logger) Option {
	return func(q *Queue) {
		q.logger = logger
	}
}

// SetStore specifies the backing Store implementation for the queue.
func SetStore(store Store) Option {
	return func(q *Queue) {
		q.st = store
	}
}

// SetClaimAttempts sets the maximum number of candidates the queue will
// race for during a single RunNext before giving up with ErrContended.
// The budget must be greater or equal to 1 and is 10 by default.
func SetClaimAttempts(n int) Option {
	return func(q *Queue) {
		if n < 1 {
			n = 1
		}
		q.claimAttempts = n
	}
}

// SetClaimBackoff specifies the backoff function that returns the time
// span to sleep after a lost claim race. Jittered exponential backoff
// is used by default.
func SetClaimBackoff(fn BackoffFunc) Option {
	return func(q *Queue) {
		if fn != nil {
			q.claimBackoff = fn
		} else {
			q.claimBackoff = jitteredBackoff
		}
	}
}

// -- Enqueue --

// Enqueue adds a new job with the given payload and priority to the
// queue. If Enqueue returns nil, the caller can be sure the job is
// stored in the backing store, in state Waiting and immediately
// eligible for claiming. Jobs with higher priority are claimed first;
// ties are broken oldest-first.
func (q *Queue) Enqueue(ctx context.Context, payload string, priority int) (*Job, error) {
	now := q.now().UnixNano()
	job := &Job{
		Payload:     payload,
		State:       Waiting,
		Priority:    priority,
		Created:     now,
		Updated:     now,
		AvailableAt: now,
	}
	if err := q.st.Create(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// -- Claim protocol --

// claimNext picks the most eligible waiting job and tries to lock it
// with a fresh token. Selection and locking are two separate
// statements; the conditional update alone decides the race, so a
// candidate may be lost to another worker between the two. Lost races
// re-evaluate the candidate set after a jittered backoff, at most
// claimAttempts times.
//
// claimNext returns nil without error if no job is eligible, and
// ErrContended if the retry budget runs out.
func (q *Queue) claimNext(ctx context.Context) (*Job, error) {
	for attempt := 0; attempt < q.claimAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(q.claimBackoff(attempt)):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		now := q.now()
		job, err := q.st.Next(ctx, now)
		if err == ErrNotFound {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		token := q.token()
		claimed, err := q.st.Claim(ctx, job.ID, token, now)
		if err != nil {
			return nil, err
		}
		if claimed {
			job.State = Active
			job.LockedBy = token
			job.Updated = now.UnixNano()
			return job, nil
		}
		// Another worker won the race between Next and Claim.
	}
	return nil, ErrContended
}

// -- Execution --

// RunNext claims the next eligible job and hands it to process. On
// normal return the job is completed with the returned result; if
// process returns an error or panics, the job is failed with the error
// message recorded on it. Either way the resolved job snapshot is
// returned; processing faults are captured on the job and never
// propagated to the caller of RunNext.
//
// RunNext returns nil, nil if no job is eligible. Store faults, and
// ErrContended when the claim budget is exhausted, are returned as
// errors.
func (q *Queue) RunNext(ctx context.Context, process Processor) (*Job, error) {
	job, err := q.claimNext(ctx)
	if err != nil || job == nil {
		return nil, err
	}

	result, perr := q.invoke(ctx, process, job)
	now := q.now()
	if perr != nil {
		msg := perr.Error()
		ok, err := q.st.Fail(ctx, job.ID, nullable(msg), now)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, ErrNotActive
		}
		job.State = Failed
		job.Error = msg
	} else {
		ok, err := q.st.Complete(ctx, job.ID, nullable(result), now)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, ErrNotActive
		}
		job.State = Completed
		job.Result = result
	}
	job.LockedBy = ""
	job.Updated = now.UnixNano()
	return job, nil
}

// invoke runs the processor, converting a panic into a failure. A
// non-error panic value is recorded via its string representation.
func (q *Queue) invoke(ctx context.Context, process Processor, job *Job) (result string, err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = e
			} else {
				err = fmt.Errorf("%v", r)
			}
			q.logger.Printf("sqlq: job %d panicked: %v", job.ID, r)
		}
	}()
	return process(ctx, job)
}

// -- Lifecycle transitions --

// Complete resolves an active job as Completed, storing the result and
// releasing the lock. An empty result is stored as NULL. Complete
// returns ErrNotActive if the job is not currently active, e.g. when a
// stale callback fires after the job was already resolved.
func (q *Queue) Complete(ctx context.Context, id int64, result string) error {
	ok, err := q.st.Complete(ctx, id, nullable(result), q.now())
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotActive
	}
	return nil
}

// Fail resolves an active job as Failed, storing the error message and
// releasing the lock. An empty message is stored as NULL. Fail returns
// ErrNotActive if the job is not currently active.
func (q *Queue) Fail(ctx context.Context, id int64, errorMsg string) error {
	ok, err := q.st.Fail(ctx, id, nullable(errorMsg), q.now())
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotActive
	}
	return nil
}

// Retry puts a failed job back into Waiting, clearing its error,
// incrementing its retry counter and deferring its eligibility by the
// given delay. The delay is truncated to whole seconds. Retrying a job
// that is not in state Failed is a silent no-op.
func (q *Queue) Retry(ctx context.Context, id int64, delay time.Duration) error {
	now := q.now()
	availableAt := now.Add(delay.Truncate(time.Second))
	_, err := q.st.Retry(ctx, id, availableAt, now)
	return err
}

// ReclaimStale returns jobs that have been active for longer than the
// given age back into Waiting, releasing their locks. Use it to recover
// claims orphaned by crashed workers; there is no lease mechanism, so
// pick an age comfortably above the longest legitimate job runtime.
func (q *Queue) ReclaimStale(ctx context.Context, age time.Duration) (int64, error) {
	now := q.now()
	return q.st.ReclaimStale(ctx, now.Add(-age), now)
}

// -- Lookup, List and Stats --

// Lookup returns the job with the specified identifier.
// If no such job exists, ErrNotFound is returned.
func (q *Queue) Lookup(ctx context.Context, id int64) (*Job, error) {
	return q.st.Lookup(ctx, id)
}

// List returns all jobs matching the parameters in the request.
func (q *Queue) List(ctx context.Context, request *ListRequest) (*ListResponse, error) {
	return q.st.List(ctx, request)
}

// Stats returns current statistics about the job queue.
func (q *Queue) Stats(ctx context.Context) (*Stats, error) {
	return q.st.Stats(ctx)
}

// nullable maps the empty string to NULL for optional columns.
func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
