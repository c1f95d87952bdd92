// Package sqlq implements a durable job queue over a single shared
// store.
//
// Applications using sqlq first create a Queue. The queue has a Store
// to implement persistent storage. By default, an in memory store is
// used; the "sqlite" package contains the primary persistent store,
// and there are MySQL-based and MongoDB-based stores in the "mysql"
// and "mongodb" packages.
//
// Producers add jobs via Enqueue. A job carries an opaque payload and
// a priority; jobs with higher priorities get claimed first, tied
// priorities are served oldest-first.
//
// Workers call RunNext with a Processor. RunNext atomically claims the
// next eligible job: it selects a candidate, then locks it with a
// conditional single-row update guarded on the job still being in
// state Waiting and unlocked.
// Exactly one of several racing workers wins that update; the losers
// re-evaluate the candidate set after a jittered backoff. No lock is
// held across the select and the update, so any number of goroutines
// or processes may call RunNext against the same store.
//
// A job is always in one of the states Waiting, Active, Completed, or
// Failed. The Delayed, Paused, Stalled, and Removed states are
// declared for external collaborators but never entered by the queue
// itself. Failed jobs can be put back into Waiting via Retry, which
// increments their retry counter and can defer their eligibility.
//
// A claimed job has no lease: if a worker crashes while working on a
// job, the job stays Active. The ReclaimStale method returns such
// jobs to Waiting after a caller-supplied age; the optional Manager
// can run it periodically alongside its worker pool.
package sqlq
