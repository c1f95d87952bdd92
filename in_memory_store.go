// Copyright 2021-present Sindre Eikeland. All rights reserved.
// Use of this source code is governed by a MIT-license.

package sqlq

import (
	"context"
	"sort"
	"sync"
	"time"
)

// InMemoryStore is a simple in-memory store implementation.
// It implements the Store interface, including the conditional-update
// semantics of the persistent backends. Do not use in production.
type InMemoryStore struct {
	mu     sync.Mutex
	nextID int64
	jobs   map[int64]*Job
}

// NewInMemoryStore creates a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		jobs: make(map[int64]*Job),
	}
}

// Start the store.
func (st *InMemoryStore) Start(ctx context.Context) error {
	return nil
}

// Create adds a new job and assigns its ID.
func (st *InMemoryStore) Create(ctx context.Context, job *Job) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.nextID++
	job.ID = st.nextID
	cp := *job
	st.jobs[job.ID] = &cp
	return nil
}

// Next picks the most eligible claimable job.
func (st *InMemoryStore) Next(ctx context.Context, now time.Time) (*Job, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	var next *Job
	for _, job := range st.jobs {
		if job.State != Waiting || job.LockedBy != "" || job.AvailableAt > now.UnixNano() {
			continue
		}
		if next == nil ||
			job.Priority > next.Priority ||
			(job.Priority == next.Priority && job.Created < next.Created) {
			next = job
		}
	}
	if next == nil {
		return nil, ErrNotFound
	}
	cp := *next
	return &cp, nil
}

// Claim locks the job with the given token if it is still waiting and
// unlocked.
func (st *InMemoryStore) Claim(ctx context.Context, id int64, token string, now time.Time) (bool, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	job, found := st.jobs[id]
	if !found || job.State != Waiting || job.LockedBy != "" {
		return false, nil
	}
	job.State = Active
	job.LockedBy = token
	job.Updated = now.UnixNano()
	return true, nil
}

// Complete resolves an active job as Completed.
func (st *InMemoryStore) Complete(ctx context.Context, id int64, result *string, now time.Time) (bool, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	job, found := st.jobs[id]
	if !found || job.State != Active {
		return false, nil
	}
	job.State = Completed
	job.LockedBy = ""
	job.Result = deref(result)
	job.Updated = now.UnixNano()
	return true, nil
}

// Fail resolves an active job as Failed.
func (st *InMemoryStore) Fail(ctx context.Context, id int64, errorMsg *string, now time.Time) (bool, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	job, found := st.jobs[id]
	if !found || job.State != Active {
		return false, nil
	}
	job.State = Failed
	job.LockedBy = ""
	job.Error = deref(errorMsg)
	job.Updated = now.UnixNano()
	return true, nil
}

// Retry puts a failed job back into Waiting.
func (st *InMemoryStore) Retry(ctx context.Context, id int64, availableAt, now time.Time) (bool, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	job, found := st.jobs[id]
	if !found || job.State != Failed {
		return false, nil
	}
	job.State = Waiting
	job.LockedBy = ""
	job.Error = ""
	job.Retries++
	job.AvailableAt = availableAt.UnixNano()
	job.Updated = now.UnixNano()
	return true, nil
}

// ReclaimStale returns long-active jobs to Waiting.
func (st *InMemoryStore) ReclaimStale(ctx context.Context, olderThan, now time.Time) (int64, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	var n int64
	for _, job := range st.jobs {
		if job.State != Active || job.Updated >= olderThan.UnixNano() {
			continue
		}
		job.State = Waiting
		job.LockedBy = ""
		job.Updated = now.UnixNano()
		n++
	}
	return n, nil
}

// Lookup returns the job with the specified identifier (or ErrNotFound).
func (st *InMemoryStore) Lookup(ctx context.Context, id int64) (*Job, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	job, found := st.jobs[id]
	if !found {
		return nil, ErrNotFound
	}
	cp := *job
	return &cp, nil
}

// List finds matching jobs.
func (st *InMemoryStore) List(ctx context.Context, req *ListRequest) (*ListResponse, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	rsp := &ListResponse{}
	var matches []*Job
	for _, job := range st.jobs {
		if req.State != "" && job.State != req.State {
			continue
		}
		matches = append(matches, job)
	}
	rsp.Total = len(matches)
	// Newest change first, as in the persistent backends.
	sort.Slice(matches, func(i, j int) bool {
		return matches[i].Updated > matches[j].Updated
	})
	for i, job := range matches {
		if i < req.Offset {
			continue
		}
		if req.Limit > 0 && len(rsp.Jobs) >= req.Limit {
			break
		}
		cp := *job
		rsp.Jobs = append(rsp.Jobs, &cp)
	}
	return rsp, nil
}

// Stats returns statistics about the jobs in the store.
func (st *InMemoryStore) Stats(ctx context.Context) (*Stats, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	stats := &Stats{}
	for _, job := range st.jobs {
		switch job.State {
		case Waiting:
			stats.Waiting++
		case Active:
			stats.Active++
		case Completed:
			stats.Completed++
		case Failed:
			stats.Failed++
		case Delayed:
			stats.Delayed++
		case Paused:
			stats.Paused++
		case Stalled:
			stats.Stalled++
		case Removed:
			stats.Removed++
		}
	}
	return stats, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
