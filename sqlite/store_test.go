package sqlite

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/eikeland/sqlq"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := NewStore(":memory:")
	if err != nil {
		t.Fatalf("NewStore returned %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.Start(context.Background()); err != nil {
		t.Fatalf("Start returned %v", err)
	}
	return st
}

func createJob(t *testing.T, st *Store, payload string, priority int, created time.Time) *sqlq.Job {
	t.Helper()
	job := &sqlq.Job{
		Payload:     payload,
		State:       sqlq.Waiting,
		Priority:    priority,
		Created:     created.UnixNano(),
		Updated:     created.UnixNano(),
		AvailableAt: created.UnixNano(),
	}
	if err := st.Create(context.Background(), job); err != nil {
		t.Fatalf("Create returned %v", err)
	}
	return job
}

func TestSQLiteNewStore(t *testing.T) {
	newTestStore(t)
}

func TestSQLiteClaimLifecycle(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	job := createJob(t, st, "payload", 0, now)
	if job.ID == 0 {
		t.Fatal("expected Create to assign an ID")
	}

	next, err := st.Next(ctx, now)
	if err != nil {
		t.Fatalf("Next returned %v", err)
	}
	if have, want := next.ID, job.ID; have != want {
		t.Fatalf("Next ID = %d, want %d", have, want)
	}

	claimed, err := st.Claim(ctx, job.ID, "token-1", now)
	if err != nil {
		t.Fatalf("Claim returned %v", err)
	}
	if !claimed {
		t.Fatal("expected the claim to succeed")
	}

	// A second claim must lose: the row is already locked.
	claimed, err = st.Claim(ctx, job.ID, "token-2", now)
	if err != nil {
		t.Fatalf("Claim returned %v", err)
	}
	if claimed {
		t.Fatal("expected the second claim to fail")
	}

	found, err := st.Lookup(ctx, job.ID)
	if err != nil {
		t.Fatalf("Lookup returned %v", err)
	}
	if have, want := found.State, sqlq.Active; have != want {
		t.Fatalf("State = %q, want %q", have, want)
	}
	if have, want := found.LockedBy, "token-1"; have != want {
		t.Fatalf("LockedBy = %q, want %q", have, want)
	}

	// An active job must not be selectable.
	if _, err := st.Next(ctx, now); err != sqlq.ErrNotFound {
		t.Fatalf("Next = %v, want ErrNotFound", err)
	}

	result := "the result"
	ok, err := st.Complete(ctx, job.ID, &result, now)
	if err != nil {
		t.Fatalf("Complete returned %v", err)
	}
	if !ok {
		t.Fatal("expected Complete to affect the row")
	}

	found, err = st.Lookup(ctx, job.ID)
	if err != nil {
		t.Fatalf("Lookup returned %v", err)
	}
	if have, want := found.State, sqlq.Completed; have != want {
		t.Fatalf("State = %q, want %q", have, want)
	}
	if have, want := found.Result, "the result"; have != want {
		t.Fatalf("Result = %q, want %q", have, want)
	}
	if found.LockedBy != "" {
		t.Fatalf("LockedBy = %q, want empty", found.LockedBy)
	}

	// Completing again must miss the guard.
	ok, err = st.Complete(ctx, job.ID, nil, now)
	if err != nil {
		t.Fatalf("Complete returned %v", err)
	}
	if ok {
		t.Fatal("expected the second Complete to miss the guard")
	}

	// A stale claim arriving after resolution must lose even though the
	// row is unlocked again.
	claimed, err = st.Claim(ctx, job.ID, "token-3", now)
	if err != nil {
		t.Fatalf("Claim returned %v", err)
	}
	if claimed {
		t.Fatal("expected the stale claim to miss the guard")
	}
}

// TestSQLiteAtMostOnceClaim runs concurrent workers against a
// file-backed store and checks that every job is dispatched exactly
// once, including when a worker holds a stale candidate from Next.
func TestSQLiteAtMostOnceClaim(t *testing.T) {
	const (
		numJobs    = 30
		numWorkers = 8
	)
	path := filepath.Join(t.TempDir(), "sqlq_test.db")
	st, err := NewStore(path)
	if err != nil {
		t.Fatalf("NewStore returned %v", err)
	}
	t.Cleanup(func() { st.Close() })
	q, err := sqlq.New(sqlq.SetStore(st))
	if err != nil {
		t.Fatalf("New returned %v", err)
	}
	ctx := context.Background()

	for i := 0; i < numJobs; i++ {
		if _, err := q.Enqueue(ctx, fmt.Sprintf("job-%d", i), i%3); err != nil {
			t.Fatalf("Enqueue failed with %v", err)
		}
	}

	var mu sync.Mutex
	claims := make(map[int64]int)
	process := func(ctx context.Context, job *sqlq.Job) (string, error) {
		mu.Lock()
		claims[job.ID]++
		mu.Unlock()
		return "", nil
	}

	var g errgroup.Group
	for i := 0; i < numWorkers; i++ {
		g.Go(func() error {
			for {
				job, err := q.RunNext(ctx, process)
				if err == sqlq.ErrContended {
					continue
				}
				if err != nil {
					return err
				}
				if job == nil {
					return nil
				}
			}
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("worker failed with %v", err)
	}

	if have, want := len(claims), numJobs; have != want {
		t.Fatalf("claimed %d distinct jobs, want %d", have, want)
	}
	for id, n := range claims {
		if n != 1 {
			t.Fatalf("job %d claimed %d times, want 1", id, n)
		}
	}
}

func TestSQLiteFailAndRetry(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	job := createJob(t, st, "payload", 0, now)
	if _, err := st.Claim(ctx, job.ID, "token", now); err != nil {
		t.Fatalf("Claim returned %v", err)
	}

	msg := "exploded"
	ok, err := st.Fail(ctx, job.ID, &msg, now)
	if err != nil {
		t.Fatalf("Fail returned %v", err)
	}
	if !ok {
		t.Fatal("expected Fail to affect the row")
	}

	found, err := st.Lookup(ctx, job.ID)
	if err != nil {
		t.Fatalf("Lookup returned %v", err)
	}
	if have, want := found.State, sqlq.Failed; have != want {
		t.Fatalf("State = %q, want %q", have, want)
	}
	if have, want := found.Error, "exploded"; have != want {
		t.Fatalf("Error = %q, want %q", have, want)
	}

	availableAt := now.Add(10 * time.Second)
	ok, err = st.Retry(ctx, job.ID, availableAt, now)
	if err != nil {
		t.Fatalf("Retry returned %v", err)
	}
	if !ok {
		t.Fatal("expected Retry to affect the row")
	}

	found, err = st.Lookup(ctx, job.ID)
	if err != nil {
		t.Fatalf("Lookup returned %v", err)
	}
	if have, want := found.State, sqlq.Waiting; have != want {
		t.Fatalf("State = %q, want %q", have, want)
	}
	if have, want := found.Retries, 1; have != want {
		t.Fatalf("Retries = %d, want %d", have, want)
	}
	if found.Error != "" {
		t.Fatalf("Error = %q, want empty", found.Error)
	}
	if have, want := found.AvailableAt, availableAt.UnixNano(); have != want {
		t.Fatalf("AvailableAt = %d, want %d", have, want)
	}

	// Not eligible before availableAt.
	if _, err := st.Next(ctx, now); err != sqlq.ErrNotFound {
		t.Fatalf("Next = %v, want ErrNotFound", err)
	}
	next, err := st.Next(ctx, availableAt.Add(time.Second))
	if err != nil {
		t.Fatalf("Next returned %v", err)
	}
	if have, want := next.ID, job.ID; have != want {
		t.Fatalf("Next ID = %d, want %d", have, want)
	}

	// Retry on a waiting job must miss the guard.
	ok, err = st.Retry(ctx, job.ID, availableAt, now)
	if err != nil {
		t.Fatalf("Retry returned %v", err)
	}
	if ok {
		t.Fatal("expected Retry on a waiting job to miss the guard")
	}
}

func TestSQLiteNextOrdering(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	low := createJob(t, st, "low", 1, now)
	high := createJob(t, st, "high", 2, now.Add(time.Millisecond))
	older := createJob(t, st, "older high", 2, now.Add(-time.Millisecond))

	want := []int64{older.ID, high.ID, low.ID}
	for i, id := range want {
		next, err := st.Next(ctx, now.Add(time.Second))
		if err != nil {
			t.Fatalf("Next #%d returned %v", i, err)
		}
		if have := next.ID; have != id {
			t.Fatalf("Next #%d = job %d, want %d", i, have, id)
		}
		if _, err := st.Claim(ctx, next.ID, fmt.Sprintf("token-%d", i), now); err != nil {
			t.Fatalf("Claim returned %v", err)
		}
	}
}

func TestSQLiteReclaimStale(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	job := createJob(t, st, "orphaned", 0, now)
	if _, err := st.Claim(ctx, job.ID, "token", now); err != nil {
		t.Fatalf("Claim returned %v", err)
	}

	n, err := st.ReclaimStale(ctx, now.Add(-time.Minute), now)
	if err != nil {
		t.Fatalf("ReclaimStale returned %v", err)
	}
	if have, want := n, int64(0); have != want {
		t.Fatalf("reclaimed = %d, want %d", have, want)
	}

	later := now.Add(2 * time.Minute)
	n, err = st.ReclaimStale(ctx, later.Add(-time.Minute), later)
	if err != nil {
		t.Fatalf("ReclaimStale returned %v", err)
	}
	if have, want := n, int64(1); have != want {
		t.Fatalf("reclaimed = %d, want %d", have, want)
	}

	found, err := st.Lookup(ctx, job.ID)
	if err != nil {
		t.Fatalf("Lookup returned %v", err)
	}
	if have, want := found.State, sqlq.Waiting; have != want {
		t.Fatalf("State = %q, want %q", have, want)
	}
	if found.LockedBy != "" {
		t.Fatalf("LockedBy = %q, want empty", found.LockedBy)
	}
}

func TestSQLiteListAndStats(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	for i := 0; i < 3; i++ {
		createJob(t, st, fmt.Sprintf("job-%d", i), 0, now.Add(time.Duration(i)*time.Millisecond))
	}
	job := createJob(t, st, "job-3", 0, now.Add(3*time.Millisecond))
	if _, err := st.Claim(ctx, job.ID, "token", now); err != nil {
		t.Fatalf("Claim returned %v", err)
	}

	stats, err := st.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats returned %v", err)
	}
	if have, want := stats.Waiting, 3; have != want {
		t.Fatalf("Stats.Waiting = %d, want %d", have, want)
	}
	if have, want := stats.Active, 1; have != want {
		t.Fatalf("Stats.Active = %d, want %d", have, want)
	}

	rsp, err := st.List(ctx, &sqlq.ListRequest{State: sqlq.Waiting, Limit: 2})
	if err != nil {
		t.Fatalf("List returned %v", err)
	}
	if have, want := rsp.Total, 3; have != want {
		t.Fatalf("List.Total = %d, want %d", have, want)
	}
	if have, want := len(rsp.Jobs), 2; have != want {
		t.Fatalf("len(List.Jobs) = %d, want %d", have, want)
	}

	if _, err := st.Lookup(ctx, 12345); err != sqlq.ErrNotFound {
		t.Fatalf("Lookup = %v, want ErrNotFound", err)
	}
}

// TestSQLiteDurability checks that jobs survive closing and reopening
// the database file.
func TestSQLiteDurability(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sqlq_test.db")
	ctx := context.Background()
	now := time.Now()

	st, err := NewStore(path)
	if err != nil {
		t.Fatalf("NewStore returned %v", err)
	}
	if err := st.Start(ctx); err != nil {
		t.Fatalf("Start returned %v", err)
	}
	job := &sqlq.Job{
		Payload:     "durable",
		State:       sqlq.Waiting,
		Created:     now.UnixNano(),
		Updated:     now.UnixNano(),
		AvailableAt: now.UnixNano(),
	}
	if err := st.Create(ctx, job); err != nil {
		t.Fatalf("Create returned %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close returned %v", err)
	}

	st, err = NewStore(path)
	if err != nil {
		t.Fatalf("NewStore returned %v", err)
	}
	defer st.Close()
	if err := st.Start(ctx); err != nil {
		t.Fatalf("Start returned %v", err)
	}
	found, err := st.Lookup(ctx, job.ID)
	if err != nil {
		t.Fatalf("Lookup returned %v", err)
	}
	if have, want := found.Payload, "durable"; have != want {
		t.Fatalf("Payload = %q, want %q", have, want)
	}
}

// TestSQLiteQueueRoundTrip runs the queue end to end on a SQLite store.
func TestSQLiteQueueRoundTrip(t *testing.T) {
	st := newTestStore(t)
	q, err := sqlq.New(sqlq.SetStore(st))
	if err != nil {
		t.Fatalf("New returned %v", err)
	}
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, "hello", 0); err != nil {
		t.Fatalf("Enqueue failed with %v", err)
	}

	job, err := q.RunNext(ctx, func(ctx context.Context, job *sqlq.Job) (string, error) {
		if have, want := job.Payload, "hello"; have != want {
			return "", fmt.Errorf("Payload = %q, want %q", have, want)
		}
		return "world", nil
	})
	if err != nil {
		t.Fatalf("RunNext failed with %v", err)
	}
	if have, want := job.State, sqlq.Completed; have != want {
		t.Fatalf("State = %q, want %q", have, want)
	}
	if have, want := job.Result, "world"; have != want {
		t.Fatalf("Result = %q, want %q", have, want)
	}

	// Failure capture and retry.
	if _, err := q.Enqueue(ctx, "flaky", 0); err != nil {
		t.Fatalf("Enqueue failed with %v", err)
	}
	job, err = q.RunNext(ctx, func(ctx context.Context, job *sqlq.Job) (string, error) {
		return "", errors.New("X")
	})
	if err != nil {
		t.Fatalf("RunNext failed with %v", err)
	}
	if have, want := job.Error, "X"; have != want {
		t.Fatalf("Error = %q, want %q", have, want)
	}
	if err := q.Retry(ctx, job.ID, 0); err != nil {
		t.Fatalf("Retry failed with %v", err)
	}
	job, err = q.RunNext(ctx, func(ctx context.Context, job *sqlq.Job) (string, error) {
		return "recovered", nil
	})
	if err != nil {
		t.Fatalf("RunNext failed with %v", err)
	}
	if job == nil {
		t.Fatal("expected the retried job to be claimable")
	}
	if have, want := job.State, sqlq.Completed; have != want {
		t.Fatalf("State = %q, want %q", have, want)
	}
	if have, want := job.Retries, 1; have != want {
		t.Fatalf("Retries = %d, want %d", have, want)
	}
}
