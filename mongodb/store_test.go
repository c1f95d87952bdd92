package mongodb

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/eikeland/sqlq"
)

// newTestStore connects to the MongoDB server named in SQLQ_MONGODB_URL,
// e.g. "mongodb://localhost/sqlq_test". Tests are skipped if the
// variable is unset.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("SQLQ_MONGODB_URL")
	if url == "" {
		t.Skip("SQLQ_MONGODB_URL is not set")
	}
	st, err := NewStore(url)
	if err != nil {
		t.Fatalf("NewStore returned %v", err)
	}
	t.Cleanup(func() {
		st.coll.DropCollection()
		st.ids.DropCollection()
		st.Close()
	})
	if err := st.Start(context.Background()); err != nil {
		t.Fatalf("Start returned %v", err)
	}
	return st
}

func TestMongoDBClaimLifecycle(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	job := &sqlq.Job{
		Payload:     "payload",
		State:       sqlq.Waiting,
		Created:     now.UnixNano(),
		Updated:     now.UnixNano(),
		AvailableAt: now.UnixNano(),
	}
	if err := st.Create(ctx, job); err != nil {
		t.Fatalf("Create returned %v", err)
	}
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
	claimed, err = st.Claim(ctx, job.ID, "token-2", now)
	if err != nil {
		t.Fatalf("Claim returned %v", err)
	}
	if claimed {
		t.Fatal("expected the second claim to fail")
	}

	result := "done"
	ok, err := st.Complete(ctx, job.ID, &result, now)
	if err != nil {
		t.Fatalf("Complete returned %v", err)
	}
	if !ok {
		t.Fatal("expected Complete to affect the document")
	}

	found, err := st.Lookup(ctx, job.ID)
	if err != nil {
		t.Fatalf("Lookup returned %v", err)
	}
	if have, want := found.State, sqlq.Completed; have != want {
		t.Fatalf("State = %q, want %q", have, want)
	}
	if have, want := found.Result, "done"; have != want {
		t.Fatalf("Result = %q, want %q", have, want)
	}
	if found.LockedBy != "" {
		t.Fatalf("LockedBy = %q, want empty", found.LockedBy)
	}

	// A stale claim arriving after resolution must lose even though the
	// document is unlocked again.
	claimed, err = st.Claim(ctx, job.ID, "token-3", now)
	if err != nil {
		t.Fatalf("Claim returned %v", err)
	}
	if claimed {
		t.Fatal("expected the stale claim to miss the guard")
	}
}

func TestMongoDBFailAndRetry(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	job := &sqlq.Job{
		Payload:     "payload",
		State:       sqlq.Waiting,
		Created:     now.UnixNano(),
		Updated:     now.UnixNano(),
		AvailableAt: now.UnixNano(),
	}
	if err := st.Create(ctx, job); err != nil {
		t.Fatalf("Create returned %v", err)
	}
	if _, err := st.Claim(ctx, job.ID, "token", now); err != nil {
		t.Fatalf("Claim returned %v", err)
	}
	msg := "exploded"
	if _, err := st.Fail(ctx, job.ID, &msg, now); err != nil {
		t.Fatalf("Fail returned %v", err)
	}

	availableAt := now.Add(10 * time.Second)
	ok, err := st.Retry(ctx, job.ID, availableAt, now)
	if err != nil {
		t.Fatalf("Retry returned %v", err)
	}
	if !ok {
		t.Fatal("expected Retry to affect the document")
	}

	found, err := st.Lookup(ctx, job.ID)
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

	// Not eligible before availableAt.
	if _, err := st.Next(ctx, now); err != sqlq.ErrNotFound {
		t.Fatalf("Next = %v, want ErrNotFound", err)
	}

	// IDs keep increasing monotonically.
	second := &sqlq.Job{
		Payload:     "another",
		State:       sqlq.Waiting,
		Created:     now.UnixNano(),
		Updated:     now.UnixNano(),
		AvailableAt: now.UnixNano(),
	}
	if err := st.Create(ctx, second); err != nil {
		t.Fatalf("Create returned %v", err)
	}
	if second.ID <= job.ID {
		t.Fatalf("second ID = %d, want > %d", second.ID, job.ID)
	}
}
