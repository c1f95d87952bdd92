// Command e2e runs a load test against a sqlq queue backed by SQLite:
// a filler goroutine keeps enqueueing jobs with random priorities while
// a manager pool works them off, failing and retrying a configurable
// fraction.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/eikeland/sqlq"
	"github.com/eikeland/sqlq/sqlite"
)

// randomRunTime picks a simulated job duration in [0,max). A max that
// is not positive yields 0, so -run-time 0 runs jobs instantly.
func randomRunTime(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(max)))
}

func main() {
	var (
		concurrency     = flag.Int("c", 2, "maximum number of workers")
		dbpath          = flag.String("dbpath", ":memory:", "SQLite database path")
		fillTime        = flag.Duration("fill-time", 250*time.Millisecond, "interval in which new jobs get added")
		runTime         = flag.Duration("run-time", 500*time.Millisecond, "maximum run time of a single job")
		logInterval     = flag.Duration("log-interval", 1*time.Second, "log interval for stats")
		retryDelay      = flag.Duration("retry-delay", 0, "delay before a failed job becomes claimable again")
		failureRate     = flag.Float64("failure-rate", 0.05, "failure rate in the interval [0.0,1.0]")
		reclaimAfter    = flag.Duration("reclaim-after", 0, "reclaim jobs active for longer than this (0 to disable)")
		shutdownTimeout = flag.Duration("shutdown-timeout", -1*time.Second, "timeout to wait after shutdown (negative to wait forever)")
	)
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)

	rand.Seed(time.Now().UnixNano())

	store, err := sqlite.NewStore(*dbpath)
	if err != nil {
		log.Fatal(err)
	}
	q, err := sqlq.New(sqlq.SetStore(store))
	if err != nil {
		log.Fatal(err)
	}

	process := func(ctx context.Context, job *sqlq.Job) (string, error) {
		d := randomRunTime(*runTime)
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return "", ctx.Err()
		}
		if rand.Float64() < *failureRate {
			return "", errors.New("processing failed")
		}
		return fmt.Sprintf("done in %v", d), nil
	}

	var options []sqlq.ManagerOption
	options = append(options, sqlq.SetConcurrency(*concurrency))
	if *reclaimAfter > 0 {
		options = append(options, sqlq.SetReclaimAfter(*reclaimAfter))
	}
	m := sqlq.NewManager(q, process, options...)
	if err := m.Start(); err != nil {
		log.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Filler
	go func() {
		t := time.NewTicker(*fillTime)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				payload := fmt.Sprintf("job-%d", rand.Int63())
				if _, err := q.Enqueue(ctx, payload, rand.Intn(10)); err != nil {
					log.Printf("enqueue failed: %v", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	// Retrier: puts failed jobs back into circulation.
	go func() {
		t := time.NewTicker(*logInterval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				rsp, err := q.List(ctx, &sqlq.ListRequest{State: sqlq.Failed})
				if err != nil {
					continue
				}
				for _, job := range rsp.Jobs {
					if job.Retries >= 2 {
						continue
					}
					if err := q.Retry(ctx, job.ID, *retryDelay); err != nil {
						log.Printf("retry failed: %v", err)
					}
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	// Stats logger
	go func() {
		t := time.NewTicker(*logInterval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				stats, err := q.Stats(ctx)
				if err != nil {
					log.Printf("stats failed: %v", err)
					continue
				}
				log.Printf("waiting=%d active=%d completed=%d failed=%d",
					stats.Waiting, stats.Active, stats.Completed, stats.Failed)
			case <-ctx.Done():
				return
			}
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGTERM, syscall.SIGINT)
	log.Printf("recv signal %v", fmt.Sprint(<-c))
	cancel()
	if err := m.CloseWithTimeout(*shutdownTimeout); err != nil {
		log.Printf("close: %v", err)
	}
}
