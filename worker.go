package sqlq

import (
	"context"
	"time"
)

// worker is a single instance processing jobs.
type worker struct {
	m   *Manager
	ctx context.Context
	id  int
}

// newWorker creates a new worker. It spins up a new goroutine that
// pulls jobs from the queue until the manager shuts down.
func newWorker(ctx context.Context, m *Manager, id int) *worker {
	w := &worker{m: m, ctx: ctx, id: id}
	go w.run()
	return w
}

// run is the main goroutine in the worker. It claims and executes one
// job at a time, idling for the poll interval when the queue is empty
// or contended.
func (w *worker) run() {
	defer w.m.workersWg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		default:
		}

		job, err := w.m.q.RunNext(w.ctx, w.m.process)
		if err == ErrContended {
			// Other workers are draining the same candidates; back off.
			w.idle()
			continue
		}
		if err != nil {
			if w.ctx.Err() != nil {
				return
			}
			w.m.logger.Printf("sqlq: worker %d: %v", w.id, err)
			w.idle()
			continue
		}
		if job == nil {
			// Queue is empty.
			w.idle()
			continue
		}
		if job.State == Failed {
			w.m.logger.Printf("sqlq: job %d failed: %s", job.ID, job.Error)
		}
		w.m.testJobProcessed() // testing hook
	}
}

// idle sleeps for the poll interval or until the manager shuts down.
func (w *worker) idle() {
	select {
	case <-time.After(w.m.interval):
	case <-w.ctx.Done():
	}
}
