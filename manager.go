// Copyright 2021-present Sindre Eikeland. All rights reserved.
// Use of this source code is governed by a MIT-license.

package sqlq

import (
	"context"
	"errors"
	"sync"
	"time"
)

const (
	defaultConcurrency  = 5
	defaultPollInterval = 250 * time.Millisecond
)

func nop() {}

// Manager runs a pool of workers that repeatedly call RunNext on a
// queue. It is an optional convenience layer: the queue itself stays
// demand-driven and can be used without a manager.
type Manager struct {
	logger   Logger
	q        *Queue
	process  Processor
	interval time.Duration // poll interval while the queue is empty
	reclaim  time.Duration // reclaim age for stale claims; 0 disables sweeping

	mu          sync.Mutex // guards the following block
	concurrency int        // number of parallel workers
	started     bool
	workers     []*worker
	cancel      context.CancelFunc
	workersWg   sync.WaitGroup

	testManagerStarted func() // testing hook
	testManagerStopped func() // testing hook
	testJobProcessed   func() // testing hook
	testJobsReclaimed  func() // testing hook
}

// NewManager creates a new manager that executes jobs from q with the
// given processor. Pass options to configure it; the manager is idle
// until Start is called.
func NewManager(q *Queue, process Processor, options ...ManagerOption) *Manager {
	m := &Manager{
		logger:             q.logger,
		q:                  q,
		process:            process,
		concurrency:        defaultConcurrency,
		interval:           defaultPollInterval,
		testManagerStarted: nop,
		testManagerStopped: nop,
		testJobProcessed:   nop,
		testJobsReclaimed:  nop,
	}
	for _, opt := range options {
		opt(m)
	}
	return m
}

// ManagerOption is the signature of an options provider.
type ManagerOption func(*Manager)

// SetManagerLogger specifies the logger the manager reports errors to.
// By default the manager logs through the queue's logger.
func SetManagerLogger(logger Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// SetConcurrency sets the maximum number of workers that will be run at
// the same time. Concurrency must be greater or equal to 1 and is 5 by
// default.
func SetConcurrency(n int) ManagerOption {
	return func(m *Manager) {
		if n < 1 {
			n = 1
		}
		m.concurrency = n
	}
}

// SetPollInterval sets how long an idle worker waits before asking the
// store for work again.
func SetPollInterval(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.interval = d
		}
	}
}

// SetReclaimAfter enables the stale-claim sweeper: jobs that have been
// Active for longer than age are periodically returned to Waiting.
// Pick an age comfortably above the longest legitimate job runtime.
// Sweeping is disabled by default.
func SetReclaimAfter(age time.Duration) ManagerOption {
	return func(m *Manager) {
		m.reclaim = age
	}
}

// -- Start and Stop --

// Start runs the manager. Use Stop, Close, or CloseWithTimeout to stop it.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return errors.New("sqlq: manager already started")
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel

	m.workers = make([]*worker, m.concurrency)
	for i := 0; i < m.concurrency; i++ {
		m.workersWg.Add(1)
		m.workers[i] = newWorker(ctx, m, i)
	}
	if m.reclaim > 0 {
		m.workersWg.Add(1)
		go m.sweep(ctx)
	}

	m.started = true

	m.testManagerStarted() // testing hook

	return nil
}

// Stop stops the manager. It waits for working jobs to finish.
func (m *Manager) Stop() error {
	return m.Close()
}

// Close is an alias to Stop. It stops the manager and waits for working
// jobs to finish.
func (m *Manager) Close() error {
	return m.CloseWithTimeout(-1 * time.Second)
}

// CloseWithTimeout stops the manager. It waits for the specified timeout,
// then closes down, even if there are still jobs working. If the timeout
// is negative, the manager waits forever for all working jobs to end.
func (m *Manager) CloseWithTimeout(timeout time.Duration) error {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return nil
	}
	m.cancel()
	m.mu.Unlock()

	// Wait for all workers to complete?
	if timeout.Nanoseconds() < 0 {
		// Yes: Wait forever
		m.workersWg.Wait()
		m.finishClose()
		return nil
	}

	// Wait with timeout
	complete := make(chan struct{}, 1)
	go func() {
		m.workersWg.Wait()
		close(complete)
	}()
	var err error
	select {
	case <-complete: // Completed in time
	case <-time.After(timeout):
		err = errors.New("sqlq: close timed out")
	}
	m.finishClose()
	return err
}

func (m *Manager) finishClose() {
	m.mu.Lock()
	m.started = false
	m.workers = nil
	m.mu.Unlock()
	m.testManagerStopped() // testing hook
}

// -- Sweeper --

// sweep periodically returns stale active jobs to Waiting.
func (m *Manager) sweep(ctx context.Context) {
	defer m.workersWg.Done()
	t := time.NewTicker(m.reclaim)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			n, err := m.q.ReclaimStale(ctx, m.reclaim)
			if err != nil {
				m.logger.Printf("sqlq: error reclaiming stale jobs: %v", err)
				continue
			}
			if n > 0 {
				m.logger.Printf("sqlq: reclaimed %d stale job(s)", n)
				m.testJobsReclaimed() // testing hook
			}
		case <-ctx.Done():
			return
		}
	}
}
