// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	defaultQueueCapacity   = 1000
	defaultCleanupInterval = 5 * time.Minute
	defaultJobRetention    = 24 * time.Hour
)

var (
	// ErrQueueFull is returned by Submit when the target queue is at
	// capacity. The job has not been persisted; the caller may retry.
	ErrQueueFull = errors.New("taskqueue: queue is full")
)

func nop() {}

// Manager is the engine. It owns the worker pool, the priority and
// sequential queues, the retry machinery, and the dead letter queue.
// Create a new manager via New.
type Manager struct {
	logger   Logger
	st       Store // persistent storage
	registry *Registry
	retry    *RetryManager
	dlq      *DeadLetterQueue
	sched    *retryScheduler
	results  *resultSink
	breakers *BreakerSet

	queueCapacity     int
	resultTTLMs       int64
	retryScanInterval time.Duration
	cleanupInterval   time.Duration
	jobRetention      time.Duration

	mu          sync.Mutex // guards the following block
	queue       *jobHeap   // parallel jobs waiting for a worker
	seq         *sequentialQueue
	concurrency int // number of parallel workers
	working     int // number of busy parallel workers
	started     bool
	workers     []*worker
	stopSched   chan struct{} // stop signal for the dispatch loop
	stopSeq     chan struct{} // stop signal for the sequential worker
	stopCleanup chan struct{} // stop signal for the cleanup loop
	workersWg   sync.WaitGroup
	jobc        chan *Job
	schedc      chan struct{} // nudges the dispatch loop after Submit

	testManagerStarted   func() // testing hook
	testManagerStopped   func() // testing hook
	testSchedulerStarted func() // testing hook
	testSchedulerStopped func() // testing hook
	testJobAdded         func() // testing hook
	testJobScheduled     func() // testing hook
	testJobStarted       func() // testing hook
	testJobRetry         func() // testing hook
	testJobFailed        func() // testing hook
	testJobSucceeded     func() // testing hook
	testJobDeadLettered  func() // testing hook
}

// New creates a new manager. Pass options to New to configure it.
func New(options ...ManagerOption) *Manager {
	m := &Manager{
		logger:               stdLogger{},
		st:                   NewInMemoryStore(),
		registry:             NewRegistry(),
		breakers:             NewBreakerSet(ExternalAPIConfig()),
		queueCapacity:        defaultQueueCapacity,
		resultTTLMs:          defaultResultTTLMs,
		retryScanInterval:    defaultRetryScanInterval,
		cleanupInterval:      defaultCleanupInterval,
		jobRetention:         defaultJobRetention,
		concurrency:          runtime.NumCPU(),
		queue:                &jobHeap{},
		testManagerStarted:   nop,
		testManagerStopped:   nop,
		testSchedulerStarted: nop,
		testSchedulerStopped: nop,
		testJobAdded:         nop,
		testJobScheduled:     nop,
		testJobStarted:       nop,
		testJobRetry:         nop,
		testJobFailed:        nop,
		testJobSucceeded:     nop,
		testJobDeadLettered:  nop,
	}
	for _, opt := range options {
		opt(m)
	}
	m.seq = newSequentialQueue(m.queueCapacity)
	m.retry = NewRetryManager(m.st, m.logger)
	m.results = newResultSink(m.st, m.resultTTLMs)
	m.dlq = NewDeadLetterQueue(m.st, m.registry, m.logger, m.Submit)
	m.sched = newRetryScheduler(m.st, m.logger, m.dlq, m.requeue, m.retryScanInterval)
	return m
}

// -- Configuration --

// ManagerOption is the signature of an options provider.
type ManagerOption func(*Manager)

// SetLogger specifies the logger to use when e.g. reporting errors.
func SetLogger(logger Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// SetStore specifies the backing Store implementation for the manager.
func SetStore(store Store) ManagerOption {
	return func(m *Manager) {
		m.st = store
	}
}

// SetConcurrency sets the number of parallel workers. It must be
// greater or equal to 1 and defaults to the number of CPUs.
func SetConcurrency(n int) ManagerOption {
	return func(m *Manager) {
		if n < 1 {
			n = 1
		}
		m.concurrency = n
	}
}

// SetQueueCapacity bounds the number of jobs waiting in each queue.
// Submit returns ErrQueueFull beyond that. Defaults to 1000.
func SetQueueCapacity(n int) ManagerOption {
	return func(m *Manager) {
		if n < 1 {
			n = 1
		}
		m.queueCapacity = n
	}
}

// SetRetryScanInterval sets how often the retry scheduler scans for
// due retries. Defaults to 30 seconds.
func SetRetryScanInterval(d time.Duration) ManagerOption {
	return func(m *Manager) {
		m.retryScanInterval = d
	}
}

// SetResultTTL sets how long job results are kept. Defaults to 1 hour.
func SetResultTTL(d time.Duration) ManagerOption {
	return func(m *Manager) {
		m.resultTTLMs = d.Milliseconds()
	}
}

// SetJobRetention sets how long finished jobs are kept before the
// cleanup loop removes them. Defaults to 24 hours.
func SetJobRetention(d time.Duration) ManagerOption {
	return func(m *Manager) {
		m.jobRetention = d
	}
}

// SetBreakerDefaults sets the config used for circuit breakers that
// are requested by name without an explicit config.
func SetBreakerDefaults(config BreakerConfig) ManagerOption {
	return func(m *Manager) {
		m.breakers = NewBreakerSet(config)
	}
}

// Register registers a factory for the given job type. Jobs of
// unregistered types are rejected by Submit.
func (m *Manager) Register(jobType string, f Factory) error {
	return m.registry.Register(jobType, f)
}

// Registry returns the manager's job type registry.
func (m *Manager) Registry() *Registry { return m.registry }

// DLQ returns the manager's dead letter queue.
func (m *Manager) DLQ() *DeadLetterQueue { return m.dlq }

// Breakers returns the manager's circuit breaker set. Tasks fetch
// breakers by name from here so that all jobs hitting the same
// downstream share one breaker.
func (m *Manager) Breakers() *BreakerSet { return m.breakers }

// -- Start and Stop --

// Start runs the manager. Use Stop, Close, or CloseWithTimeout to stop it.
//
// Jobs that were Pending or Processing when the previous process died
// are reloaded from the store and enqueued again.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return errors.New("taskqueue: manager already started")
	}

	// Initialize Store
	if err := m.st.Start(ctx); err != nil {
		return err
	}

	if err := m.recoverJobs(ctx); err != nil {
		return err
	}

	m.jobc = make(chan *Job, m.concurrency)
	m.schedc = make(chan struct{}, 1)
	m.workers = make([]*worker, m.concurrency)
	for i := 0; i < m.concurrency; i++ {
		m.workersWg.Add(1)
		m.workers[i] = newWorker(m, m.jobc)
	}

	m.stopSeq = make(chan struct{})
	go m.seq.run(m.process, m.stopSeq)

	m.stopSched = make(chan struct{})
	go m.schedule()

	go m.sched.run()

	m.stopCleanup = make(chan struct{})
	go m.cleanupLoop()

	m.started = true

	m.testManagerStarted() // testing hook

	return nil
}

// recoverJobs reloads jobs that were live when the previous process
// died. Jobs found in Processing state are executed again; tasks are
// required to tolerate that. Callers must hold the mutex.
func (m *Manager) recoverJobs(ctx context.Context) error {
	jobs, err := m.st.PendingJobs(ctx)
	if err != nil {
		return err
	}
	for _, job := range jobs {
		if job.Status == Processing {
			if err := m.st.SetJobStatus(ctx, job.ID, Pending); err != nil {
				return err
			}
			job.Status = Pending
		}
		if job.Mode == Sequential {
			if !m.seq.enqueue(job) {
				m.logger.Printf("taskqueue: sequential queue full, recovered job %s stays pending", job.ID)
			}
		} else {
			m.queue.push(job)
		}
	}
	if len(jobs) > 0 {
		m.logger.Printf("taskqueue: recovered %d unfinished jobs", len(jobs))
	}
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
//
// Jobs still waiting in a queue are not lost: they are persisted as
// Pending and reloaded on the next Start.
func (m *Manager) CloseWithTimeout(timeout time.Duration) error {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	// Stop accepting and dispatching new jobs
	m.stopSched <- struct{}{}
	<-m.stopSched
	close(m.stopSched)

	m.sched.stop <- struct{}{}
	<-m.sched.stop

	m.stopCleanup <- struct{}{}
	<-m.stopCleanup

	// The handshake returns once the sequential worker is idle.
	m.stopSeq <- struct{}{}
	<-m.stopSeq

	close(m.jobc)

	// Wait for all workers to complete?
	if timeout.Nanoseconds() < 0 {
		// Yes: Wait forever
		m.workersWg.Wait()
		m.mu.Lock()
		m.started = false
		m.mu.Unlock()
		m.testManagerStopped() // testing hook
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
		err = errors.New("taskqueue: close timed out")
	}

	m.mu.Lock()
	m.started = false
	m.mu.Unlock()
	m.testManagerStopped() // testing hook
	return err
}

// -- Submit --

// Submit gives the manager a new job to execute and returns its
// assigned identifier. If Submit returns nil, the caller can be sure
// the job is persisted in the backing store.
//
// Zero fields are filled with defaults: priority 5, 3 retries, a 30
// second timeout, and parallel execution.
func (m *Manager) Submit(ctx context.Context, job *Job) (string, error) {
	if job.Type == "" {
		return "", errors.New("taskqueue: no job type specified")
	}
	if !m.registry.IsRegistered(job.Type) {
		return "", fmt.Errorf("taskqueue: job type %s not registered", job.Type)
	}
	if job.Priority == 0 {
		job.Priority = defaultPriority
	}
	if job.MaxRetries == 0 {
		job.MaxRetries = defaultMaxRetries
	}
	if job.TimeoutMs == 0 {
		job.TimeoutMs = defaultTimeoutMs
	}
	switch job.Mode {
	case "":
		job.Mode = Parallel
	case Parallel, Sequential:
	default:
		return "", fmt.Errorf("taskqueue: invalid execution mode %q", job.Mode)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Capacity check before the job is persisted, so a rejected job
	// leaves no trace.
	if job.Mode == Sequential {
		if len(m.seq.c) >= m.queueCapacity {
			return "", ErrQueueFull
		}
	} else {
		if m.queue.Len() >= m.queueCapacity {
			return "", ErrQueueFull
		}
	}

	job.ID = uuid.New().String()
	job.Status = Pending
	// CurrentRetries is left as given: it is zero for fresh jobs, and a
	// dead letter replay may seed it with the attempts already spent.
	job.CreatedAt = time.Now().UnixNano() / int64(time.Millisecond)

	if err := m.st.CreateJob(ctx, job); err != nil {
		return "", err
	}

	if job.Mode == Sequential {
		m.seq.enqueue(job)
	} else {
		m.queue.push(job)
		m.kickScheduler()
	}

	m.testJobAdded() // testing hook
	return job.ID, nil
}

// requeue moves a due retry back into its queue. Used by the retry
// scheduler; the capacity check keeps a full queue from swallowing
// parked retries, they stay RetryScheduled until there is room.
func (m *Manager) requeue(ctx context.Context, job *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if job.Mode == Sequential {
		if len(m.seq.c) >= m.queueCapacity {
			return ErrQueueFull
		}
	} else {
		if m.queue.Len() >= m.queueCapacity {
			return ErrQueueFull
		}
	}

	now := time.Now().UnixNano() / int64(time.Millisecond)
	if err := m.st.ResetJobForRetry(ctx, job.ID, now); err != nil {
		return err
	}
	job.Status = Pending
	job.NextRetryAt = 0
	job.RetryBackoffMs = 0

	if job.Mode == Sequential {
		m.seq.enqueue(job)
	} else {
		m.queue.push(job)
		m.kickScheduler()
	}
	return nil
}

// kickScheduler nudges the dispatch loop so freshly submitted jobs do
// not wait for the next tick. Callers must hold the mutex.
func (m *Manager) kickScheduler() {
	if m.schedc == nil {
		return
	}
	select {
	case m.schedc <- struct{}{}:
	default:
	}
}

// -- Stats and Lookup --

// Status returns the job with the specified identifier.
// If no such job exists, ErrNotFound is returned.
func (m *Manager) Status(ctx context.Context, id string) (*Job, error) {
	return m.st.LookupJob(ctx, id)
}

// Result returns the unexpired result of a finished job.
// If no such result exists, ErrNotFound is returned.
func (m *Manager) Result(ctx context.Context, jobID string) (*JobResult, error) {
	return m.results.Lookup(ctx, jobID)
}

// Stats returns current statistics about the engine.
func (m *Manager) Stats(ctx context.Context) (*Stats, error) {
	counts, err := m.st.JobCounts(ctx)
	if err != nil {
		return nil, err
	}
	scans, requeued, deadLettered := m.sched.counters()

	m.mu.Lock()
	s := &Stats{
		Jobs:                counts,
		Concurrency:         m.concurrency,
		BusyWorkers:         m.working,
		ParallelQueue:       m.queue.Len(),
		SequentialSize:      m.seq.size(),
		RetryScans:          scans,
		RetriesRequeued:     requeued,
		RetriesDeadLettered: deadLettered,
	}
	m.mu.Unlock()

	s.Breakers = m.breakers.Stats()
	return s, nil
}

// ProcessRetriesNow runs a retry scan immediately instead of waiting
// for the next scheduled one. It returns the number of jobs requeued.
func (m *Manager) ProcessRetriesNow(ctx context.Context) (int, error) {
	return m.sched.scan(ctx)
}

// -- Dispatch --

// schedule periodically picks up waiting jobs and passes them to idle workers.
func (m *Manager) schedule() {
	m.testSchedulerStarted()       // testing hook
	defer m.testSchedulerStopped() // testing hook

	t := time.NewTicker(1 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			m.fillWorkers()
		case <-m.schedc:
			m.fillWorkers()
		case <-m.stopSched:
			m.stopSched <- struct{}{}
			return
		}
	}
}

// fillWorkers hands queued jobs to idle worker slots, most urgent
// first.
func (m *Manager) fillWorkers() {
	for {
		m.mu.Lock()
		if m.working >= m.concurrency {
			// All workers busy
			m.mu.Unlock()
			return
		}
		job := m.queue.pop()
		if job == nil {
			m.mu.Unlock()
			return
		}
		m.working++
		m.mu.Unlock()
		m.testJobScheduled() // testing hook
		m.jobc <- job
	}
}

// -- Cleanup --

// cleanupLoop periodically removes expired results and old finished
// jobs so the store does not grow without bound.
func (m *Manager) cleanupLoop() {
	t := time.NewTicker(m.cleanupInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			m.cleanup(context.Background())
		case <-m.stopCleanup:
			m.stopCleanup <- struct{}{}
			return
		}
	}
}

func (m *Manager) cleanup(ctx context.Context) {
	now := time.Now().UnixNano() / int64(time.Millisecond)
	cutoff := now - m.jobRetention.Milliseconds()

	if n, err := m.st.DeleteFinishedJobsBefore(ctx, cutoff); err != nil {
		m.logger.Printf("taskqueue: cleanup of finished jobs failed: %v", err)
	} else if n > 0 {
		m.logger.Printf("taskqueue: cleanup removed %d finished jobs", n)
	}

	if n, err := m.st.DeleteExpiredResults(ctx, now); err != nil {
		m.logger.Printf("taskqueue: cleanup of expired results failed: %v", err)
	} else if n > 0 {
		m.logger.Printf("taskqueue: cleanup removed %d expired results", n)
	}
}
