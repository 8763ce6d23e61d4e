package taskqueue

import (
	"context"
	"errors"
	"time"
)

// worker is a single instance processing parallel jobs.
type worker struct {
	m    *Manager
	jobc <-chan *Job
}

// newWorker creates a new worker. It spins up a new goroutine that waits
// on jobc for new jobs to process.
func newWorker(m *Manager, jobc <-chan *Job) *worker {
	w := &worker{m: m, jobc: jobc}
	go w.run()
	return w
}

// run is the main goroutine in the worker. It listens for new jobs, then
// calls process.
func (w *worker) run() {
	defer w.m.workersWg.Done()
	for job := range w.jobc {
		w.m.process(job)
		w.m.mu.Lock()
		w.m.working--
		w.m.kickScheduler()
		w.m.mu.Unlock()
	}
}

// ResultProducer is an optional interface for tasks that produce data
// beyond success or failure. The data is stored with the job result.
type ResultProducer interface {
	Result() Payload
}

// process runs a single job through its full lifecycle: build the
// task, execute it under its deadline, then record the outcome. It is
// shared by the parallel workers and the sequential worker.
func (m *Manager) process(job *Job) {
	ctx := context.Background()

	now := time.Now().UnixNano() / int64(time.Millisecond)
	if err := m.st.SetJobStarted(ctx, job.ID, now); err != nil {
		m.logger.Printf("taskqueue: failed to mark job %s started: %v", job.ID, err)
	}
	job.Status = Processing
	job.StartedAt = now

	m.testJobStarted() // testing hook

	task, err := m.registry.Build(job.Type, job.Payload)
	if err != nil {
		// No factory or a factory rejection. Both are permanent; the
		// payload will not get better by retrying.
		m.fail(ctx, job, Failed, "Permanent failure - task construction failed: "+err.Error())
		return
	}

	execCtx, cancel := context.WithTimeout(ctx, time.Duration(job.TimeoutMs)*time.Millisecond)
	err = task.Execute(execCtx)
	cancel()

	if err == nil {
		m.succeed(ctx, job, task)
		return
	}
	m.handleFailure(ctx, job, err)
}

// succeed records a completed job and its result.
func (m *Manager) succeed(ctx context.Context, job *Job, task Task) {
	now := time.Now().UnixNano() / int64(time.Millisecond)
	if err := m.st.SetJobCompleted(ctx, job.ID, now); err != nil {
		m.logger.Printf("taskqueue: failed to mark job %s completed: %v", job.ID, err)
	}
	job.Status = Completed
	job.CompletedAt = now

	var data Payload
	if rp, ok := task.(ResultProducer); ok {
		data = rp.Result()
	}
	if err := m.results.StoreSuccess(ctx, job, data); err != nil {
		m.logger.Printf("taskqueue: failed to store result for job %s: %v", job.ID, err)
	}
	m.testJobSucceeded() // testing hook
}

// handleFailure classifies a failed execution and either schedules a
// retry or fails the job permanently.
func (m *Manager) handleFailure(ctx context.Context, job *Job, cause error) {
	m.logger.Printf("taskqueue: job %s (%s) failed: %v", job.ID, job.Type, cause)

	c := m.retry.Decide(job, cause)
	if c.ShouldRetry {
		if err := m.retry.ScheduleRetry(ctx, job, c, cause); err != nil {
			m.logger.Printf("taskqueue: failed to schedule retry for job %s: %v", job.ID, err)
		}
		m.testJobRetry() // testing hook
		return
	}

	status := Failed
	if errors.Is(cause, context.DeadlineExceeded) {
		status = Timeout
	}
	m.fail(ctx, job, status, c.Reason+": "+cause.Error())
}

// fail marks a job permanently failed, stores its error result, and
// archives it in the dead letter queue.
func (m *Manager) fail(ctx context.Context, job *Job, status JobStatus, reason string) {
	if err := m.retry.MarkPermanentlyFailed(ctx, job, status, reason); err != nil {
		m.logger.Printf("taskqueue: failed to mark job %s failed: %v", job.ID, err)
	}
	if err := m.results.StoreError(ctx, job, reason); err != nil {
		m.logger.Printf("taskqueue: failed to store result for job %s: %v", job.ID, err)
	}
	m.testJobFailed() // testing hook

	if _, err := m.dlq.Move(ctx, job, reason); err != nil {
		m.logger.Printf("taskqueue: failed to dead letter job %s: %v", job.ID, err)
		return
	}
	m.testJobDeadLettered() // testing hook
}
