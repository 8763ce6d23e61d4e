// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package taskqueue

import "context"

// JobStatus is the lifecycle state of a job. A job has exactly one
// status at a time; transitions are driven by the owning queue worker
// or the retry scheduler, never by both concurrently.
type JobStatus string

const (
	// Pending jobs are persisted and waiting to be picked up.
	Pending JobStatus = "PENDING"
	// Processing jobs are currently being executed by a worker.
	Processing JobStatus = "PROCESSING"
	// Completed jobs finished without error.
	Completed JobStatus = "COMPLETED"
	// Failed jobs failed permanently, either through a permanent error
	// or by exhausting their retry budget.
	Failed JobStatus = "FAILED"
	// Timeout is a terminal state for jobs whose final failure was a
	// deadline violation.
	Timeout JobStatus = "TIMEOUT"
	// RetryScheduled jobs failed with a transient error and wait for
	// their backoff delay to elapse. They are not in any live queue.
	RetryScheduled JobStatus = "RETRY_SCHEDULED"
	// DeadLetter jobs have been moved into the dead letter queue.
	DeadLetter JobStatus = "DEAD_LETTER"
)

// ExecutionMode determines which queue a job is routed to.
type ExecutionMode string

const (
	// Parallel jobs run concurrently on the worker pool (default).
	Parallel ExecutionMode = "PARALLEL"
	// Sequential jobs run strictly one at a time in FIFO order.
	Sequential ExecutionMode = "SEQUENTIAL"
)

// Payload carries everything a job needs to execute. Values must be
// JSON-serializable since payloads are persisted as JSON.
type Payload map[string]interface{}

// Job is a self-contained unit of background work.
//
// A job is immutable once persisted, except for the retry bookkeeping
// fields (CurrentRetries, RetryBackoffMs, NextRetryAt, LastRetryAt,
// ErrorMessage) which are owned exclusively by the retry manager and
// the retry scheduler.
type Job struct {
	ID         string        `json:"id"`          // internal identifier, assigned by Submit
	Type       string        `json:"type"`        // key into the registry
	Priority   int           `json:"priority"`    // lower numbers are dequeued first
	MaxRetries int           `json:"max_retries"` // retry budget for transient failures
	TimeoutMs  int64         `json:"timeout_ms"`  // execution deadline in milliseconds
	Mode       ExecutionMode `json:"execution_mode"`
	Payload    Payload       `json:"payload"`
	ClientID   string        `json:"client_id,omitempty"` // optional provenance
	UserID     int64         `json:"user_id,omitempty"`   // optional provenance

	Status         JobStatus `json:"status"`
	CurrentRetries int       `json:"current_retries"`
	RetryBackoffMs int64     `json:"retry_backoff_ms"`
	NextRetryAt    int64     `json:"next_retry_at"` // epoch ms; meaningful only while RETRY_SCHEDULED
	LastRetryAt    int64     `json:"last_retry_at"`
	ErrorMessage   string    `json:"error_message,omitempty"`

	CreatedAt   int64 `json:"created_at"` // epoch ms
	StartedAt   int64 `json:"started_at"`
	CompletedAt int64 `json:"completed_at"`
}

// Task is the executable side of a job. Implementations are built by
// a Factory from a persisted payload and must be safely repeatable:
// after a crash a job in Processing state is executed again.
type Task interface {
	Execute(ctx context.Context) error
}

// TaskFunc adapts a plain function to the Task interface.
type TaskFunc func(ctx context.Context) error

// Execute calls f(ctx).
func (f TaskFunc) Execute(ctx context.Context) error { return f(ctx) }

// Defaults applied by Submit when the caller leaves fields zero.
const (
	defaultPriority   = 5
	defaultMaxRetries = 3
	defaultTimeoutMs  = 30000
)
