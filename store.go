// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package taskqueue

import (
	"context"
	"errors"
)

var (
	// ErrNotFound must be returned from Store implementations when a
	// job, result, or dead letter entry does not exist.
	ErrNotFound = errors.New("taskqueue: not found")
)

// Store implements persistent storage of jobs, job results, and dead
// letter entries. The persisted job row is the single source of truth
// for job state; the in-memory queues only hold work that is live.
//
// A single manager instance is assumed to own the jobs in a store.
// Running two managers against the same database requires claim/lease
// semantics that this interface does not provide.
type Store interface {
	// Start is called when the manager starts up, before pending jobs
	// are reloaded. Implementations may use it to create schemas or
	// run cleanup.
	Start(ctx context.Context) error

	// -- Jobs --

	// CreateJob adds a new job row with status Pending.
	CreateJob(ctx context.Context, job *Job) error

	// UpdateJob replaces the stored row for job.ID.
	UpdateJob(ctx context.Context, job *Job) error

	// LookupJob returns a job by its identifier, or ErrNotFound.
	LookupJob(ctx context.Context, id string) (*Job, error)

	// SetJobStarted transitions a job to Processing and records the
	// start time.
	SetJobStarted(ctx context.Context, id string, startedAt int64) error

	// SetJobCompleted transitions a job to Completed and records the
	// completion time.
	SetJobCompleted(ctx context.Context, id string, completedAt int64) error

	// ScheduleJobRetry transitions a job to RetryScheduled, increments
	// its retry counter, and records the backoff bookkeeping. It does
	// not re-enqueue the job; only the retry scheduler does that.
	ScheduleJobRetry(ctx context.Context, id string, backoffMs, nextRetryAt, lastRetryAt int64, errorMessage string) error

	// MarkJobFailed transitions a job to a terminal failure status
	// (Failed or Timeout) with a completion time and error message.
	MarkJobFailed(ctx context.Context, id string, status JobStatus, completedAt int64, errorMessage string) error

	// ResetJobForRetry transitions a RetryScheduled job back to Pending
	// and clears the transient retry fields. The retry counter is kept.
	ResetJobForRetry(ctx context.Context, id string, lastRetryAt int64) error

	// SetJobStatus sets the status only. Used to park jobs in the
	// DeadLetter state.
	SetJobStatus(ctx context.Context, id string, status JobStatus) error

	// PendingJobs returns all jobs in status Pending or Processing,
	// ordered by (priority, created_at). Used for crash recovery.
	PendingJobs(ctx context.Context) ([]*Job, error)

	// DueRetries returns up to limit jobs in status RetryScheduled
	// whose next_retry_at is <= now, ordered by next_retry_at.
	DueRetries(ctx context.Context, now int64, limit int) ([]*Job, error)

	// JobCounts returns the number of jobs per status.
	JobCounts(ctx context.Context) (map[JobStatus]int, error)

	// DeleteFinishedJobsBefore removes Completed/Failed/Timeout jobs
	// whose completion time is older than cutoff. Returns the number
	// of rows removed.
	DeleteFinishedJobsBefore(ctx context.Context, cutoff int64) (int, error)

	// -- Job results --

	// CreateResult stores the result of a completed job. There is at
	// most one result per job; a second write replaces the first.
	CreateResult(ctx context.Context, result *JobResult) error

	// LookupResult returns the unexpired result for a job, or
	// ErrNotFound.
	LookupResult(ctx context.Context, jobID string, now int64) (*JobResult, error)

	// DeleteExpiredResults removes results whose expires_at is older
	// than now. Returns the number of rows removed.
	DeleteExpiredResults(ctx context.Context, now int64) (int, error)

	// -- Dead letter queue --

	// CreateDLQEntry appends an entry to the dead letter queue.
	CreateDLQEntry(ctx context.Context, entry *DLQEntry) error

	// LookupDLQEntry returns an entry by its identifier, or ErrNotFound.
	LookupDLQEntry(ctx context.Context, id string) (*DLQEntry, error)

	// ListDLQEntries returns entries matching the filter, newest
	// failures first.
	ListDLQEntries(ctx context.Context, filter DLQFilter) ([]*DLQEntry, error)

	// ConsumeDLQEntry flips can_be_retried to false after a manual
	// replay. This is the only mutation an entry ever sees.
	ConsumeDLQEntry(ctx context.Context, id string) error

	// DLQStats returns statistics about the dead letter queue.
	DLQStats(ctx context.Context) (*DLQStats, error)

	// DeleteDLQEntriesBefore removes non-retryable entries whose
	// failed_at is older than cutoff. Retryable entries are never
	// deleted. Returns the number of rows removed.
	DeleteDLQEntriesBefore(ctx context.Context, cutoff int64) (int, error)
}

// DLQFilter narrows ListDLQEntries.
type DLQFilter struct {
	JobType      string // filter by job type ("" for all)
	CanBeRetried *bool  // filter by retryability (nil for all)
	Limit        int    // maximum number of entries (0 for all)
}

// DLQStats summarizes the dead letter queue.
type DLQStats struct {
	TotalEntries     int            `json:"totalEntries"`
	RetryableEntries int            `json:"retryableEntries"`
	EntriesByType    map[string]int `json:"entriesByType"`
	OldestEntry      int64          `json:"oldestEntryTimestamp,omitempty"` // epoch ms, 0 when empty
}
