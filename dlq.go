// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotRetryable is returned when a manual replay is attempted on
	// an entry that is permanently parked or was already replayed.
	ErrNotRetryable = errors.New("taskqueue: dead letter entry is not retryable")
)

// RetryAttempt is one entry in a dead letter entry's retry history.
type RetryAttempt struct {
	Attempt      int    `json:"attempt"`
	ErrorMessage string `json:"error_message,omitempty"`
	At           int64  `json:"at,omitempty"` // epoch ms
}

// DLQEntry is a snapshot of a job at the moment it failed permanently.
// Entries are immutable except for the CanBeRetried flag, which flips
// to false exactly once, after a successful manual replay.
type DLQEntry struct {
	ID            string         `json:"id"`     // entry identifier, not the job's
	JobID         string         `json:"job_id"` // the failed job
	JobType       string         `json:"job_type"`
	Payload       Payload        `json:"payload"`
	Priority      int            `json:"priority"`
	MaxRetries    int            `json:"max_retries"`
	TimeoutMs     int64          `json:"timeout_ms"`
	Mode          ExecutionMode  `json:"execution_mode"`
	ClientID      string         `json:"client_id,omitempty"`
	UserID        int64          `json:"user_id,omitempty"`
	FailureReason string         `json:"failure_reason"`
	RetryHistory  []RetryAttempt `json:"retry_history,omitempty"`
	FailedAt      int64          `json:"failed_at"` // epoch ms
	CanBeRetried  bool           `json:"can_be_retried"`
}

// DeadLetterQueue archives permanently failed jobs and supports
// manual, single-use replay of entries whose failure might have been
// situational.
type DeadLetterQueue struct {
	store    Store
	registry *Registry
	logger   Logger
	submit   func(ctx context.Context, job *Job) (string, error)
}

// NewDeadLetterQueue creates a dead letter queue. submit is the path
// replayed entries take back into the engine; the manager wires its
// own Submit here.
func NewDeadLetterQueue(store Store, registry *Registry, logger Logger, submit func(ctx context.Context, job *Job) (string, error)) *DeadLetterQueue {
	if logger == nil {
		logger = nopLogger{}
	}
	return &DeadLetterQueue{
		store:    store,
		registry: registry,
		logger:   logger,
		submit:   submit,
	}
}

// Move archives a permanently failed job. The job row is parked in the
// DeadLetter status and a snapshot entry is appended to the queue.
//
// Entries whose failure reason points at bad input or auth problems
// are marked non-retryable up front: replaying them would fail the
// same way.
func (q *DeadLetterQueue) Move(ctx context.Context, job *Job, reason string) (*DLQEntry, error) {
	now := time.Now().UnixNano() / int64(time.Millisecond)
	entry := &DLQEntry{
		ID:            uuid.New().String(),
		JobID:         job.ID,
		JobType:       job.Type,
		Payload:       job.Payload,
		Priority:      job.Priority,
		MaxRetries:    job.MaxRetries,
		TimeoutMs:     job.TimeoutMs,
		Mode:          job.Mode,
		ClientID:      job.ClientID,
		UserID:        job.UserID,
		FailureReason: reason,
		RetryHistory:  syntheticHistory(job),
		FailedAt:      now,
		CanBeRetried:  retryableReason(reason),
	}
	if err := q.store.CreateDLQEntry(ctx, entry); err != nil {
		return nil, err
	}
	if err := q.store.SetJobStatus(ctx, job.ID, DeadLetter); err != nil {
		return nil, err
	}
	job.Status = DeadLetter
	q.logger.Printf("taskqueue: job %s (%s) moved to dead letter queue: %s", job.ID, job.Type, reason)
	return entry, nil
}

// syntheticHistory reconstructs the retry history from the job's
// bookkeeping fields. Only the last error message survives on the job
// row, so earlier attempts get a placeholder.
func syntheticHistory(job *Job) []RetryAttempt {
	if job.CurrentRetries == 0 {
		return nil
	}
	history := make([]RetryAttempt, 0, job.CurrentRetries)
	for i := 1; i <= job.CurrentRetries; i++ {
		attempt := RetryAttempt{
			Attempt:      i,
			ErrorMessage: fmt.Sprintf("Retry attempt %d", i),
		}
		if i == job.CurrentRetries {
			attempt.ErrorMessage = job.ErrorMessage
			attempt.At = job.LastRetryAt
		}
		history = append(history, attempt)
	}
	return history
}

// retryableReason decides whether a replay could plausibly succeed.
func retryableReason(reason string) bool {
	r := strings.ToLower(reason)
	return !containsAny(r, "permanent", "validation", "authentication", "authorization")
}

// ManualRetry replays a dead letter entry as a brand-new job. The new
// job gets a fresh identifier; it shares the payload and routing
// parameters with the original. resetRetryCount controls the retry
// budget: true starts the new job with zero attempts, false carries
// over the attempts the original job already spent.
//
// An entry can be replayed at most once: on successful submission the
// CanBeRetried flag is consumed. If the job type is no longer
// registered the replay fails without consuming the entry, so it can
// be retried after the type is registered again.
func (q *DeadLetterQueue) ManualRetry(ctx context.Context, entryID string, resetRetryCount bool) (string, error) {
	entry, err := q.store.LookupDLQEntry(ctx, entryID)
	if err != nil {
		return "", err
	}
	if !entry.CanBeRetried {
		return "", ErrNotRetryable
	}
	if !q.registry.IsRegistered(entry.JobType) {
		return "", fmt.Errorf("taskqueue: cannot replay entry %s: job type %s is not registered", entryID, entry.JobType)
	}

	job := &Job{
		Type:       entry.JobType,
		Priority:   entry.Priority,
		MaxRetries: entry.MaxRetries,
		TimeoutMs:  entry.TimeoutMs,
		Mode:       entry.Mode,
		Payload:    entry.Payload,
		ClientID:   entry.ClientID,
		UserID:     entry.UserID,
	}
	if !resetRetryCount {
		job.CurrentRetries = len(entry.RetryHistory)
	}
	newID, err := q.submit(ctx, job)
	if err != nil {
		return "", err
	}
	if err := q.store.ConsumeDLQEntry(ctx, entryID); err != nil {
		// The replay is already in flight; log and report the entry as
		// consumed anyway so callers do not replay it a second time.
		q.logger.Printf("taskqueue: replayed entry %s as job %s but failed to consume it: %v", entryID, newID, err)
	}
	q.logger.Printf("taskqueue: dead letter entry %s replayed as job %s", entryID, newID)
	return newID, nil
}

// BatchRetryResult is the per-entry outcome of a batch replay.
type BatchRetryResult struct {
	NewJobID string `json:"newJobId,omitempty"`
	Error    string `json:"error,omitempty"`
}

// BatchRetry replays several entries, continuing past individual
// failures. The result maps each entry id to its outcome.
func (q *DeadLetterQueue) BatchRetry(ctx context.Context, entryIDs []string, resetRetryCount bool) map[string]BatchRetryResult {
	results := make(map[string]BatchRetryResult, len(entryIDs))
	for _, id := range entryIDs {
		newID, err := q.ManualRetry(ctx, id, resetRetryCount)
		if err != nil {
			results[id] = BatchRetryResult{Error: err.Error()}
			continue
		}
		results[id] = BatchRetryResult{NewJobID: newID}
	}
	return results
}

// Entries lists dead letter entries matching the filter, newest
// failures first.
func (q *DeadLetterQueue) Entries(ctx context.Context, filter DLQFilter) ([]*DLQEntry, error) {
	return q.store.ListDLQEntries(ctx, filter)
}

// Entry returns a single entry by id.
func (q *DeadLetterQueue) Entry(ctx context.Context, id string) (*DLQEntry, error) {
	return q.store.LookupDLQEntry(ctx, id)
}

// Stats summarizes the queue.
func (q *DeadLetterQueue) Stats(ctx context.Context) (*DLQStats, error) {
	return q.store.DLQStats(ctx)
}

// Cleanup removes non-retryable entries older than maxAge. Retryable
// entries are kept forever; a human still has to decide on them.
func (q *DeadLetterQueue) Cleanup(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge).UnixNano() / int64(time.Millisecond)
	return q.store.DeleteDLQEntriesBefore(ctx, cutoff)
}
