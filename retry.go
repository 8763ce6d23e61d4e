// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package taskqueue

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// Retry delay bounds. Delays grow exponentially from the base, are
// capped, and get random jitter so that a burst of failures does not
// retry in lockstep.
const (
	retryBaseDelayMs  int64   = 1000
	retryMultiplier   float64 = 4.0
	retryMaxDelayMs   int64   = 300000
	retryMinDelayMs   int64   = 100
	retryJitterFactor float64 = 0.25
)

// RetryManager decides what happens to a failed job: schedule another
// attempt with exponential backoff, or declare the failure permanent.
// It owns the retry bookkeeping fields on the job row.
type RetryManager struct {
	logger Logger
	store  Store

	mu  sync.Mutex
	rnd *rand.Rand
}

// NewRetryManager creates a retry manager writing through the given
// store.
func NewRetryManager(store Store, logger Logger) *RetryManager {
	if logger == nil {
		logger = nopLogger{}
	}
	return &RetryManager{
		logger: logger,
		store:  store,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Decide classifies the failure in the context of the job's retry
// budget. Unknown errors are logged loudly since their transient
// verdict is a guess.
func (r *RetryManager) Decide(job *Job, err error) Classification {
	c := Classify(err, job.Type, job.CurrentRetries, job.MaxRetries)
	if c.Unknown() {
		r.logger.Printf("taskqueue: job %s (%s) failed with unclassified error %v, defaulting to transient", job.ID, job.Type, err)
	}
	return c
}

// ScheduleRetry computes the backoff delay for the next attempt and
// parks the job in the RetryScheduled state. The job is not
// re-enqueued here; the retry scheduler picks it up once the delay
// has elapsed.
//
// The retry counter on the job row is incremented by the store so the
// count survives a crash between the decision and the next attempt.
func (r *RetryManager) ScheduleRetry(ctx context.Context, job *Job, c Classification, cause error) error {
	delay := r.calculateRetryDelay(job.CurrentRetries, c)
	now := time.Now().UnixNano() / int64(time.Millisecond)
	nextRetryAt := now + delay

	err := r.store.ScheduleJobRetry(ctx, job.ID, delay, nextRetryAt, now, cause.Error())
	if err != nil {
		return err
	}

	job.Status = RetryScheduled
	job.CurrentRetries++
	job.RetryBackoffMs = delay
	job.NextRetryAt = nextRetryAt
	job.LastRetryAt = now
	job.ErrorMessage = cause.Error()

	r.logger.Printf("taskqueue: job %s (%s) scheduled for retry %d/%d in %dms (%s)",
		job.ID, job.Type, job.CurrentRetries, job.MaxRetries, delay, c.Strategy)
	return nil
}

// MarkPermanentlyFailed transitions the job into a terminal failure
// state. The caller decides between Failed and Timeout.
func (r *RetryManager) MarkPermanentlyFailed(ctx context.Context, job *Job, status JobStatus, reason string) error {
	now := time.Now().UnixNano() / int64(time.Millisecond)
	if err := r.store.MarkJobFailed(ctx, job.ID, status, now, reason); err != nil {
		return err
	}
	job.Status = status
	job.CompletedAt = now
	job.ErrorMessage = reason
	r.logger.Printf("taskqueue: job %s (%s) failed permanently after %d retries: %s",
		job.ID, job.Type, job.CurrentRetries, reason)
	return nil
}

// CurrentRetryCount returns the number of retry attempts recorded for
// the job with the given identifier. If no such job exists,
// ErrNotFound is returned.
func (r *RetryManager) CurrentRetryCount(ctx context.Context, jobID string) (int, error) {
	job, err := r.store.LookupJob(ctx, jobID)
	if err != nil {
		return 0, err
	}
	return job.CurrentRetries, nil
}

// IsRetryReady reports whether a scheduled retry is due.
func (r *RetryManager) IsRetryReady(job *Job, now int64) bool {
	return job.Status == RetryScheduled && job.NextRetryAt <= now
}

// calculateRetryDelay returns the backoff delay in milliseconds for
// the given attempt (0-based). Classification suggestions override the
// defaults so that, say, rate limits back off far more aggressively
// than database contention.
func (r *RetryManager) calculateRetryDelay(attempt int, c Classification) int64 {
	base := retryBaseDelayMs
	mult := retryMultiplier
	if c.SuggestedBaseDelayMs > 0 {
		base = c.SuggestedBaseDelayMs
	}
	if c.SuggestedMultiplier > 1.0 {
		mult = c.SuggestedMultiplier
	}

	delay := float64(base)
	for i := 0; i < attempt; i++ {
		delay *= mult
		if delay >= float64(retryMaxDelayMs) {
			break
		}
	}
	if delay > float64(retryMaxDelayMs) {
		delay = float64(retryMaxDelayMs)
	}

	// Jitter in [-25%, +25%].
	r.mu.Lock()
	jitter := (r.rnd.Float64()*2 - 1) * retryJitterFactor
	r.mu.Unlock()
	delay += delay * jitter

	ms := int64(delay)
	if ms < retryMinDelayMs {
		ms = retryMinDelayMs
	}
	if ms > retryMaxDelayMs {
		ms = retryMaxDelayMs
	}
	return ms
}
