// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package taskqueue

import (
	"context"
	"time"
)

// defaultResultTTLMs is how long job results are kept before the
// cleanup loop removes them.
const defaultResultTTLMs int64 = 3600000 // 1 hour

// JobResult records the terminal outcome of a job so callers can poll
// for it after the job has left the live queues. Results expire.
type JobResult struct {
	JobID       string  `json:"job_id"`
	JobType     string  `json:"job_type"`
	Success     bool    `json:"success"`
	Data        Payload `json:"data,omitempty"`
	Error       string  `json:"error,omitempty"`
	CompletedAt int64   `json:"completed_at"` // epoch ms
	ExpiresAt   int64   `json:"expires_at"`   // epoch ms
}

// resultSink writes job outcomes through the store with a fixed TTL.
type resultSink struct {
	store Store
	ttlMs int64
}

func newResultSink(store Store, ttlMs int64) *resultSink {
	if ttlMs <= 0 {
		ttlMs = defaultResultTTLMs
	}
	return &resultSink{store: store, ttlMs: ttlMs}
}

// StoreSuccess records a successful outcome, with optional data the
// task produced.
func (s *resultSink) StoreSuccess(ctx context.Context, job *Job, data Payload) error {
	now := time.Now().UnixNano() / int64(time.Millisecond)
	return s.store.CreateResult(ctx, &JobResult{
		JobID:       job.ID,
		JobType:     job.Type,
		Success:     true,
		Data:        data,
		CompletedAt: now,
		ExpiresAt:   now + s.ttlMs,
	})
}

// StoreError records a terminal failure outcome.
func (s *resultSink) StoreError(ctx context.Context, job *Job, errorMessage string) error {
	now := time.Now().UnixNano() / int64(time.Millisecond)
	return s.store.CreateResult(ctx, &JobResult{
		JobID:       job.ID,
		JobType:     job.Type,
		Success:     false,
		Error:       errorMessage,
		CompletedAt: now,
		ExpiresAt:   now + s.ttlMs,
	})
}

// Lookup returns the unexpired result for a job, or ErrNotFound.
func (s *resultSink) Lookup(ctx context.Context, jobID string) (*JobResult, error) {
	now := time.Now().UnixNano() / int64(time.Millisecond)
	return s.store.LookupResult(ctx, jobID, now)
}
