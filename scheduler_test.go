// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package taskqueue

import (
	"context"
	"errors"
	"testing"
	"time"
)

func nowMs() int64 { return time.Now().UnixNano() / int64(time.Millisecond) }

func scheduledJob(id string, retries, maxRetries int, nextRetryAt int64) *Job {
	return &Job{
		ID:             id,
		Type:           "test",
		Status:         RetryScheduled,
		CurrentRetries: retries,
		MaxRetries:     maxRetries,
		NextRetryAt:    nextRetryAt,
		ErrorMessage:   "connection refused",
	}
}

func TestSchedulerRequeuesDueRetries(t *testing.T) {
	st := NewInMemoryStore()
	ctx := context.Background()

	var requeued []string
	requeue := func(ctx context.Context, job *Job) error {
		requeued = append(requeued, job.ID)
		return st.ResetJobForRetry(ctx, job.ID, nowMs())
	}
	dlq := NewDeadLetterQueue(st, NewRegistry(), nopLogger{}, nil)
	s := newRetryScheduler(st, nopLogger{}, dlq, requeue, time.Minute)

	st.CreateJob(ctx, scheduledJob("due", 1, 3, nowMs()-100))
	st.CreateJob(ctx, scheduledJob("future", 1, 3, nowMs()+60000))

	n, err := s.scan(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if have, want := n, 1; have != want {
		t.Fatalf("scan moved %d jobs, want %d", have, want)
	}
	if have, want := len(requeued), 1; have != want {
		t.Fatalf("requeued %d jobs, want %d", have, want)
	}
	if have, want := requeued[0], "due"; have != want {
		t.Errorf("requeued %q, want %q", have, want)
	}

	// The future job is untouched.
	job, _ := st.LookupJob(ctx, "future")
	if have, want := job.Status, RetryScheduled; have != want {
		t.Errorf("future job status = %v, want %v", have, want)
	}
}

func TestSchedulerDeadLettersOverBudgetJobs(t *testing.T) {
	st := NewInMemoryStore()
	ctx := context.Background()

	requeue := func(ctx context.Context, job *Job) error {
		t.Errorf("job %s was requeued, want dead lettered", job.ID)
		return nil
	}
	dlq := NewDeadLetterQueue(st, NewRegistry(), nopLogger{}, nil)
	s := newRetryScheduler(st, nopLogger{}, dlq, requeue, time.Minute)

	// Retries exceed the budget; the safety net catches it.
	st.CreateJob(ctx, scheduledJob("exhausted", 4, 3, nowMs()-100))

	if _, err := s.scan(ctx); err != nil {
		t.Fatal(err)
	}

	job, err := st.LookupJob(ctx, "exhausted")
	if err != nil {
		t.Fatal(err)
	}
	if have, want := job.Status, DeadLetter; have != want {
		t.Errorf("job status = %v, want %v", have, want)
	}
	entries, err := dlq.Entries(ctx, DLQFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if have, want := len(entries), 1; have != want {
		t.Fatalf("len(entries) = %d, want %d", have, want)
	}

	_, _, deadLettered := s.counters()
	if have, want := deadLettered, int64(1); have != want {
		t.Errorf("deadLettered = %d, want %d", have, want)
	}
}

func TestSchedulerLeavesJobParkedWhenQueueFull(t *testing.T) {
	st := NewInMemoryStore()
	ctx := context.Background()

	requeue := func(ctx context.Context, job *Job) error {
		return ErrQueueFull
	}
	dlq := NewDeadLetterQueue(st, NewRegistry(), nopLogger{}, nil)
	s := newRetryScheduler(st, nopLogger{}, dlq, requeue, time.Minute)

	st.CreateJob(ctx, scheduledJob("parked", 1, 3, nowMs()-100))

	n, err := s.scan(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if have, want := n, 0; have != want {
		t.Fatalf("scan moved %d jobs, want %d", have, want)
	}

	// Still RetryScheduled, so the next scan sees it again.
	job, _ := st.LookupJob(ctx, "parked")
	if have, want := job.Status, RetryScheduled; have != want {
		t.Errorf("job status = %v, want %v", have, want)
	}
}

func TestSchedulerCountsScans(t *testing.T) {
	st := NewInMemoryStore()
	dlq := NewDeadLetterQueue(st, NewRegistry(), nopLogger{}, nil)
	s := newRetryScheduler(st, nopLogger{}, dlq, func(ctx context.Context, job *Job) error { return nil }, time.Minute)

	for i := 0; i < 3; i++ {
		if _, err := s.scan(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	scans, _, _ := s.counters()
	if have, want := scans, int64(3); have != want {
		t.Errorf("scans = %d, want %d", have, want)
	}
}

func TestSchedulerPropagatesStoreErrors(t *testing.T) {
	st := &failingStore{Store: NewInMemoryStore()}
	dlq := NewDeadLetterQueue(st, NewRegistry(), nopLogger{}, nil)
	s := newRetryScheduler(st, nopLogger{}, dlq, func(ctx context.Context, job *Job) error { return nil }, time.Minute)

	if _, err := s.scan(context.Background()); err == nil {
		t.Fatal("scan returned nil, want the store error")
	}
}

// failingStore fails DueRetries to exercise error paths.
type failingStore struct {
	Store
}

func (s *failingStore) DueRetries(ctx context.Context, now int64, limit int) ([]*Job, error) {
	return nil, errors.New("boom")
}
