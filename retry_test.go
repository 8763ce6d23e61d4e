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

func TestCalculateRetryDelayGrowsExponentially(t *testing.T) {
	r := NewRetryManager(NewInMemoryStore(), nopLogger{})
	c := Classification{} // no suggestions, defaults apply

	// Base 1000ms, multiplier 4, jitter +/- 25%.
	bounds := []struct {
		attempt  int
		min, max int64
	}{
		{0, 750, 1250},
		{1, 3000, 5000},
		{2, 12000, 20000},
	}
	for _, b := range bounds {
		for i := 0; i < 50; i++ {
			delay := r.calculateRetryDelay(b.attempt, c)
			if delay < b.min || delay > b.max {
				t.Fatalf("attempt %d: delay = %d, want within [%d,%d]", b.attempt, delay, b.min, b.max)
			}
		}
	}
}

func TestCalculateRetryDelayRespectsCap(t *testing.T) {
	r := NewRetryManager(NewInMemoryStore(), nopLogger{})
	for i := 0; i < 50; i++ {
		delay := r.calculateRetryDelay(20, Classification{})
		if delay > retryMaxDelayMs {
			t.Fatalf("delay = %d, want <= %d", delay, retryMaxDelayMs)
		}
		if delay < retryMinDelayMs {
			t.Fatalf("delay = %d, want >= %d", delay, retryMinDelayMs)
		}
	}
}

func TestCalculateRetryDelayUsesSuggestions(t *testing.T) {
	r := NewRetryManager(NewInMemoryStore(), nopLogger{})
	c := strategies["rate_limit"] // base 30000ms, multiplier 4
	for i := 0; i < 50; i++ {
		delay := r.calculateRetryDelay(0, c)
		if delay < 22500 || delay > 37500 {
			t.Fatalf("delay = %d, want within [22500,37500]", delay)
		}
	}
}

func TestScheduleRetryUpdatesJob(t *testing.T) {
	st := NewInMemoryStore()
	r := NewRetryManager(st, nopLogger{})
	ctx := context.Background()

	job := &Job{ID: "j1", Type: "test", Status: Processing, MaxRetries: 3}
	if err := st.CreateJob(ctx, job); err != nil {
		t.Fatal(err)
	}

	cause := errors.New("connection refused")
	c := r.Decide(job, cause)
	if !c.ShouldRetry {
		t.Fatalf("expected a retry decision, got %+v", c)
	}
	if err := r.ScheduleRetry(ctx, job, c, cause); err != nil {
		t.Fatal(err)
	}

	stored, err := st.LookupJob(ctx, "j1")
	if err != nil {
		t.Fatal(err)
	}
	if have, want := stored.Status, RetryScheduled; have != want {
		t.Errorf("Status = %v, want %v", have, want)
	}
	if have, want := stored.CurrentRetries, 1; have != want {
		t.Errorf("CurrentRetries = %d, want %d", have, want)
	}
	if stored.NextRetryAt <= stored.LastRetryAt {
		t.Errorf("NextRetryAt = %d, want > LastRetryAt (%d)", stored.NextRetryAt, stored.LastRetryAt)
	}
	if have, want := stored.ErrorMessage, "connection refused"; have != want {
		t.Errorf("ErrorMessage = %q, want %q", have, want)
	}
	// The in-memory copy tracks the store.
	if have, want := job.CurrentRetries, 1; have != want {
		t.Errorf("job.CurrentRetries = %d, want %d", have, want)
	}
}

func TestCurrentRetryCount(t *testing.T) {
	st := NewInMemoryStore()
	r := NewRetryManager(st, nopLogger{})
	ctx := context.Background()

	job := &Job{ID: "j1", Type: "test", Status: Processing, MaxRetries: 3}
	if err := st.CreateJob(ctx, job); err != nil {
		t.Fatal(err)
	}

	n, err := r.CurrentRetryCount(ctx, "j1")
	if err != nil {
		t.Fatal(err)
	}
	if have, want := n, 0; have != want {
		t.Errorf("CurrentRetryCount = %d, want %d", have, want)
	}

	cause := errors.New("connection refused")
	if err := r.ScheduleRetry(ctx, job, r.Decide(job, cause), cause); err != nil {
		t.Fatal(err)
	}
	n, err = r.CurrentRetryCount(ctx, "j1")
	if err != nil {
		t.Fatal(err)
	}
	if have, want := n, 1; have != want {
		t.Errorf("CurrentRetryCount after retry = %d, want %d", have, want)
	}

	if _, err := r.CurrentRetryCount(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("CurrentRetryCount(missing) = %v, want ErrNotFound", err)
	}
}

func TestMarkPermanentlyFailed(t *testing.T) {
	st := NewInMemoryStore()
	r := NewRetryManager(st, nopLogger{})
	ctx := context.Background()

	job := &Job{ID: "j1", Type: "test", Status: Processing, MaxRetries: 3}
	if err := st.CreateJob(ctx, job); err != nil {
		t.Fatal(err)
	}
	if err := r.MarkPermanentlyFailed(ctx, job, Timeout, "deadline exceeded"); err != nil {
		t.Fatal(err)
	}
	stored, err := st.LookupJob(ctx, "j1")
	if err != nil {
		t.Fatal(err)
	}
	if have, want := stored.Status, Timeout; have != want {
		t.Errorf("Status = %v, want %v", have, want)
	}
	if stored.CompletedAt == 0 {
		t.Error("CompletedAt = 0, want set")
	}
}

func TestIsRetryReady(t *testing.T) {
	r := NewRetryManager(NewInMemoryStore(), nopLogger{})
	now := time.Now().UnixNano() / int64(time.Millisecond)

	job := &Job{Status: RetryScheduled, NextRetryAt: now - 1}
	if !r.IsRetryReady(job, now) {
		t.Error("expected due retry to be ready")
	}
	job.NextRetryAt = now + 60000
	if r.IsRetryReady(job, now) {
		t.Error("expected future retry to not be ready")
	}
	job = &Job{Status: Pending, NextRetryAt: now - 1}
	if r.IsRetryReady(job, now) {
		t.Error("expected non-scheduled job to not be ready")
	}
}
